package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/storage"
	"github.com/quorumlabs/chainflow/txqueue"
	"github.com/quorumlabs/chainflow/workflow"
)

// Contracts are the deployed ledger contract addresses targeted by the
// pipelines.
type Contracts struct {
	WorkLedger  common.Address
	ScoreLedger common.Address
	Registry    common.Address
	Epochs      common.Address
}

// Deps are the external collaborators shared by all three pipelines. One
// Deps value is built at bootstrap and passed to the definition
// constructors.
type Deps struct {
	Store   workflow.Store
	Queue   *txqueue.Queue
	Storage storage.Adapter
	Work    chain.WorkLedger
	Score   chain.ScoreLedger
	Epochs  chain.EpochLedger

	Contracts Contracts

	// AdminSigner, when set, signs secondary-ledger registrations instead
	// of the workflow's own signer.
	AdminSigner common.Address

	// StorageBudget bounds the total wall-clock wait for storage
	// confirmation. Defaults to 10 minutes.
	StorageBudget time.Duration

	// StoragePoll is the storage status polling cadence. Defaults to 5s.
	StoragePoll time.Duration

	Log *logrus.Logger
}

func (d *Deps) normalize() {
	if d.StorageBudget == 0 {
		d.StorageBudget = 10 * time.Minute
	}
	if d.StoragePoll == 0 {
		d.StoragePoll = 5 * time.Second
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
}

// registrationSigner applies the admin-signer fallback rule for
// secondary-ledger registrations.
func (d *Deps) registrationSigner(rec *workflow.Record) common.Address {
	if d.AdminSigner != (common.Address{}) {
		return d.AdminSigner
	}
	return rec.Signer
}

// persist merges fields into progress, mapping store failures to a
// retryable outcome. Returns nil on success.
func (d *Deps) persist(ctx context.Context, rec *workflow.Record, fields workflow.Progress) *workflow.Outcome {
	if err := d.Store.AppendProgress(ctx, rec.ID, fields); err != nil {
		out := workflow.Retry(&workflow.ClassifiedError{
			Category: workflow.CategoryTransient,
			Code:     workflow.CodeInfrastructure,
			Message:  fmt.Sprintf("failed to persist progress: %v", err),
			Cause:    err,
		})
		return &out
	}
	return nil
}

// adverse maps an adapter error to RETRY or FAILED per its classification.
func adverse(err error) workflow.Outcome {
	cerr := workflow.Classify(err)
	if cerr.Category == workflow.CategoryPermanent {
		return workflow.Failed(cerr)
	}
	return workflow.Retry(cerr)
}

// submitTx encodes one on-chain submission: acquire the signer lock, assign
// the nonce, broadcast, and persist the tx hash under hashKey. The lock
// stays held by the workflow until the await step observes a final receipt.
// On success returns Success(awaitStep).
func (d *Deps) submitTx(ctx context.Context, rec *workflow.Record, signer, to common.Address, calldata []byte, hashKey, awaitStep string) workflow.Outcome {
	hash, err := d.Queue.SubmitOnly(ctx, rec.ID, signer, chain.TxRequest{To: to, Data: calldata})
	if err != nil {
		if errors.Is(err, txqueue.ErrAcquireTimeout) {
			return workflow.Retry(&workflow.ClassifiedError{
				Category: workflow.CategoryTransient,
				Code:     workflow.CodeInfrastructure,
				Message:  err.Error(),
				Cause:    err,
			})
		}
		return adverse(err)
	}

	if out := d.persist(ctx, rec, workflow.Progress{hashKey: hash.Hex()}); out != nil {
		// The hash is broadcast but not persisted; release so the retry can
		// re-enter, and let reconciliation detect the orphaned submission.
		d.Queue.ReleaseFor(rec.ID, signer)
		return *out
	}
	return workflow.Success(awaitStep)
}

// awaitSpec parameterizes the shared confirmation-wait shape used by every
// await step.
type awaitSpec struct {
	hashKey  string
	signer   common.Address
	resubmit string // step to route back to when the hash was cleared
	what     string // human name for messages ("work submission", ...)

	// confirmed builds the progress merged on confirmation.
	confirmed func(chain.Receipt) workflow.Progress

	// next is the outcome after confirmation.
	next workflow.Outcome

	// already, when non-nil, is the outcome for a revert whose reason
	// signals the effect is already in place. alreadyUpdates is merged
	// first. A nil already treats such reverts as plain failures.
	already        *workflow.Outcome
	alreadyUpdates workflow.Progress
}

// awaitConfirm drives one tx-confirmation wait:
//   - hash cleared (stale-tx rule)      -> route back to the submit step
//   - confirmed                         -> persist, release lock, spec.next
//   - reverted, reason "already done"   -> release lock, spec.already
//   - reverted otherwise                -> release lock, FAILED
//   - confirm budget exceeded           -> release lock, STALLED
//   - not_found                         -> release lock, STALLED
func (d *Deps) awaitConfirm(ctx context.Context, rec *workflow.Record, spec awaitSpec) workflow.Outcome {
	hash, ok := rec.Progress.Hash(spec.hashKey)
	if !ok {
		return workflow.Success(spec.resubmit)
	}

	rcpt, err := d.Queue.WaitForTx(ctx, hash)
	if err != nil {
		if errors.Is(err, txqueue.ErrConfirmTimeout) {
			d.Queue.ReleaseFor(rec.ID, spec.signer)
			return workflow.Stalled(
				fmt.Sprintf("%s confirmation exceeded budget", spec.what),
				&workflow.ClassifiedError{
					Category: workflow.CategoryTransient,
					Code:     workflow.CodeExternalWaitExceeded,
					Message:  err.Error(),
					Cause:    err,
				})
		}
		return adverse(err)
	}

	switch rcpt.Status {
	case chain.StatusConfirmed:
		if out := d.persist(ctx, rec, spec.confirmed(rcpt)); out != nil {
			return *out
		}
		d.Queue.ReleaseFor(rec.ID, spec.signer)
		return spec.next

	case chain.StatusReverted:
		d.Queue.ReleaseFor(rec.ID, spec.signer)
		if spec.already != nil && workflow.IsAlreadyDone(rcpt.RevertReason) {
			if len(spec.alreadyUpdates) > 0 {
				if out := d.persist(ctx, rec, spec.alreadyUpdates); out != nil {
					return *out
				}
			}
			return *spec.already
		}
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  fmt.Sprintf("%s reverted: %s", spec.what, rcpt.RevertReason),
		})

	case chain.StatusNotFound:
		// Dropped from the mempool; stall and let reconciliation clear the
		// stale hash on resumption.
		d.Queue.ReleaseFor(rec.ID, spec.signer)
		return workflow.Stalled(
			fmt.Sprintf("%s tx %s not found on chain", spec.what, hash.Hex()), nil)

	default:
		return workflow.Stalled(
			fmt.Sprintf("%s tx %s still pending", spec.what, hash.Hex()), nil)
	}
}
