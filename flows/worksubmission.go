package flows

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/storage"
	"github.com/quorumlabs/chainflow/workflow"
)

// WorkSubmission builds the seven-step work submission pipeline:
//
//	compute_roots -> upload_evidence -> await_storage -> submit_work ->
//	await_work_confirm -> register_work -> await_register_confirm
//
// Derivation and upload are reversible; both submits are irreversible and
// trigger pre-flight reconciliation.
func WorkSubmission(d *Deps) *workflow.Definition {
	d.normalize()
	return &workflow.Definition{
		Type: workflow.TypeWorkSubmission,
		Order: []string{
			workflow.StepComputeRoots,
			workflow.StepUploadEvidence,
			workflow.StepAwaitStorage,
			workflow.StepSubmitWork,
			workflow.StepAwaitWorkConfirm,
			workflow.StepRegisterWork,
			workflow.StepAwaitRegisterConfirm,
		},
		Steps: map[string]workflow.StepExecutor{
			workflow.StepComputeRoots:         workflow.StepFunc(false, d.computeRoots),
			workflow.StepUploadEvidence:       workflow.StepFunc(false, d.uploadEvidence),
			workflow.StepAwaitStorage:         workflow.StepFunc(false, d.awaitStorage),
			workflow.StepSubmitWork:           workflow.StepFunc(true, d.submitWork),
			workflow.StepAwaitWorkConfirm:     workflow.StepFunc(false, d.awaitWorkConfirm),
			workflow.StepRegisterWork:         workflow.StepFunc(true, d.registerWork),
			workflow.StepAwaitRegisterConfirm: workflow.StepFunc(false, d.awaitWorkRegisterConfirm),
		},
		InitialStep: func(rec *workflow.Record) (string, error) {
			in, err := decodeWorkInput(rec)
			if err != nil {
				return "", err
			}
			if err := in.Validate(); err != nil {
				return "", err
			}
			return workflow.StepComputeRoots, nil
		},
	}
}

// computeRoots derives the thread root, evidence root, and agent weights and
// persists them. Pure computation; retrying after a crash recomputes the
// same values.
func (d *Deps) computeRoots(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Has(workflow.KeyThreadRoot) {
		return workflow.Success(workflow.StepUploadEvidence)
	}

	in, err := decodeWorkInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	roots, err := DeriveRoots(in.Evidence, in.RawEvidence)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  fmt.Sprintf("derivation failed: %v", err),
			Cause:    err,
		})
	}

	if out := d.persist(ctx, rec, workflow.Progress{
		workflow.KeyThreadRoot:   roots.ThreadRoot.Hex(),
		workflow.KeyEvidenceRoot: roots.EvidenceRoot.Hex(),
		workflow.KeyAgentWeights: roots.AgentWeights,
	}); out != nil {
		return *out
	}
	return workflow.Success(workflow.StepUploadEvidence)
}

// uploadEvidence stores the raw evidence bytes and persists the returned
// storage id. Not irreversible: a retry produces a fresh id and the old blob
// is garbage, not a double effect.
func (d *Deps) uploadEvidence(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Has(workflow.KeyStorageTxID) {
		return workflow.Success(workflow.StepAwaitStorage)
	}

	in, err := decodeWorkInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	id, err := d.Storage.Upload(ctx, in.RawEvidence, storage.Tags{
		"studio":    in.Studio.Hex(),
		"epoch":     strconv.FormatUint(in.Epoch, 10),
		"data_hash": in.DataHash.Hex(),
		"agent":     in.Agent.Hex(),
	})
	if err != nil {
		return adverse(fmt.Errorf("evidence upload failed: %w", err))
	}

	if out := d.persist(ctx, rec, workflow.Progress{workflow.KeyStorageTxID: id}); out != nil {
		return *out
	}
	return workflow.Success(workflow.StepAwaitStorage)
}

// awaitStorage polls the upload status until confirmation or the wall-clock
// budget elapses. A not_found id is treated like pending: the budget stall
// plus startup reconciliation handles lost uploads.
func (d *Deps) awaitStorage(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyStorageConfirmed) {
		return workflow.Success(workflow.StepSubmitWork)
	}
	id, ok := rec.Progress.String(workflow.KeyStorageTxID)
	if !ok || id == "" {
		return workflow.Success(workflow.StepUploadEvidence)
	}

	deadline := time.Now().Add(d.StorageBudget)
	for {
		st, err := d.Storage.Status(ctx, id)
		if err != nil {
			return adverse(fmt.Errorf("storage status check failed: %w", err))
		}
		if st == storage.StatusConfirmed {
			if out := d.persist(ctx, rec, workflow.Progress{workflow.KeyStorageConfirmed: true}); out != nil {
				return *out
			}
			return workflow.Success(workflow.StepSubmitWork)
		}

		if time.Now().After(deadline) {
			return workflow.Stalled(
				fmt.Sprintf("storage confirmation for %s exceeded %s budget", id, d.StorageBudget),
				&workflow.ClassifiedError{
					Category: workflow.CategoryTransient,
					Code:     workflow.CodeExternalWaitExceeded,
					Message:  fmt.Sprintf("storage id %s still %s", id, st),
				})
		}
		select {
		case <-time.After(d.StoragePoll):
		case <-ctx.Done():
			return workflow.Stalled("storage wait cancelled", nil)
		}
	}
}

// submitWork encodes and broadcasts the primary on-chain submission.
// Irreversible; the engine reconciles before invoking it.
func (d *Deps) submitWork(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyOnchainConfirmed) {
		return workflow.Success(workflow.StepRegisterWork)
	}
	if rec.Progress.Has(workflow.KeyOnchainTxHash) {
		return workflow.Success(workflow.StepAwaitWorkConfirm)
	}

	in, err := decodeWorkInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	threadRoot, okT := rec.Progress.Hash(workflow.KeyThreadRoot)
	evidenceRoot, okE := rec.Progress.Hash(workflow.KeyEvidenceRoot)
	if !okT || !okE || !rec.Progress.Bool(workflow.KeyStorageConfirmed) {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  "submit_work preconditions not met: roots or storage confirmation missing",
		})
	}

	calldata := encodeSubmitWork(in.DataHash, threadRoot, evidenceRoot, in.Epoch)
	return d.submitTx(ctx, rec, rec.Signer, d.Contracts.WorkLedger, calldata,
		workflow.KeyOnchainTxHash, workflow.StepAwaitWorkConfirm)
}

// awaitWorkConfirm waits out the primary submission.
func (d *Deps) awaitWorkConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyOnchainConfirmed) {
		return workflow.Success(workflow.StepRegisterWork)
	}
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyOnchainTxHash,
		signer:   rec.Signer,
		resubmit: workflow.StepSubmitWork,
		what:     "work submission",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyOnchainConfirmed:   true,
				workflow.KeyOnchainBlock:       rcpt.BlockNumber,
				workflow.KeyOnchainConfirmedAt: workflow.NowMillis(),
			}
		},
		next: workflow.Success(workflow.StepRegisterWork),
	})
}

// registerWork records (studio, epoch, dataHash) in the secondary ledger,
// signed by the admin signer when configured.
func (d *Deps) registerWork(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRegisterConfirmed) {
		return workflow.Completed()
	}
	if rec.Progress.Has(workflow.KeyRegisterTxHash) {
		return workflow.Success(workflow.StepAwaitRegisterConfirm)
	}

	in, err := decodeWorkInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	calldata := encodeRegisterWork(in.Studio, in.Epoch, in.DataHash)
	return d.submitTx(ctx, rec, d.registrationSigner(rec), d.Contracts.Registry, calldata,
		workflow.KeyRegisterTxHash, workflow.StepAwaitRegisterConfirm)
}

// awaitWorkRegisterConfirm finishes the pipeline. An "already"/"registered"
// revert is an idempotent COMPLETE.
func (d *Deps) awaitWorkRegisterConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRegisterConfirmed) {
		return workflow.Completed()
	}
	done := workflow.Completed()
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyRegisterTxHash,
		signer:   d.registrationSigner(rec),
		resubmit: workflow.StepRegisterWork,
		what:     "work registration",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyRegisterConfirmed: true,
				workflow.KeyRegisterBlock:     rcpt.BlockNumber,
			}
		},
		next:           workflow.Completed(),
		already:        &done,
		alreadyUpdates: workflow.Progress{workflow.KeyRegisterConfirmed: true},
	})
}
