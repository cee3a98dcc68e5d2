package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/storage"
)

// ActionKind tags a reconciliation decision.
type ActionKind string

const (
	// ActionNoChange leaves the record as it is.
	ActionNoChange ActionKind = "NO_CHANGE"

	// ActionAdvanceToStep moves the record to a later step, optionally
	// merging progress. Applying it resets step_attempts to 0.
	ActionAdvanceToStep ActionKind = "ADVANCE_TO_STEP"

	// ActionUpdateProgress merges progress fields without a step change.
	ActionUpdateProgress ActionKind = "UPDATE_PROGRESS"

	// ActionClearTxHashAndRetry clears a stale on-chain tx hash from
	// progress and resets attempts, allowing the step to resubmit.
	ActionClearTxHashAndRetry ActionKind = "CLEAR_TX_HASH_AND_RETRY"

	// ActionComplete terminates the workflow in COMPLETED.
	ActionComplete ActionKind = "COMPLETE"

	// ActionFail terminates the workflow in FAILED with
	// code RECONCILIATION_FAILURE.
	ActionFail ActionKind = "FAIL"
)

// Action is the reconciler's decision for one record.
type Action struct {
	Kind ActionKind

	// Step is the target step for ActionAdvanceToStep.
	Step string

	// Updates are progress fields to merge for ActionAdvanceToStep and
	// ActionUpdateProgress. A nil value deletes the field (tx-hash
	// clearing).
	Updates Progress

	// TxHashKey names the progress field cleared by
	// ActionClearTxHashAndRetry.
	TxHashKey string

	// Reason explains an ActionFail.
	Reason string
}

// NoChange is the zero-decision action.
var NoChange = Action{Kind: ActionNoChange}

// inputFields are the common fields the reconciler needs from a record's
// input payload. The flows package serializes its typed inputs with these
// JSON keys.
type inputFields struct {
	Studio    common.Address `json:"studio"`
	Epoch     uint64         `json:"epoch"`
	DataHash  common.Hash    `json:"data_hash"`
	Agent     common.Address `json:"agent"`
	Validator common.Address `json:"validator"`
	Worker    common.Address `json:"worker"`
	Mode      string         `json:"mode"`
}

func decodeInput(rec *Record) (inputFields, error) {
	var in inputFields
	if err := json.Unmarshal(rec.Input, &in); err != nil {
		return in, fmt.Errorf("failed to decode workflow input: %w", err)
	}
	return in, nil
}

// Reconciler re-derives a workflow's correct next action from authoritative
// external state. It is the single authority on "what actually happened":
// the engine consults it before every irreversible step and on resumption.
//
// The reconciler reads receipts, ledger predicates, and storage status; it
// never performs a mutating adapter call. Its contract is idempotent and
// monotone: running it repeatedly on unchanged inputs yields the same
// action, and once the applied action has been persisted the next run
// yields NO_CHANGE.
type Reconciler struct {
	chain   chain.Adapter
	work    chain.WorkLedger
	score   chain.ScoreLedger
	epochs  chain.EpochLedger
	storage storage.Adapter
	now     func() int64
}

// NewReconciler creates a Reconciler over the given adapters.
func NewReconciler(adapter chain.Adapter, work chain.WorkLedger, score chain.ScoreLedger, epochs chain.EpochLedger, store storage.Adapter) *Reconciler {
	return &Reconciler{
		chain:   adapter,
		work:    work,
		score:   score,
		epochs:  epochs,
		storage: store,
		now:     NowMillis,
	}
}

// Reconcile dispatches on the workflow type. Per-type rules are applied in
// strict priority order, first match wins; absence of any match yields
// NO_CHANGE. An error means external state could not be read; the engine
// treats it as a retryable condition, not a decision.
func (r *Reconciler) Reconcile(ctx context.Context, rec *Record) (Action, error) {
	in, err := decodeInput(rec)
	if err != nil {
		return NoChange, err
	}

	switch rec.Type {
	case TypeWorkSubmission:
		return r.reconcileWork(ctx, rec, in)
	case TypeScoreSubmission:
		return r.reconcileScore(ctx, rec, in)
	case TypeCloseEpoch:
		return r.reconcileCloseEpoch(ctx, rec, in)
	default:
		return NoChange, fmt.Errorf("unknown workflow type: %s", rec.Type)
	}
}

// peek reads the current receipt for a hash stored in progress.
func (r *Reconciler) peek(ctx context.Context, rec *Record, key string) (chain.Receipt, error) {
	hash, _ := rec.Progress.Hash(key)
	return r.chain.TransactionReceipt(ctx, hash)
}

// reconcileWork applies the WorkSubmission ladder:
//
//  1. Secondary registration predicate holds            -> COMPLETE
//  2. Registration tx recorded, unconfirmed             -> route by receipt
//  3. Primary predicate holds at submit/confirm step    -> ADVANCE to register
//  4. Primary tx recorded, unconfirmed                  -> route by receipt
//  5. Storage tx recorded, unconfirmed                  -> mark confirmed
//  6. NO_CHANGE
func (r *Reconciler) reconcileWork(ctx context.Context, rec *Record, in inputFields) (Action, error) {
	// Rule 1: registration already on the secondary ledger.
	registered, err := r.work.WorkRegistered(ctx, in.Studio, in.Epoch, in.DataHash)
	if err != nil {
		return NoChange, fmt.Errorf("work registered predicate: %w", err)
	}
	if registered {
		return Action{Kind: ActionComplete}, nil
	}

	// Rule 2: pending registration tx.
	if rec.Progress.Has(KeyRegisterTxHash) && !rec.Progress.Bool(KeyRegisterConfirmed) {
		rcpt, err := r.peek(ctx, rec, KeyRegisterTxHash)
		if err != nil {
			return NoChange, fmt.Errorf("registration receipt: %w", err)
		}
		switch rcpt.Status {
		case chain.StatusConfirmed:
			registered, err := r.work.WorkRegistered(ctx, in.Studio, in.Epoch, in.DataHash)
			if err != nil {
				return NoChange, fmt.Errorf("work registered predicate: %w", err)
			}
			if registered {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "registration tx confirmed but work not registered"}, nil
		case chain.StatusReverted:
			if IsAlreadyDone(rcpt.RevertReason) {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "registration reverted: " + rcpt.RevertReason}, nil
		case chain.StatusNotFound:
			return Action{Kind: ActionUpdateProgress, Updates: Progress{KeyRegisterTxHash: nil}}, nil
		default:
			return NoChange, nil
		}
	}

	// Rule 3: work already on the primary ledger while the record still
	// sits at the submit or confirm step. This heals a crash between a
	// successful submission and its persistence without resubmitting.
	if rec.Step == StepSubmitWork || rec.Step == StepAwaitWorkConfirm {
		exists, err := r.work.WorkExists(ctx, in.Studio, in.DataHash)
		if err != nil {
			return NoChange, fmt.Errorf("work exists predicate: %w", err)
		}
		if exists {
			return Action{
				Kind: ActionAdvanceToStep,
				Step: StepRegisterWork,
				// onchain_block is deliberately absent here: the advance is
				// driven by the predicate, not a receipt. Readers treat the
				// block field as optional.
				Updates: Progress{
					KeyOnchainConfirmed:   true,
					KeyOnchainConfirmedAt: r.now(),
				},
			}, nil
		}
	}

	// Rule 4: pending primary tx.
	if rec.Progress.Has(KeyOnchainTxHash) && !rec.Progress.Bool(KeyOnchainConfirmed) {
		rcpt, err := r.peek(ctx, rec, KeyOnchainTxHash)
		if err != nil {
			return NoChange, fmt.Errorf("primary receipt: %w", err)
		}
		switch rcpt.Status {
		case chain.StatusConfirmed:
			exists, err := r.work.WorkExists(ctx, in.Studio, in.DataHash)
			if err != nil {
				return NoChange, fmt.Errorf("work exists predicate: %w", err)
			}
			if !exists {
				return Action{Kind: ActionFail, Reason: "tx confirmed but work not found on primary ledger"}, nil
			}
			return Action{
				Kind: ActionAdvanceToStep,
				Step: StepRegisterWork,
				Updates: Progress{
					KeyOnchainConfirmed:   true,
					KeyOnchainBlock:       rcpt.BlockNumber,
					KeyOnchainConfirmedAt: r.now(),
				},
			}, nil
		case chain.StatusReverted:
			return Action{Kind: ActionFail, Reason: "work submission reverted: " + rcpt.RevertReason}, nil
		case chain.StatusNotFound:
			return Action{Kind: ActionClearTxHashAndRetry, TxHashKey: KeyOnchainTxHash}, nil
		default:
			return NoChange, nil
		}
	}

	// Rule 5: pending storage upload. A not_found storage id yields
	// NO_CHANGE rather than clearing: uploads are fungible and the upload
	// step re-resolves on its own.
	if rec.Progress.Has(KeyStorageTxID) && !rec.Progress.Bool(KeyStorageConfirmed) {
		id, _ := rec.Progress.String(KeyStorageTxID)
		st, err := r.storage.Status(ctx, id)
		if err != nil {
			return NoChange, fmt.Errorf("storage status: %w", err)
		}
		if st == storage.StatusConfirmed {
			return Action{Kind: ActionUpdateProgress, Updates: Progress{KeyStorageConfirmed: true}}, nil
		}
		return NoChange, nil
	}

	return NoChange, nil
}

// reconcileScore applies the ScoreSubmission ladder, keyed on the input
// mode:
//
//  1. Validator registered in secondary ledger          -> COMPLETE
//  2. Registration tx recorded, unconfirmed             -> route by receipt
//  3. (commit_reveal) reveal predicate at reveal steps  -> ADVANCE to register
//  4. (commit_reveal) reveal tx recorded, unconfirmed   -> route by receipt
//  5. (commit_reveal) commit predicate at commit steps  -> ADVANCE to reveal
//  6. (commit_reveal) commit tx recorded, unconfirmed   -> route by receipt
//  7. (direct) score predicate / score tx               -> ADVANCE / route
//
// Confirmed-but-predicate-false branches FAIL. An "already"/"registered"
// revert at the registration step is an idempotent COMPLETE; at the commit,
// reveal, and score steps it is an idempotent step success and advances.
func (r *Reconciler) reconcileScore(ctx context.Context, rec *Record, in inputFields) (Action, error) {
	// Rule 1.
	registered, err := r.score.ValidatorRegistered(ctx, in.Studio, in.Epoch, in.Validator)
	if err != nil {
		return NoChange, fmt.Errorf("validator registered predicate: %w", err)
	}
	if registered {
		return Action{Kind: ActionComplete}, nil
	}

	// Rule 2.
	if rec.Progress.Has(KeyRegisterTxHash) && !rec.Progress.Bool(KeyRegisterConfirmed) {
		rcpt, err := r.peek(ctx, rec, KeyRegisterTxHash)
		if err != nil {
			return NoChange, fmt.Errorf("registration receipt: %w", err)
		}
		switch rcpt.Status {
		case chain.StatusConfirmed:
			registered, err := r.score.ValidatorRegistered(ctx, in.Studio, in.Epoch, in.Validator)
			if err != nil {
				return NoChange, fmt.Errorf("validator registered predicate: %w", err)
			}
			if registered {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "registration tx confirmed but validator not registered"}, nil
		case chain.StatusReverted:
			if IsAlreadyDone(rcpt.RevertReason) {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "validator registration reverted: " + rcpt.RevertReason}, nil
		case chain.StatusNotFound:
			return Action{Kind: ActionUpdateProgress, Updates: Progress{KeyRegisterTxHash: nil}}, nil
		default:
			return NoChange, nil
		}
	}

	if in.Mode == ModeCommitReveal {
		// Rule 3: reveal already on-chain.
		if rec.Step == StepSubmitReveal || rec.Step == StepAwaitRevealConfirm {
			exists, err := r.score.RevealExists(ctx, in.Studio, in.DataHash, in.Validator)
			if err != nil {
				return NoChange, fmt.Errorf("reveal exists predicate: %w", err)
			}
			if exists {
				return Action{
					Kind:    ActionAdvanceToStep,
					Step:    StepRegisterValidator,
					Updates: Progress{KeyRevealConfirmed: true},
				}, nil
			}
		}

		// Rule 4: pending reveal tx.
		if rec.Progress.Has(KeyRevealTxHash) && !rec.Progress.Bool(KeyRevealConfirmed) {
			rcpt, err := r.peek(ctx, rec, KeyRevealTxHash)
			if err != nil {
				return NoChange, fmt.Errorf("reveal receipt: %w", err)
			}
			switch rcpt.Status {
			case chain.StatusConfirmed:
				exists, err := r.score.RevealExists(ctx, in.Studio, in.DataHash, in.Validator)
				if err != nil {
					return NoChange, fmt.Errorf("reveal exists predicate: %w", err)
				}
				if !exists {
					return Action{Kind: ActionFail, Reason: "reveal tx confirmed but reveal not found"}, nil
				}
				return Action{
					Kind:    ActionAdvanceToStep,
					Step:    StepRegisterValidator,
					Updates: Progress{KeyRevealConfirmed: true, KeyRevealBlock: rcpt.BlockNumber},
				}, nil
			case chain.StatusReverted:
				if IsAlreadyDone(rcpt.RevertReason) {
					return Action{
						Kind:    ActionAdvanceToStep,
						Step:    StepRegisterValidator,
						Updates: Progress{KeyRevealConfirmed: true},
					}, nil
				}
				return Action{Kind: ActionFail, Reason: "reveal reverted: " + rcpt.RevertReason}, nil
			case chain.StatusNotFound:
				return Action{Kind: ActionClearTxHashAndRetry, TxHashKey: KeyRevealTxHash}, nil
			default:
				return NoChange, nil
			}
		}

		// Rule 5: commit already on-chain.
		if rec.Step == StepSubmitCommit || rec.Step == StepAwaitCommitConfirm {
			exists, err := r.score.CommitExists(ctx, in.Studio, in.DataHash, in.Validator)
			if err != nil {
				return NoChange, fmt.Errorf("commit exists predicate: %w", err)
			}
			if exists {
				return Action{
					Kind:    ActionAdvanceToStep,
					Step:    StepSubmitReveal,
					Updates: Progress{KeyCommitConfirmed: true},
				}, nil
			}
		}

		// Rule 6: pending commit tx.
		if rec.Progress.Has(KeyCommitTxHash) && !rec.Progress.Bool(KeyCommitConfirmed) {
			rcpt, err := r.peek(ctx, rec, KeyCommitTxHash)
			if err != nil {
				return NoChange, fmt.Errorf("commit receipt: %w", err)
			}
			switch rcpt.Status {
			case chain.StatusConfirmed:
				exists, err := r.score.CommitExists(ctx, in.Studio, in.DataHash, in.Validator)
				if err != nil {
					return NoChange, fmt.Errorf("commit exists predicate: %w", err)
				}
				if !exists {
					return Action{Kind: ActionFail, Reason: "commit tx confirmed but commit not found"}, nil
				}
				return Action{
					Kind:    ActionAdvanceToStep,
					Step:    StepSubmitReveal,
					Updates: Progress{KeyCommitConfirmed: true, KeyCommitBlock: rcpt.BlockNumber},
				}, nil
			case chain.StatusReverted:
				if IsAlreadyDone(rcpt.RevertReason) {
					return Action{
						Kind:    ActionAdvanceToStep,
						Step:    StepSubmitReveal,
						Updates: Progress{KeyCommitConfirmed: true},
					}, nil
				}
				return Action{Kind: ActionFail, Reason: "commit reverted: " + rcpt.RevertReason}, nil
			case chain.StatusNotFound:
				return Action{Kind: ActionClearTxHashAndRetry, TxHashKey: KeyCommitTxHash}, nil
			default:
				return NoChange, nil
			}
		}

		return NoChange, nil
	}

	// Direct mode. The score is attributed to the worker when provided,
	// otherwise to the validator itself.
	worker := in.Worker
	if worker == (common.Address{}) {
		worker = in.Validator
	}

	// Rule 7a: score already on-chain.
	if rec.Step == StepSubmitScore || rec.Step == StepAwaitScoreConfirm {
		exists, err := r.score.ScoreExists(ctx, in.Studio, in.DataHash, worker)
		if err != nil {
			return NoChange, fmt.Errorf("score exists predicate: %w", err)
		}
		if exists {
			return Action{
				Kind:    ActionAdvanceToStep,
				Step:    StepRegisterValidator,
				Updates: Progress{KeyScoreConfirmed: true},
			}, nil
		}
	}

	// Rule 7b: pending score tx.
	if rec.Progress.Has(KeyScoreTxHash) && !rec.Progress.Bool(KeyScoreConfirmed) {
		rcpt, err := r.peek(ctx, rec, KeyScoreTxHash)
		if err != nil {
			return NoChange, fmt.Errorf("score receipt: %w", err)
		}
		switch rcpt.Status {
		case chain.StatusConfirmed:
			exists, err := r.score.ScoreExists(ctx, in.Studio, in.DataHash, worker)
			if err != nil {
				return NoChange, fmt.Errorf("score exists predicate: %w", err)
			}
			if !exists {
				return Action{Kind: ActionFail, Reason: "score tx confirmed but score not found"}, nil
			}
			return Action{
				Kind:    ActionAdvanceToStep,
				Step:    StepRegisterValidator,
				Updates: Progress{KeyScoreConfirmed: true, KeyScoreBlock: rcpt.BlockNumber},
			}, nil
		case chain.StatusReverted:
			if IsAlreadyDone(rcpt.RevertReason) {
				return Action{
					Kind:    ActionAdvanceToStep,
					Step:    StepRegisterValidator,
					Updates: Progress{KeyScoreConfirmed: true},
				}, nil
			}
			return Action{Kind: ActionFail, Reason: "score submission reverted: " + rcpt.RevertReason}, nil
		case chain.StatusNotFound:
			return Action{Kind: ActionClearTxHashAndRetry, TxHashKey: KeyScoreTxHash}, nil
		default:
			return NoChange, nil
		}
	}

	return NoChange, nil
}

// reconcileCloseEpoch applies the CloseEpoch ladder:
//
//	(a) epoch closed predicate holds   -> COMPLETE
//	(b) close tx recorded, unconfirmed -> route by receipt
//	(c) NO_CHANGE
func (r *Reconciler) reconcileCloseEpoch(ctx context.Context, rec *Record, in inputFields) (Action, error) {
	closed, err := r.epochs.EpochClosed(ctx, in.Studio, in.Epoch)
	if err != nil {
		return NoChange, fmt.Errorf("epoch closed predicate: %w", err)
	}
	if closed {
		return Action{Kind: ActionComplete}, nil
	}

	if rec.Progress.Has(KeyCloseTxHash) && !rec.Progress.Bool(KeyCloseConfirmed) {
		rcpt, err := r.peek(ctx, rec, KeyCloseTxHash)
		if err != nil {
			return NoChange, fmt.Errorf("close receipt: %w", err)
		}
		switch rcpt.Status {
		case chain.StatusConfirmed:
			closed, err := r.epochs.EpochClosed(ctx, in.Studio, in.Epoch)
			if err != nil {
				return NoChange, fmt.Errorf("epoch closed predicate: %w", err)
			}
			if closed {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "close tx confirmed but epoch not closed"}, nil
		case chain.StatusReverted:
			if IsAlreadyDone(rcpt.RevertReason) {
				return Action{Kind: ActionComplete}, nil
			}
			return Action{Kind: ActionFail, Reason: "epoch close reverted: " + rcpt.RevertReason}, nil
		case chain.StatusNotFound:
			return Action{Kind: ActionClearTxHashAndRetry, TxHashKey: KeyCloseTxHash}, nil
		default:
			return NoChange, nil
		}
	}

	return NoChange, nil
}
