package flows

import (
	"context"
	"fmt"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/workflow"
)

// CloseEpoch builds the three-step epoch close pipeline:
//
//	check_preconditions -> submit_close -> await_close_confirm
func CloseEpoch(d *Deps) *workflow.Definition {
	d.normalize()
	return &workflow.Definition{
		Type: workflow.TypeCloseEpoch,
		Order: []string{
			workflow.StepCheckPreconditions,
			workflow.StepSubmitClose,
			workflow.StepAwaitCloseConfirm,
		},
		Steps: map[string]workflow.StepExecutor{
			workflow.StepCheckPreconditions: workflow.StepFunc(false, d.checkClosePreconditions),
			workflow.StepSubmitClose:        workflow.StepFunc(true, d.submitClose),
			workflow.StepAwaitCloseConfirm:  workflow.StepFunc(false, d.awaitCloseConfirm),
		},
		InitialStep: func(rec *workflow.Record) (string, error) {
			in, err := decodeCloseInput(rec)
			if err != nil {
				return "", err
			}
			if err := in.Validate(); err != nil {
				return "", err
			}
			return workflow.StepCheckPreconditions, nil
		},
	}
}

// checkClosePreconditions queries the epoch predicate. An epoch that is
// already closed completes the workflow without submitting anything.
func (d *Deps) checkClosePreconditions(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyPreconditionsChecked) {
		return workflow.Success(workflow.StepSubmitClose)
	}

	in, err := decodeCloseInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	closed, err := d.Epochs.EpochClosed(ctx, in.Studio, in.Epoch)
	if err != nil {
		return adverse(fmt.Errorf("epoch closed predicate failed: %w", err))
	}
	if closed {
		return workflow.Completed()
	}

	if out := d.persist(ctx, rec, workflow.Progress{workflow.KeyPreconditionsChecked: true}); out != nil {
		return *out
	}
	return workflow.Success(workflow.StepSubmitClose)
}

// submitClose broadcasts the close transaction.
func (d *Deps) submitClose(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyCloseConfirmed) {
		return workflow.Completed()
	}
	if rec.Progress.Has(workflow.KeyCloseTxHash) {
		return workflow.Success(workflow.StepAwaitCloseConfirm)
	}

	in, err := decodeCloseInput(rec)
	if err != nil {
		return workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
	}

	calldata := encodeCloseEpoch(in.Studio, in.Epoch)
	return d.submitTx(ctx, rec, rec.Signer, d.Contracts.Epochs, calldata,
		workflow.KeyCloseTxHash, workflow.StepAwaitCloseConfirm)
}

// awaitCloseConfirm waits out the close tx. An "already closed" revert is an
// idempotent COMPLETE.
func (d *Deps) awaitCloseConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyCloseConfirmed) {
		return workflow.Completed()
	}
	done := workflow.Completed()
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyCloseTxHash,
		signer:   rec.Signer,
		resubmit: workflow.StepSubmitClose,
		what:     "epoch close",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyCloseConfirmed: true,
				workflow.KeyCloseBlock:     rcpt.BlockNumber,
			}
		},
		next:           workflow.Completed(),
		already:        &done,
		alreadyUpdates: workflow.Progress{workflow.KeyCloseConfirmed: true},
	})
}
