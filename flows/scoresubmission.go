package flows

import (
	"context"
	"fmt"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/workflow"
)

// ScoreSubmission builds the score submission pipeline. The initial step is
// chosen from the input mode at creation time:
//
//	direct:        submit_score -> await_score_confirm ->
//	               register_validator -> await_register_confirm
//	commit_reveal: submit_commit -> await_commit_confirm -> submit_reveal ->
//	               await_reveal_confirm -> register_validator -> await_register_confirm
//
// Registration shares the admin-signer fallback rule with WorkSubmission.
func ScoreSubmission(d *Deps) *workflow.Definition {
	d.normalize()
	return &workflow.Definition{
		Type: workflow.TypeScoreSubmission,
		Order: []string{
			workflow.StepSubmitCommit,
			workflow.StepAwaitCommitConfirm,
			workflow.StepSubmitReveal,
			workflow.StepAwaitRevealConfirm,
			workflow.StepSubmitScore,
			workflow.StepAwaitScoreConfirm,
			workflow.StepRegisterValidator,
			workflow.StepAwaitRegisterConfirm,
		},
		Steps: map[string]workflow.StepExecutor{
			workflow.StepSubmitScore:          workflow.StepFunc(true, d.submitScore),
			workflow.StepAwaitScoreConfirm:    workflow.StepFunc(false, d.awaitScoreConfirm),
			workflow.StepSubmitCommit:         workflow.StepFunc(true, d.submitCommit),
			workflow.StepAwaitCommitConfirm:   workflow.StepFunc(false, d.awaitCommitConfirm),
			workflow.StepSubmitReveal:         workflow.StepFunc(true, d.submitReveal),
			workflow.StepAwaitRevealConfirm:   workflow.StepFunc(false, d.awaitRevealConfirm),
			workflow.StepRegisterValidator:    workflow.StepFunc(true, d.registerValidator),
			workflow.StepAwaitRegisterConfirm: workflow.StepFunc(false, d.awaitValidatorRegisterConfirm),
		},
		InitialStep: func(rec *workflow.Record) (string, error) {
			in, err := decodeScoreInput(rec)
			if err != nil {
				return "", err
			}
			if err := in.Validate(); err != nil {
				return "", err
			}
			switch in.Mode {
			case workflow.ModeDirect:
				return workflow.StepSubmitScore, nil
			case workflow.ModeCommitReveal:
				return workflow.StepSubmitCommit, nil
			default:
				return "", fmt.Errorf("unknown score submission mode %q", in.Mode)
			}
		},
	}
}

func scoreInputOrFail(rec *workflow.Record) (*ScoreSubmissionInput, *workflow.Outcome) {
	in, err := decodeScoreInput(rec)
	if err != nil {
		out := workflow.Failed(&workflow.ClassifiedError{
			Category: workflow.CategoryPermanent,
			Code:     workflow.CodeProtocolRejection,
			Message:  err.Error(),
			Cause:    err,
		})
		return nil, &out
	}
	return in, nil
}

// submitScore broadcasts the direct-mode score vector.
func (d *Deps) submitScore(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyScoreConfirmed) {
		return workflow.Success(workflow.StepRegisterValidator)
	}
	if rec.Progress.Has(workflow.KeyScoreTxHash) {
		return workflow.Success(workflow.StepAwaitScoreConfirm)
	}

	in, fail := scoreInputOrFail(rec)
	if fail != nil {
		return *fail
	}

	calldata := encodeSubmitScore(in.DataHash, in.ScoreTarget(), in.Scores)
	return d.submitTx(ctx, rec, rec.Signer, d.Contracts.ScoreLedger, calldata,
		workflow.KeyScoreTxHash, workflow.StepAwaitScoreConfirm)
}

// awaitScoreConfirm waits out the direct score. An "already" revert is a
// step-level idempotent success: the score landed in an earlier attempt, so
// advance to registration.
func (d *Deps) awaitScoreConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyScoreConfirmed) {
		return workflow.Success(workflow.StepRegisterValidator)
	}
	already := workflow.Success(workflow.StepRegisterValidator)
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyScoreTxHash,
		signer:   rec.Signer,
		resubmit: workflow.StepSubmitScore,
		what:     "score submission",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyScoreConfirmed: true,
				workflow.KeyScoreBlock:     rcpt.BlockNumber,
			}
		},
		next:           workflow.Success(workflow.StepRegisterValidator),
		already:        &already,
		alreadyUpdates: workflow.Progress{workflow.KeyScoreConfirmed: true},
	})
}

// submitCommit persists the commit hash before broadcasting it. The hash is
// the information needed to reproduce the reveal, so it goes to disk first.
func (d *Deps) submitCommit(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyCommitConfirmed) {
		return workflow.Success(workflow.StepSubmitReveal)
	}
	if rec.Progress.Has(workflow.KeyCommitTxHash) {
		return workflow.Success(workflow.StepAwaitCommitConfirm)
	}

	in, fail := scoreInputOrFail(rec)
	if fail != nil {
		return *fail
	}

	commit := CommitHash(in.DataHash, in.Validator, in.Scores, in.Salt)
	if !rec.Progress.Has(workflow.KeyCommitHash) {
		if out := d.persist(ctx, rec, workflow.Progress{workflow.KeyCommitHash: commit.Hex()}); out != nil {
			return *out
		}
	}

	calldata := encodeCommitScore(in.DataHash, commit)
	return d.submitTx(ctx, rec, rec.Signer, d.Contracts.ScoreLedger, calldata,
		workflow.KeyCommitTxHash, workflow.StepAwaitCommitConfirm)
}

// awaitCommitConfirm waits out the commit; "already" advances to reveal.
func (d *Deps) awaitCommitConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyCommitConfirmed) {
		return workflow.Success(workflow.StepSubmitReveal)
	}
	already := workflow.Success(workflow.StepSubmitReveal)
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyCommitTxHash,
		signer:   rec.Signer,
		resubmit: workflow.StepSubmitCommit,
		what:     "score commit",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyCommitConfirmed: true,
				workflow.KeyCommitBlock:     rcpt.BlockNumber,
			}
		},
		next:           workflow.Success(workflow.StepSubmitReveal),
		already:        &already,
		alreadyUpdates: workflow.Progress{workflow.KeyCommitConfirmed: true},
	})
}

// submitReveal opens the commitment with the score vector and salt.
func (d *Deps) submitReveal(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRevealConfirmed) {
		return workflow.Success(workflow.StepRegisterValidator)
	}
	if rec.Progress.Has(workflow.KeyRevealTxHash) {
		return workflow.Success(workflow.StepAwaitRevealConfirm)
	}

	in, fail := scoreInputOrFail(rec)
	if fail != nil {
		return *fail
	}

	calldata := encodeRevealScore(in.DataHash, in.Scores, in.Salt)
	return d.submitTx(ctx, rec, rec.Signer, d.Contracts.ScoreLedger, calldata,
		workflow.KeyRevealTxHash, workflow.StepAwaitRevealConfirm)
}

// awaitRevealConfirm waits out the reveal; "already" advances to
// registration.
func (d *Deps) awaitRevealConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRevealConfirmed) {
		return workflow.Success(workflow.StepRegisterValidator)
	}
	already := workflow.Success(workflow.StepRegisterValidator)
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyRevealTxHash,
		signer:   rec.Signer,
		resubmit: workflow.StepSubmitReveal,
		what:     "score reveal",
		confirmed: func(rcpt chain.Receipt) workflow.Progress {
			return workflow.Progress{
				workflow.KeyRevealConfirmed: true,
				workflow.KeyRevealBlock:     rcpt.BlockNumber,
			}
		},
		next:           workflow.Success(workflow.StepRegisterValidator),
		already:        &already,
		alreadyUpdates: workflow.Progress{workflow.KeyRevealConfirmed: true},
	})
}

// registerValidator records (studio, epoch, validator) in the secondary
// ledger under the admin-signer fallback rule.
func (d *Deps) registerValidator(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRegisterConfirmed) {
		return workflow.Completed()
	}
	if rec.Progress.Has(workflow.KeyRegisterTxHash) {
		return workflow.Success(workflow.StepAwaitRegisterConfirm)
	}

	in, fail := scoreInputOrFail(rec)
	if fail != nil {
		return *fail
	}

	calldata := encodeRegisterValidator(in.Studio, in.Epoch, in.Validator)
	return d.submitTx(ctx, rec, d.registrationSigner(rec), d.Contracts.Registry, calldata,
		workflow.KeyRegisterTxHash, workflow.StepAwaitRegisterConfirm)
}

// awaitValidatorRegisterConfirm finishes the pipeline; an "already"/
// "registered" revert is an idempotent COMPLETE.
func (d *Deps) awaitValidatorRegisterConfirm(ctx context.Context, rec *workflow.Record) workflow.Outcome {
	if rec.Progress.Bool(workflow.KeyRegisterConfirmed) {
		return workflow.Completed()
	}
	done := workflow.Completed()
	return d.awaitConfirm(ctx, rec, awaitSpec{
		hashKey:  workflow.KeyRegisterTxHash,
		signer:   d.registrationSigner(rec),
		resubmit: workflow.StepRegisterValidator,
		what:     "validator registration",
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
