package workflow

// Step names for the three pipelines. The core owns this vocabulary because
// the reconciler advances records between named steps; the flows package
// supplies the executors behind the names.

// WorkSubmission pipeline.
const (
	StepComputeRoots         = "compute_roots"
	StepUploadEvidence       = "upload_evidence"
	StepAwaitStorage         = "await_storage"
	StepSubmitWork           = "submit_work"
	StepAwaitWorkConfirm     = "await_work_confirm"
	StepRegisterWork         = "register_work"
	StepAwaitRegisterConfirm = "await_register_confirm"
)

// ScoreSubmission pipeline. Direct mode starts at StepSubmitScore;
// commit-reveal mode starts at StepSubmitCommit. Both converge on
// StepRegisterValidator and share StepAwaitRegisterConfirm with the
// WorkSubmission pipeline name (executors are bound per definition).
const (
	StepSubmitScore        = "submit_score"
	StepAwaitScoreConfirm  = "await_score_confirm"
	StepSubmitCommit       = "submit_commit"
	StepAwaitCommitConfirm = "await_commit_confirm"
	StepSubmitReveal       = "submit_reveal"
	StepAwaitRevealConfirm = "await_reveal_confirm"
	StepRegisterValidator  = "register_validator"
)

// CloseEpoch pipeline.
const (
	StepCheckPreconditions = "check_preconditions"
	StepSubmitClose        = "submit_close"
	StepAwaitCloseConfirm  = "await_close_confirm"
)

// ScoreSubmission modes.
const (
	ModeDirect       = "direct"
	ModeCommitReveal = "commit_reveal"
)
