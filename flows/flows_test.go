package flows_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/chain"
	"github.com/quorumlabs/chainflow/flows"
	"github.com/quorumlabs/chainflow/storage"
	"github.com/quorumlabs/chainflow/txqueue"
	"github.com/quorumlabs/chainflow/workflow"
	"github.com/quorumlabs/chainflow/workflow/emit"
	"github.com/quorumlabs/chainflow/workflow/store"
)

var (
	studio    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	agent     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	validator = common.HexToAddress("0x3000000000000000000000000000000000000003")
	signer    = common.HexToAddress("0x9000000000000000000000000000000000000009")
	admin     = common.HexToAddress("0xadad000000000000000000000000000000000001")
	dataHash  = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	salt      = common.HexToHash("0x5a175a175a175a175a175a175a175a175a175a175a175a175a175a175a175a17")

	contracts = flows.Contracts{
		WorkLedger:  common.HexToAddress("0xc000000000000000000000000000000000000001"),
		ScoreLedger: common.HexToAddress("0xc000000000000000000000000000000000000002"),
		Registry:    common.HexToAddress("0xc000000000000000000000000000000000000003"),
		Epochs:      common.HexToAddress("0xc000000000000000000000000000000000000004"),
	}
)

type harness struct {
	mock    *chain.MockChain
	files   *storage.MockStorage
	records *store.MemStore
	buf     *emit.BufferedEmitter
	deps    *flows.Deps
	eng     *workflow.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		mock:    chain.NewMockChain(),
		files:   storage.NewMockStorage(),
		records: store.NewMemStore(),
		buf:     emit.NewBufferedEmitter(),
	}
	queue := txqueue.New(h.mock, txqueue.Options{
		AcquireTimeout: time.Second,
		ConfirmTimeout: 100 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}, nil)
	h.deps = &flows.Deps{
		Store:         h.records,
		Queue:         queue,
		Storage:       h.files,
		Work:          h.mock,
		Score:         h.mock,
		Epochs:        h.mock,
		Contracts:     contracts,
		AdminSigner:   admin,
		StorageBudget: 2 * time.Second,
		StoragePoll:   time.Millisecond,
	}

	rc := workflow.NewReconciler(h.mock, h.mock, h.mock, h.mock, h.files)
	h.eng = workflow.NewEngine(h.records, rc,
		workflow.WithEmitter(h.buf),
		workflow.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		workflow.WithRetryPolicy(workflow.RetryPolicy{MaxAttempts: 4, InitialDelay: time.Millisecond}),
	)
	for _, def := range []*workflow.Definition{
		flows.WorkSubmission(h.deps),
		flows.ScoreSubmission(h.deps),
		flows.CloseEpoch(h.deps),
	} {
		if err := h.eng.Register(def); err != nil {
			t.Fatalf("Register(%s) error: %v", def.Type, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Close(ctx)
	})
	return h
}

// confirmAll scripts a confirmed receipt for every submission.
func (h *harness) confirmAll() {
	h.mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: uint64(100 + n)})
	}
}

// confirmStorageWhenUploaded flips the upload to confirmed once it exists.
func (h *harness) confirmStorageWhenUploaded(t *testing.T) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if h.files.UploadCount() > 0 {
				h.files.SetStatus("upload-1", storage.StatusConfirmed)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func (h *harness) settle(t *testing.T, id string) *workflow.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.records.Load(context.Background(), id)
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if rec.Terminal() || rec.State == workflow.StateStalled {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("workflow did not settle in time")
	return nil
}

func workInput(t *testing.T) []byte {
	t.Helper()
	in := flows.WorkSubmissionInput{
		Studio:   studio,
		Epoch:    7,
		Agent:    agent,
		DataHash: dataHash,
		Evidence: []flows.EvidencePackage{
			{Agent: agent, Kind: "prompt", Hash: common.HexToHash("0x01")},
			{Agent: agent, Kind: "completion", Hash: common.HexToHash("0x02")},
		},
		RawEvidence: []byte("raw evidence bytes"),
	}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return raw
}

func scoreInput(t *testing.T, mode string) []byte {
	t.Helper()
	in := flows.ScoreSubmissionInput{
		Studio:    studio,
		Epoch:     7,
		Validator: validator,
		DataHash:  dataHash,
		Scores:    []uint64{9000, 8500},
		Salt:      salt,
		Mode:      mode,
	}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return raw
}

func closeInput(t *testing.T) []byte {
	t.Helper()
	in := flows.CloseEpochInput{Studio: studio, Epoch: 7}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return raw
}

func TestWorkSubmissionEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.confirmAll()
	h.confirmStorageWhenUploaded(t)

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeWorkSubmission, signer, workInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}

	// Exactly two on-chain submissions: primary submit and registration.
	if got := h.mock.SubmissionCount(); got != 2 {
		t.Fatalf("submissions = %d, want 2", got)
	}
	primary, registration := h.mock.Submissions[0], h.mock.Submissions[1]
	if primary.Signer != signer {
		t.Errorf("primary signed by %s, want workflow signer", primary.Signer.Hex())
	}
	if primary.Req.To != contracts.WorkLedger {
		t.Errorf("primary target = %s, want work ledger", primary.Req.To.Hex())
	}
	if registration.Signer != admin {
		t.Errorf("registration signed by %s, want admin signer", registration.Signer.Hex())
	}
	if registration.Req.To != contracts.Registry {
		t.Errorf("registration target = %s, want registry", registration.Req.To.Hex())
	}

	for _, key := range []string{
		workflow.KeyThreadRoot,
		workflow.KeyEvidenceRoot,
		workflow.KeyStorageTxID,
		workflow.KeyOnchainTxHash,
		workflow.KeyRegisterTxHash,
	} {
		if !final.Progress.Has(key) {
			t.Errorf("progress missing %s", key)
		}
	}
	for _, key := range []string{
		workflow.KeyStorageConfirmed,
		workflow.KeyOnchainConfirmed,
		workflow.KeyRegisterConfirmed,
	} {
		if !final.Progress.Bool(key) {
			t.Errorf("progress flag %s not set", key)
		}
	}

	// Evidence upload carried its lineage tags.
	if len(h.files.Uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(h.files.Uploads))
	}
	tags := h.files.Uploads[0].Tags
	if tags["studio"] != studio.Hex() || tags["epoch"] != "7" {
		t.Errorf("upload tags = %v", tags)
	}

	// Both signer locks drained.
	if h.deps.Queue.IsLocked(signer) || h.deps.Queue.IsLocked(admin) {
		t.Error("signer locks leaked after completion")
	}
}

func TestWorkSubmissionResumeSkipsConfirmedSubmit(t *testing.T) {
	// Crash after the primary tx confirmed externally but before the record
	// advanced: resumption must reconcile forward without resubmitting.
	h := newHarness(t)
	h.confirmAll()

	staleHash := common.BytesToHash([]byte("previous-tx"))
	h.mock.SetReceipt(staleHash, chain.Receipt{TxHash: staleHash, Status: chain.StatusConfirmed, BlockNumber: 50})
	h.mock.SetWorkExists(studio, dataHash, true)

	rec := &workflow.Record{
		ID:        "wf-resume",
		Type:      workflow.TypeWorkSubmission,
		State:     workflow.StateRunning,
		Step:      workflow.StepSubmitWork,
		CreatedAt: workflow.NowMillis(),
		UpdatedAt: workflow.NowMillis(),
		Signer:    signer,
		Input:     workInput(t),
		Progress: workflow.Progress{
			workflow.KeyThreadRoot:       common.HexToHash("0x01").Hex(),
			workflow.KeyEvidenceRoot:     common.HexToHash("0x02").Hex(),
			workflow.KeyStorageTxID:      "upload-1",
			workflow.KeyStorageConfirmed: true,
			workflow.KeyOnchainTxHash:    staleHash.Hex(),
		},
	}
	if err := h.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := h.eng.ResumeWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("ResumeWorkflow() error: %v", err)
	}
	final := h.settle(t, rec.ID)

	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	// Only the registration was broadcast; the confirmed primary was healed
	// by reconciliation, never resubmitted.
	if got := h.mock.SubmissionCount(); got != 1 {
		t.Fatalf("submissions = %d, want 1 (registration only)", got)
	}
	if h.mock.Submissions[0].Req.To != contracts.Registry {
		t.Errorf("lone submission target = %s, want registry", h.mock.Submissions[0].Req.To.Hex())
	}
	if !final.Progress.Bool(workflow.KeyOnchainConfirmed) {
		t.Error("reconciliation should have marked the primary confirmed")
	}
}

func TestWorkSubmissionRegistrationAlreadyDone(t *testing.T) {
	h := newHarness(t)
	h.confirmStorageWhenUploaded(t)
	h.mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		if n == 1 {
			h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: 101})
			h.mock.SetWorkExists(studio, dataHash, true)
			return
		}
		// Another operator registered first; the revert signals idempotent
		// success.
		h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusReverted, RevertReason: "work already registered"})
	}

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeWorkSubmission, signer, workInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	if !final.Progress.Bool(workflow.KeyRegisterConfirmed) {
		t.Error("already-registered revert should still mark registration confirmed")
	}
}

func TestWorkSubmissionRevertedFails(t *testing.T) {
	h := newHarness(t)
	h.confirmStorageWhenUploaded(t)
	h.mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusReverted, RevertReason: "epoch closed"})
	}

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeWorkSubmission, signer, workInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateFailed {
		t.Fatalf("final state = %s, want FAILED", final.State)
	}
	if final.Error == nil || final.Error.Recoverable {
		t.Errorf("revert must record a non-recoverable error, got %+v", final.Error)
	}
	if h.deps.Queue.IsLocked(signer) {
		t.Error("signer lock leaked after failure")
	}
	// Progress survives for post-mortem inspection.
	if !final.Progress.Has(workflow.KeyOnchainTxHash) {
		t.Error("failed record should keep the tx hash for inspection")
	}
}

func TestScoreSubmissionDirectEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.confirmAll()

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeScoreSubmission, signer, scoreInput(t, workflow.ModeDirect))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if rec.Step != workflow.StepSubmitScore {
		t.Fatalf("direct mode initial step = %s, want submit_score", rec.Step)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	if got := h.mock.SubmissionCount(); got != 2 {
		t.Fatalf("submissions = %d, want 2 (score + registration)", got)
	}
	if h.mock.Submissions[0].Req.To != contracts.ScoreLedger {
		t.Errorf("score target = %s, want score ledger", h.mock.Submissions[0].Req.To.Hex())
	}
	if h.mock.Submissions[1].Signer != admin {
		t.Errorf("registration signer = %s, want admin", h.mock.Submissions[1].Signer.Hex())
	}
	if final.Progress.Has(workflow.KeyCommitTxHash) {
		t.Error("direct mode must not touch commit progress")
	}
}

func TestScoreSubmissionCommitRevealEndToEnd(t *testing.T) {
	h := newHarness(t)

	// Property check rides on the submission hook: by the time the commit
	// tx is broadcast, its hash preimage commitment must already be
	// persisted (write-ahead).
	var commitPersisted bool
	h.mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		if n == 1 {
			if got, err := h.records.Load(context.Background(), "wf-cr"); err == nil {
				commitPersisted = got.Progress.Has(workflow.KeyCommitHash)
			}
		}
		h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: uint64(100 + n)})
	}

	rec := &workflow.Record{
		ID:        "wf-cr",
		Type:      workflow.TypeScoreSubmission,
		State:     workflow.StateCreated,
		Step:      workflow.StepSubmitCommit,
		CreatedAt: workflow.NowMillis(),
		UpdatedAt: workflow.NowMillis(),
		Signer:    signer,
		Input:     scoreInput(t, workflow.ModeCommitReveal),
		Progress:  workflow.Progress{},
	}
	if err := h.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	if got := h.mock.SubmissionCount(); got != 3 {
		t.Fatalf("submissions = %d, want 3 (commit + reveal + registration)", got)
	}
	if !commitPersisted {
		t.Error("commit hash must be persisted before the commit tx is broadcast")
	}

	// The persisted commitment matches the deterministic recomputation.
	wantCommit := flows.CommitHash(dataHash, validator, []uint64{9000, 8500}, salt)
	if got, _ := final.Progress.Hash(workflow.KeyCommitHash); got != wantCommit {
		t.Errorf("persisted commit = %s, want %s", got.Hex(), wantCommit.Hex())
	}
	for _, key := range []string{
		workflow.KeyCommitConfirmed,
		workflow.KeyRevealConfirmed,
		workflow.KeyRegisterConfirmed,
	} {
		if !final.Progress.Bool(key) {
			t.Errorf("progress flag %s not set", key)
		}
	}
}

func TestCloseEpochEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: 200})
		h.mock.SetEpochClosed(studio, 7, true)
	}

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeCloseEpoch, signer, closeInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	if got := h.mock.SubmissionCount(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if h.mock.Submissions[0].Req.To != contracts.Epochs {
		t.Errorf("close target = %s, want epochs contract", h.mock.Submissions[0].Req.To.Hex())
	}
	if !final.Progress.Bool(workflow.KeyPreconditionsChecked) {
		t.Error("preconditions flag not persisted")
	}
}

func TestCloseEpochAlreadyClosedShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.mock.SetEpochClosed(studio, 7, true)

	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeCloseEpoch, signer, closeInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s, want COMPLETED", final.State)
	}
	if got := h.mock.SubmissionCount(); got != 0 {
		t.Errorf("submissions = %d, want 0 for an already-closed epoch", got)
	}
}

func TestCloseEpochConfirmTimeoutStallsThenHeals(t *testing.T) {
	h := newHarness(t)
	// No receipt ever scripted: the confirm wait times out and the workflow
	// stalls with the lock released.
	rec, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeCloseEpoch, signer, closeInput(t))
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	if err := h.eng.StartWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("StartWorkflow() error: %v", err)
	}

	stalled := h.settle(t, rec.ID)
	if stalled.State != workflow.StateStalled {
		t.Fatalf("state = %s (error %+v), want STALLED", stalled.State, stalled.Error)
	}
	if stalled.Error == nil || !stalled.Error.Recoverable {
		t.Fatalf("stall must be recoverable, got %+v", stalled.Error)
	}
	if h.deps.Queue.IsLocked(signer) {
		t.Fatal("stall must release the signer lock")
	}
	if !stalled.Progress.Has(workflow.KeyCloseTxHash) {
		t.Fatal("stall must preserve the submitted tx hash")
	}

	// The tx lands while the workflow is parked. Resumption reconciles to
	// COMPLETE without a second broadcast.
	hash, _ := stalled.Progress.Hash(workflow.KeyCloseTxHash)
	h.mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: 300})
	h.mock.SetEpochClosed(studio, 7, true)

	if err := h.eng.ResumeWorkflow(context.Background(), rec.ID); err != nil {
		t.Fatalf("ResumeWorkflow() error: %v", err)
	}
	final := h.settle(t, rec.ID)
	if final.State != workflow.StateCompleted {
		t.Fatalf("resumed state = %s (error %+v), want COMPLETED", final.State, final.Error)
	}
	if got := h.mock.SubmissionCount(); got != 1 {
		t.Errorf("submissions = %d, want 1 (no resubmission after stall)", got)
	}
}

func TestScoreSubmissionRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	bad := flows.ScoreSubmissionInput{
		Studio:    studio,
		Epoch:     7,
		Validator: validator,
		DataHash:  dataHash,
		Scores:    []uint64{10001},
		Mode:      workflow.ModeDirect,
	}
	if _, err := bad.Marshal(); err == nil {
		t.Error("out-of-range score should fail validation")
	}

	// An unvalidated payload is caught at creation by the initial-step rule.
	if _, err := h.eng.CreateWorkflow(context.Background(), workflow.TypeScoreSubmission, signer,
		[]byte(`{"studio":"`+studio.Hex()+`","mode":"direct"}`)); err == nil {
		t.Error("CreateWorkflow should reject invalid score input")
	}
}
