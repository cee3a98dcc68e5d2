package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/workflow"
)

// backends returns every store implementation the contract tests run
// against. MySQL needs a live server and is exercised in integration
// environments only.
func backends(t *testing.T) map[string]workflow.Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "workflows.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]workflow.Store{
		"memory": NewMemStore(),
		"sqlite": sqlite,
	}
}

func sampleRecord(id string, createdAt int64) *workflow.Record {
	input, _ := json.Marshal(map[string]interface{}{
		"studio":    "0x1000000000000000000000000000000000000001",
		"epoch":     3,
		"data_hash": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"agent":     "0x2000000000000000000000000000000000000002",
	})
	return &workflow.Record{
		ID:        id,
		Type:      workflow.TypeWorkSubmission,
		State:     workflow.StateCreated,
		Step:      workflow.StepComputeRoots,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Signer:    common.HexToAddress("0x9000000000000000000000000000000000000009"),
		Input:     input,
		Progress:  workflow.Progress{},
	}
}

func TestStoreCreateAndLoad(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := sampleRecord("wf-1", 100)

			if err := st.Create(ctx, rec); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			got, err := st.Load(ctx, "wf-1")
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if got.ID != rec.ID || got.Type != rec.Type || got.State != rec.State || got.Step != rec.Step {
				t.Errorf("loaded record mismatch: %+v", got)
			}
			if got.Signer != rec.Signer {
				t.Errorf("signer = %s, want %s", got.Signer.Hex(), rec.Signer.Hex())
			}

			var fields map[string]interface{}
			if err := json.Unmarshal(got.Input, &fields); err != nil {
				t.Fatalf("input did not survive the round trip: %v", err)
			}
			if fields["epoch"] != float64(3) {
				t.Errorf("input epoch = %v, want 3", fields["epoch"])
			}
		})
	}
}

func TestStoreDuplicateCreate(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Create(ctx, sampleRecord("wf-dup", 100)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			err := st.Create(ctx, sampleRecord("wf-dup", 200))
			if !errors.Is(err, workflow.ErrDuplicate) {
				t.Errorf("duplicate Create() = %v, want ErrDuplicate", err)
			}
		})
	}
}

func TestStoreMissingRecord(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := st.Load(ctx, "nope"); !errors.Is(err, workflow.ErrNotFound) {
				t.Errorf("Load() = %v, want ErrNotFound", err)
			}
			if err := st.UpdateState(ctx, "nope", workflow.StateRunning, "x", 0); !errors.Is(err, workflow.ErrNotFound) {
				t.Errorf("UpdateState() = %v, want ErrNotFound", err)
			}
			if err := st.AppendProgress(ctx, "nope", workflow.Progress{"k": "v"}); !errors.Is(err, workflow.ErrNotFound) {
				t.Errorf("AppendProgress() = %v, want ErrNotFound", err)
			}
			if err := st.SetError(ctx, "nope", &workflow.ErrorInfo{Message: "m"}); !errors.Is(err, workflow.ErrNotFound) {
				t.Errorf("SetError() = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreUpdateState(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Create(ctx, sampleRecord("wf-up", 100)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			if err := st.UpdateState(ctx, "wf-up", workflow.StateRunning, workflow.StepSubmitWork, 2); err != nil {
				t.Fatalf("UpdateState() error: %v", err)
			}
			got, err := st.Load(ctx, "wf-up")
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if got.State != workflow.StateRunning || got.Step != workflow.StepSubmitWork || got.StepAttempts != 2 {
				t.Errorf("after update: %s/%s/%d", got.State, got.Step, got.StepAttempts)
			}
		})
	}
}

func TestStoreAppendProgress(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Create(ctx, sampleRecord("wf-prog", 100)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			if err := st.AppendProgress(ctx, "wf-prog", workflow.Progress{
				workflow.KeyOnchainTxHash: "0xabc",
				workflow.KeyThreadRoot:    "0xdef",
			}); err != nil {
				t.Fatalf("AppendProgress() error: %v", err)
			}

			// Second merge overwrites one field and deletes another.
			if err := st.AppendProgress(ctx, "wf-prog", workflow.Progress{
				workflow.KeyThreadRoot:    "0x123",
				workflow.KeyOnchainTxHash: nil,
			}); err != nil {
				t.Fatalf("AppendProgress() error: %v", err)
			}

			got, err := st.Load(ctx, "wf-prog")
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if got.Progress.Has(workflow.KeyOnchainTxHash) {
				t.Error("nil merge value must delete the field")
			}
			if v, _ := got.Progress.String(workflow.KeyThreadRoot); v != "0x123" {
				t.Errorf("thread_root = %q, want 0x123", v)
			}
		})
	}
}

func TestStoreSetError(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.Create(ctx, sampleRecord("wf-err", 100)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			info := &workflow.ErrorInfo{
				Step:        workflow.StepSubmitWork,
				Message:     "execution reverted: epoch closed",
				Code:        workflow.CodeProtocolRejection,
				Timestamp:   12345,
				Recoverable: false,
			}
			if err := st.SetError(ctx, "wf-err", info); err != nil {
				t.Fatalf("SetError() error: %v", err)
			}

			got, err := st.Load(ctx, "wf-err")
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if got.Error == nil {
				t.Fatal("error payload missing after SetError")
			}
			if got.Error.Code != info.Code || got.Error.Message != info.Message || got.Error.Recoverable {
				t.Errorf("error payload = %+v", got.Error)
			}

			// Clearing with nil.
			if err := st.SetError(ctx, "wf-err", nil); err != nil {
				t.Fatalf("SetError(nil) error: %v", err)
			}
			got, _ = st.Load(ctx, "wf-err")
			if got.Error != nil {
				t.Errorf("error payload should clear, got %+v", got.Error)
			}
		})
	}
}

func TestStoreFindActive(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			states := map[string]workflow.MetaState{
				"wf-a": workflow.StateRunning,
				"wf-b": workflow.StateStalled,
				"wf-c": workflow.StateCompleted,
				"wf-d": workflow.StateCreated,
				"wf-e": workflow.StateFailed,
			}
			// Creation order fixes the expected result order.
			created := int64(100)
			for _, id := range []string{"wf-a", "wf-b", "wf-c", "wf-d", "wf-e"} {
				rec := sampleRecord(id, created)
				created += 10
				if err := st.Create(ctx, rec); err != nil {
					t.Fatalf("Create(%s) error: %v", id, err)
				}
				if err := st.UpdateState(ctx, id, states[id], rec.Step, 0); err != nil {
					t.Fatalf("UpdateState(%s) error: %v", id, err)
				}
			}

			active, err := st.FindActive(ctx)
			if err != nil {
				t.Fatalf("FindActive() error: %v", err)
			}
			if len(active) != 2 {
				t.Fatalf("FindActive() returned %d records, want 2", len(active))
			}
			if active[0].ID != "wf-a" || active[1].ID != "wf-b" {
				t.Errorf("FindActive() order = %s, %s; want wf-a, wf-b (oldest first)", active[0].ID, active[1].ID)
			}
		})
	}
}

func TestStoreFindByTypeAndState(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				rec := sampleRecord(fmt.Sprintf("wf-%d", i), int64(100+i))
				if i == 2 {
					rec.Type = workflow.TypeCloseEpoch
				}
				if err := st.Create(ctx, rec); err != nil {
					t.Fatalf("Create() error: %v", err)
				}
			}

			got, err := st.FindByTypeAndState(ctx, workflow.TypeWorkSubmission, workflow.StateCreated)
			if err != nil {
				t.Fatalf("FindByTypeAndState() error: %v", err)
			}
			if len(got) != 2 {
				t.Errorf("matched %d records, want 2", len(got))
			}
			for _, rec := range got {
				if rec.Type != workflow.TypeWorkSubmission || rec.State != workflow.StateCreated {
					t.Errorf("record %s = %s/%s", rec.ID, rec.Type, rec.State)
				}
			}
		})
	}
}

func TestStoreIndexedLookups(t *testing.T) {
	studio := common.HexToAddress("0x1000000000000000000000000000000000000001")
	agent := common.HexToAddress("0x2000000000000000000000000000000000000002")
	dataHash := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	otherStudio := common.HexToAddress("0x7000000000000000000000000000000000000007")

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := st.Create(ctx, sampleRecord("wf-hit", 100)); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			miss := sampleRecord("wf-miss", 110)
			miss.Input, _ = json.Marshal(map[string]interface{}{
				"studio":    otherStudio.Hex(),
				"epoch":     3,
				"data_hash": common.Hash{}.Hex(),
				"agent":     common.Address{}.Hex(),
			})
			if err := st.Create(ctx, miss); err != nil {
				t.Fatalf("Create() error: %v", err)
			}

			byStudio, err := st.FindByStudio(ctx, studio)
			if err != nil {
				t.Fatalf("FindByStudio() error: %v", err)
			}
			if len(byStudio) != 1 || byStudio[0].ID != "wf-hit" {
				t.Errorf("FindByStudio() = %d records", len(byStudio))
			}

			byHash, err := st.FindByDataHash(ctx, dataHash)
			if err != nil {
				t.Fatalf("FindByDataHash() error: %v", err)
			}
			if len(byHash) != 1 || byHash[0].ID != "wf-hit" {
				t.Errorf("FindByDataHash() = %d records", len(byHash))
			}

			byAgent, err := st.FindByAgent(ctx, agent)
			if err != nil {
				t.Fatalf("FindByAgent() error: %v", err)
			}
			if len(byAgent) != 1 || byAgent[0].ID != "wf-hit" {
				t.Errorf("FindByAgent() = %d records", len(byAgent))
			}
		})
	}
}

func TestMemStoreIsolation(t *testing.T) {
	// Mutating a loaded record must not leak back into the store.
	ctx := context.Background()
	st := NewMemStore()
	if err := st.Create(ctx, sampleRecord("wf-iso", 100)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := st.Load(ctx, "wf-iso")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	got.Progress["poison"] = true
	got.State = workflow.StateFailed

	again, err := st.Load(ctx, "wf-iso")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if again.Progress.Has("poison") || again.State != workflow.StateCreated {
		t.Error("stored record mutated through a loaded copy")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "workflows.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := st.Create(ctx, sampleRecord("wf-dur", 100)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := st.AppendProgress(ctx, "wf-dur", workflow.Progress{workflow.KeyThreadRoot: "0xabc"}); err != nil {
		t.Fatalf("AppendProgress() error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, "wf-dur")
	if err != nil {
		t.Fatalf("Load() after reopen error: %v", err)
	}
	if v, _ := got.Progress.String(workflow.KeyThreadRoot); v != "0xabc" {
		t.Errorf("progress lost across reopen: %v", got.Progress)
	}
}
