package txqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/chain"
)

var (
	signerA = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	signerB = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
)

func testQueue(mock *chain.MockChain, opts Options) *Queue {
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	return New(mock, opts, nil)
}

func TestDefaultOptionsFallback(t *testing.T) {
	q := New(chain.NewMockChain(), Options{}, nil)
	def := DefaultOptions()
	if q.opts != def {
		t.Errorf("zero options = %+v, want defaults %+v", q.opts, def)
	}

	// Partial options keep the set fields.
	q = New(chain.NewMockChain(), Options{ConfirmTimeout: time.Minute}, nil)
	if q.opts.ConfirmTimeout != time.Minute || q.opts.AcquireTimeout != def.AcquireTimeout {
		t.Errorf("partial options = %+v", q.opts)
	}
}

func TestSubmitOnlyHoldsLock(t *testing.T) {
	mock := chain.NewMockChain()
	q := testQueue(mock, Options{})

	hash, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{})
	if err != nil {
		t.Fatalf("SubmitOnly() error: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatal("SubmitOnly() returned the zero hash")
	}
	if !q.IsLocked(signerA) {
		t.Error("signer lock must stay held after a successful submit")
	}
	if len(mock.Submissions) != 1 || mock.Submissions[0].Req.Nonce != 0 {
		t.Errorf("submissions = %+v, want one with nonce 0", mock.Submissions)
	}

	q.ReleaseFor("wf-1", signerA)
	if q.IsLocked(signerA) {
		t.Error("ReleaseFor by the holder must free the lock")
	}
}

func TestSubmitOnlyReentrant(t *testing.T) {
	mock := chain.NewMockChain()
	q := testQueue(mock, Options{AcquireTimeout: 50 * time.Millisecond})

	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("first SubmitOnly() error: %v", err)
	}
	// The same workflow resubmits (e.g. after its hash was cleared) while
	// still holding the lock.
	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("re-entrant SubmitOnly() error: %v", err)
	}
	if len(mock.Submissions) != 2 {
		t.Fatalf("submissions = %d, want 2", len(mock.Submissions))
	}
	if mock.Submissions[1].Req.Nonce != 1 {
		t.Errorf("second nonce = %d, want 1", mock.Submissions[1].Req.Nonce)
	}

	q.ReleaseFor("wf-1", signerA)
	if q.IsLocked(signerA) {
		t.Error("one release should free a re-entrant hold")
	}
}

func TestReleaseForWrongHolder(t *testing.T) {
	q := testQueue(chain.NewMockChain(), Options{})

	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("SubmitOnly() error: %v", err)
	}
	q.ReleaseFor("wf-other", signerA)
	if !q.IsLocked(signerA) {
		t.Error("ReleaseFor by a non-holder must be a no-op")
	}
	q.ReleaseFor("wf-1", signerA)
	if q.IsLocked(signerA) {
		t.Error("holder release failed")
	}
}

func TestAcquireTimeout(t *testing.T) {
	mock := chain.NewMockChain()
	q := testQueue(mock, Options{AcquireTimeout: 20 * time.Millisecond})

	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("SubmitOnly() error: %v", err)
	}

	_, err := q.SubmitOnly(context.Background(), "wf-2", signerA, chain.TxRequest{})
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("contended SubmitOnly() = %v, want ErrAcquireTimeout", err)
	}

	// A different signer is unaffected.
	if _, err := q.SubmitOnly(context.Background(), "wf-2", signerB, chain.TxRequest{}); err != nil {
		t.Errorf("other signer SubmitOnly() error: %v", err)
	}

	// Once released, the blocked workflow gets through.
	q.ReleaseFor("wf-1", signerA)
	if _, err := q.SubmitOnly(context.Background(), "wf-2", signerA, chain.TxRequest{}); err != nil {
		t.Errorf("SubmitOnly() after release error: %v", err)
	}
}

func TestSubmitErrorReleasesLock(t *testing.T) {
	mock := chain.NewMockChain()
	mock.SubmitErr = fmt.Errorf("nonce too low")
	q := testQueue(mock, Options{})

	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err == nil {
		t.Fatal("SubmitOnly() should propagate the submit error")
	}
	if q.IsLocked(signerA) {
		t.Error("failed submit must release the lock")
	}

	mock.SubmitErr = nil
	mock.NonceErr = fmt.Errorf("rpc unreachable")
	if _, err := q.SubmitOnly(context.Background(), "wf-1", signerA, chain.TxRequest{}); err == nil {
		t.Fatal("SubmitOnly() should propagate the nonce error")
	}
	if q.IsLocked(signerA) {
		t.Error("failed nonce read must release the lock")
	}
}

func TestWaitForTx(t *testing.T) {
	hash := common.BytesToHash([]byte("some-tx"))

	t.Run("confirmed", func(t *testing.T) {
		mock := chain.NewMockChain()
		mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: 42})
		q := testQueue(mock, Options{})

		rcpt, err := q.WaitForTx(context.Background(), hash)
		if err != nil {
			t.Fatalf("WaitForTx() error: %v", err)
		}
		if rcpt.Status != chain.StatusConfirmed || rcpt.BlockNumber != 42 {
			t.Errorf("receipt = %+v", rcpt)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		mock := chain.NewMockChain()
		mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusReverted, RevertReason: "epoch closed"})
		q := testQueue(mock, Options{})

		rcpt, err := q.WaitForTx(context.Background(), hash)
		if err != nil {
			t.Fatalf("WaitForTx() error: %v", err)
		}
		if rcpt.Status != chain.StatusReverted || rcpt.RevertReason != "epoch closed" {
			t.Errorf("receipt = %+v", rcpt)
		}
	})

	t.Run("confirm timeout", func(t *testing.T) {
		mock := chain.NewMockChain() // no receipt scripted, stays pending
		q := testQueue(mock, Options{ConfirmTimeout: 20 * time.Millisecond})

		rcpt, err := q.WaitForTx(context.Background(), hash)
		if !errors.Is(err, ErrConfirmTimeout) {
			t.Fatalf("WaitForTx() = %v, want ErrConfirmTimeout", err)
		}
		if rcpt.Status != chain.StatusPending {
			t.Errorf("timed-out receipt status = %s, want pending", rcpt.Status)
		}
	})

	t.Run("caller cancellation is not a confirm timeout", func(t *testing.T) {
		mock := chain.NewMockChain()
		q := testQueue(mock, Options{ConfirmTimeout: time.Minute})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := q.WaitForTx(ctx, hash)
		if err == nil || errors.Is(err, ErrConfirmTimeout) {
			t.Errorf("WaitForTx() with canceled ctx = %v, want plain cancellation", err)
		}
	})
}

func TestSubmitAndWait(t *testing.T) {
	mock := chain.NewMockChain()
	mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed, BlockNumber: uint64(100 + n)})
	}
	q := testQueue(mock, Options{})

	rcpt, err := q.SubmitAndWait(context.Background(), "wf-1", signerA, chain.TxRequest{})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if rcpt.Status != chain.StatusConfirmed || rcpt.BlockNumber != 101 {
		t.Errorf("receipt = %+v", rcpt)
	}
	if q.IsLocked(signerA) {
		t.Error("SubmitAndWait must release the lock after confirmation")
	}
}

func TestSubmitAndWaitSerializesNonces(t *testing.T) {
	mock := chain.NewMockChain()
	mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed})
	}
	q := testQueue(mock, Options{AcquireTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("wf-%d", i)
			if _, err := q.SubmitAndWait(context.Background(), id, signerA, chain.TxRequest{}); err != nil {
				t.Errorf("SubmitAndWait(%s) error: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if len(mock.Submissions) != 4 {
		t.Fatalf("submissions = %d, want 4", len(mock.Submissions))
	}
	// The lock forces strictly increasing nonces with no gaps.
	for i, sub := range mock.Submissions {
		if sub.Req.Nonce != uint64(i) {
			t.Errorf("submission %d nonce = %d, want %d", i, sub.Req.Nonce, i)
		}
	}
	if q.IsLocked(signerA) {
		t.Error("lock leaked after all waits completed")
	}
}

func TestCheckTxStatus(t *testing.T) {
	mock := chain.NewMockChain()
	hash := common.BytesToHash([]byte("peek-tx"))
	q := testQueue(mock, Options{})

	rcpt, err := q.CheckTxStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("CheckTxStatus() error: %v", err)
	}
	if rcpt.Status != chain.StatusNotFound {
		t.Errorf("unknown hash status = %s, want not_found", rcpt.Status)
	}
}

func TestReleaseSignerLockForce(t *testing.T) {
	q := testQueue(chain.NewMockChain(), Options{})

	if _, err := q.SubmitOnly(context.Background(), "wf-crashed", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("SubmitOnly() error: %v", err)
	}
	q.ReleaseSignerLock(signerA)
	if q.IsLocked(signerA) {
		t.Error("force release failed")
	}
	// Double force release is harmless.
	q.ReleaseSignerLock(signerA)
}

type countingMetrics struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (c *countingMetrics) LockAcquired(string) {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
}

func (c *countingMetrics) LockReleased(string) {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func TestLockMetricsBalance(t *testing.T) {
	mock := chain.NewMockChain()
	mock.AfterSubmit = func(n int, hash common.Hash, signer common.Address, req chain.TxRequest) {
		mock.SetReceipt(hash, chain.Receipt{TxHash: hash, Status: chain.StatusConfirmed})
	}
	q := testQueue(mock, Options{})
	m := &countingMetrics{}
	q.SetLockMetrics(m)

	if _, err := q.SubmitAndWait(context.Background(), "wf-1", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if _, err := q.SubmitOnly(context.Background(), "wf-2", signerA, chain.TxRequest{}); err != nil {
		t.Fatalf("SubmitOnly() error: %v", err)
	}
	q.ReleaseFor("wf-2", signerA)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired != 2 || m.released != 2 {
		t.Errorf("metrics acquired/released = %d/%d, want 2/2", m.acquired, m.released)
	}
}
