// Package txqueue serializes on-chain transaction submission per signing
// address. One signer, one in-flight transaction: the queue assigns nonces
// under a per-signer lock so concurrent workflows sharing a signer never
// produce nonce gaps or replacements.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/quorumlabs/chainflow/chain"
)

var (
	// ErrAcquireTimeout is returned when the signer lock could not be
	// obtained within Options.AcquireTimeout. Classified as transient.
	ErrAcquireTimeout = errors.New("timeout acquiring signer lock")

	// ErrConfirmTimeout is returned when a submitted transaction did not
	// reach confirmation within Options.ConfirmTimeout. The tx may still
	// confirm later; callers stall and let reconciliation decide.
	ErrConfirmTimeout = errors.New("timeout waiting for transaction confirmation")
)

// Options configures queue timing.
type Options struct {
	// AcquireTimeout bounds the wait for a signer lock. Zero waits forever.
	AcquireTimeout time.Duration

	// ConfirmTimeout bounds WaitForTx and the wait phase of SubmitAndWait.
	ConfirmTimeout time.Duration

	// PollInterval is the receipt polling cadence in CheckTxStatus-based
	// waits.
	PollInterval time.Duration

	// MinConfirmations is the confirmation depth required before a tx is
	// reported confirmed.
	MinConfirmations uint64
}

// DefaultOptions returns the production defaults: 30s acquire, 5m confirm,
// 2s poll, 1 confirmation.
func DefaultOptions() Options {
	return Options{
		AcquireTimeout:   30 * time.Second,
		ConfirmTimeout:   5 * time.Minute,
		PollInterval:     2 * time.Second,
		MinConfirmations: 1,
	}
}

// LockMetrics is the optional gauge hook for lock observability;
// workflow.Metrics satisfies it.
type LockMetrics interface {
	LockAcquired(signer string)
	LockReleased(signer string)
}

// signerLock is a channel-based mutex with holder tracking, so acquisition
// can time out and re-entry by the holding workflow is a no-op.
type signerLock struct {
	ch     chan struct{} // capacity 1; full = unlocked
	mu     sync.Mutex
	holder string // workflow id currently holding the lock
}

func newSignerLock() *signerLock {
	l := &signerLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Queue serializes transaction submission per signer address.
//
// Locking protocol:
//   - SubmitOnly and SubmitAndWait acquire the signer lock before reading
//     the pending nonce, and hold it through broadcast. SubmitAndWait
//     releases only after confirmation (or failure); SubmitOnly releases
//     after broadcast since the nonce is consumed at that point.
//   - A workflow that already holds the lock re-enters without blocking.
//   - The lock is released on every failure path, including panics.
type Queue struct {
	adapter chain.Adapter
	opts    Options
	log     *logrus.Logger

	mu    sync.Mutex
	locks map[common.Address]*signerLock

	metrics LockMetrics
}

// SetLockMetrics attaches the lock gauge hook. Call before first use.
func (q *Queue) SetLockMetrics(m LockMetrics) {
	q.metrics = m
}

// New creates a Queue over the adapter. A zero Options falls back to
// DefaultOptions field by field.
func New(adapter chain.Adapter, opts Options, log *logrus.Logger) *Queue {
	def := DefaultOptions()
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MinConfirmations == 0 {
		opts.MinConfirmations = def.MinConfirmations
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		adapter: adapter,
		opts:    opts,
		log:     log,
		locks:   make(map[common.Address]*signerLock),
	}
}

func (q *Queue) lockFor(signer common.Address) *signerLock {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[signer]
	if !ok {
		l = newSignerLock()
		q.locks[signer] = l
	}
	return l
}

// acquire takes the signer lock for workflowID, honoring re-entry and the
// acquire timeout. Returns whether this call actually took the lock (and
// therefore owns its release).
func (q *Queue) acquire(ctx context.Context, signer common.Address, workflowID string) (owned bool, err error) {
	l := q.lockFor(signer)

	l.mu.Lock()
	if l.holder == workflowID && workflowID != "" {
		l.mu.Unlock()
		return false, nil // re-entrant; the outer holder releases
	}
	l.mu.Unlock()

	var timeout <-chan time.Time
	if q.opts.AcquireTimeout > 0 {
		t := time.NewTimer(q.opts.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-l.ch:
		l.mu.Lock()
		l.holder = workflowID
		l.mu.Unlock()
		if q.metrics != nil {
			q.metrics.LockAcquired(signer.Hex())
		}
		return true, nil
	case <-timeout:
		return false, fmt.Errorf("%w: signer %s", ErrAcquireTimeout, signer.Hex())
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (q *Queue) release(signer common.Address, owned bool) {
	if !owned {
		return
	}
	l := q.lockFor(signer)
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
	select {
	case l.ch <- struct{}{}:
		if q.metrics != nil {
			q.metrics.LockReleased(signer.Hex())
		}
	default:
		// Double release; nothing to do.
	}
}

// SubmitOnly acquires the signer lock, assigns the pending nonce, and
// broadcasts the transaction. On success the lock stays held by workflowID:
// the signer's next nonce must not be assigned while this tx's outcome is
// unknown. The caller releases via ReleaseFor once the tx reaches a final
// receipt. On error the lock is released here.
func (q *Queue) SubmitOnly(ctx context.Context, workflowID string, signer common.Address, req chain.TxRequest) (hash common.Hash, err error) {
	owned, err := q.acquire(ctx, signer, workflowID)
	if err != nil {
		return common.Hash{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			q.release(signer, owned)
			panic(r)
		}
		if err != nil {
			q.release(signer, owned)
		}
	}()

	return q.submitLocked(ctx, workflowID, signer, req)
}

// ReleaseFor releases the signer lock if workflowID holds it. Safe to call
// when the lock is held by someone else or not held at all.
func (q *Queue) ReleaseFor(workflowID string, signer common.Address) {
	l := q.lockFor(signer)
	l.mu.Lock()
	if l.holder != workflowID {
		l.mu.Unlock()
		return
	}
	l.holder = ""
	l.mu.Unlock()
	select {
	case l.ch <- struct{}{}:
		if q.metrics != nil {
			q.metrics.LockReleased(signer.Hex())
		}
	default:
	}
}

// submitLocked performs nonce assignment and broadcast; caller holds the
// lock.
func (q *Queue) submitLocked(ctx context.Context, workflowID string, signer common.Address, req chain.TxRequest) (common.Hash, error) {
	nonce, err := q.adapter.PendingNonce(ctx, signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read pending nonce: %w", err)
	}
	req.Nonce = nonce

	hash, err := q.adapter.SubmitTransaction(ctx, signer, req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to submit transaction: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"workflow_id": workflowID,
		"signer":      signer.Hex(),
		"nonce":       nonce,
		"tx_hash":     hash.Hex(),
	}).Debug("transaction submitted")
	return hash, nil
}

// WaitForTx blocks until the transaction confirms, reverts, or the confirm
// timeout elapses. A deadline yields ErrConfirmTimeout; callers treat it as
// a stall, never a failure, because the tx may still land.
func (q *Queue) WaitForTx(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, q.opts.ConfirmTimeout)
	defer cancel()

	rcpt, err := q.adapter.WaitForConfirmation(waitCtx, hash, q.opts.MinConfirmations)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return chain.Receipt{TxHash: hash, Status: chain.StatusPending},
				fmt.Errorf("%w: %s", ErrConfirmTimeout, hash.Hex())
		}
		return chain.Receipt{}, err
	}
	return rcpt, nil
}

// SubmitAndWait submits under the signer lock and holds the lock until the
// transaction reaches a final receipt, so the signer's next nonce is never
// assigned while an outcome is unknown.
func (q *Queue) SubmitAndWait(ctx context.Context, workflowID string, signer common.Address, req chain.TxRequest) (rcpt chain.Receipt, err error) {
	owned, err := q.acquire(ctx, signer, workflowID)
	if err != nil {
		return chain.Receipt{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			q.release(signer, owned)
			panic(r)
		}
		q.release(signer, owned)
	}()

	hash, err := q.submitLocked(ctx, workflowID, signer, req)
	if err != nil {
		return chain.Receipt{}, err
	}
	return q.WaitForTx(ctx, hash)
}

// CheckTxStatus is a non-blocking receipt peek.
func (q *Queue) CheckTxStatus(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	return q.adapter.TransactionReceipt(ctx, hash)
}

// ReleaseSignerLock force-releases the signer lock regardless of holder.
// Operational escape hatch for a crashed holder; normal paths release
// automatically.
func (q *Queue) ReleaseSignerLock(signer common.Address) {
	l := q.lockFor(signer)
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()
	select {
	case l.ch <- struct{}{}:
		if q.metrics != nil {
			q.metrics.LockReleased(signer.Hex())
		}
	default:
	}
}

// IsLocked reports whether the signer lock is currently held.
func (q *Queue) IsLocked(signer common.Address) bool {
	l := q.lockFor(signer)
	select {
	case token := <-l.ch:
		l.ch <- token
		return false
	default:
		return true
	}
}
