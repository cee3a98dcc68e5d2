package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MockChain is a test implementation of Adapter and all three ledger
// predicate interfaces.
//
// Use MockChain in tests to verify workflow behavior without a node
// connection. It provides:
//   - Scripted receipts per transaction hash
//   - Deterministic hash assignment for submissions
//   - Predicate toggling (work exists, commit exists, epoch closed, ...)
//   - Error injection and call counting
//   - Thread-safe operation
//
// Example usage:
//
//	mock := NewMockChain()
//	mock.SetReceipt(hash, Receipt{TxHash: hash, Status: StatusConfirmed, BlockNumber: 100})
//	mock.SetWorkExists(studio, dataHash, true)
type MockChain struct {
	mu sync.Mutex

	// Nonces holds the next nonce per signer. PendingNonce returns the
	// current value and SubmitTransaction increments it.
	Nonces map[common.Address]uint64

	// Receipts maps transaction hashes to their scripted receipts.
	// Hashes without an entry report StatusNotFound.
	Receipts map[common.Hash]Receipt

	// Submissions records every SubmitTransaction call in order.
	Submissions []MockSubmission

	// AfterSubmit, if set, is invoked (outside the lock) after each
	// successful submission. Tests use it to flip predicates or script
	// receipts in reaction to a submission.
	AfterSubmit func(n int, hash common.Hash, signer common.Address, req TxRequest)

	// Error injection. When set, the corresponding method returns the error.
	NonceErr   error
	SubmitErr  error
	ReceiptErr error

	// Call counters, useful for asserting that idempotent short-circuits
	// perform no adapter calls.
	NonceCalls   int
	SubmitCalls  int
	ReceiptCalls int
	WaitCalls    int

	workExists          map[string]bool
	workRegistered      map[string]bool
	commitExists        map[string]bool
	revealExists        map[string]bool
	scoreExists         map[string]bool
	validatorRegistered map[string]bool
	epochClosed         map[string]bool

	submitSeq int
}

// MockSubmission records a single SubmitTransaction invocation.
type MockSubmission struct {
	Signer common.Address
	Req    TxRequest
	Hash   common.Hash
}

// NewMockChain creates a MockChain with empty state.
func NewMockChain() *MockChain {
	return &MockChain{
		Nonces:              make(map[common.Address]uint64),
		Receipts:            make(map[common.Hash]Receipt),
		workExists:          make(map[string]bool),
		workRegistered:      make(map[string]bool),
		commitExists:        make(map[string]bool),
		revealExists:        make(map[string]bool),
		scoreExists:         make(map[string]bool),
		validatorRegistered: make(map[string]bool),
		epochClosed:         make(map[string]bool),
	}
}

// PendingNonce implements Adapter.
func (m *MockChain) PendingNonce(ctx context.Context, signer common.Address) (uint64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NonceCalls++
	if m.NonceErr != nil {
		return 0, m.NonceErr
	}
	return m.Nonces[signer], nil
}

// SubmitTransaction implements Adapter. Each submission is assigned the hash
// keccak-independent deterministic value "0x...01", "0x...02", ... unless the
// test pre-scripts receipts keyed by those hashes.
func (m *MockChain) SubmitTransaction(ctx context.Context, signer common.Address, req TxRequest) (common.Hash, error) {
	if ctx.Err() != nil {
		return common.Hash{}, ctx.Err()
	}
	m.mu.Lock()
	m.SubmitCalls++
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.mu.Unlock()
		return common.Hash{}, err
	}
	m.submitSeq++
	n := m.submitSeq
	hash := common.BytesToHash([]byte(fmt.Sprintf("mock-tx-%d", n)))
	m.Nonces[signer]++
	m.Submissions = append(m.Submissions, MockSubmission{Signer: signer, Req: req, Hash: hash})
	hook := m.AfterSubmit
	m.mu.Unlock()

	if hook != nil {
		hook(n, hash, signer, req)
	}
	return hash, nil
}

// TransactionReceipt implements Adapter. Unknown hashes report
// StatusNotFound, never an error.
func (m *MockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	if ctx.Err() != nil {
		return Receipt{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReceiptCalls++
	if m.ReceiptErr != nil {
		return Receipt{}, m.ReceiptErr
	}
	rcpt, ok := m.Receipts[hash]
	if !ok {
		return Receipt{TxHash: hash, Status: StatusNotFound}, nil
	}
	return rcpt, nil
}

// WaitForConfirmation implements Adapter by polling the scripted receipts
// until a terminal status appears or ctx is done.
func (m *MockChain) WaitForConfirmation(ctx context.Context, hash common.Hash, minConfirmations uint64) (Receipt, error) {
	m.mu.Lock()
	m.WaitCalls++
	m.mu.Unlock()

	for {
		rcpt, err := m.TransactionReceipt(ctx, hash)
		if err != nil {
			return Receipt{}, err
		}
		// Undo the peek count so WaitForConfirmation reads as one call.
		m.mu.Lock()
		m.ReceiptCalls--
		m.mu.Unlock()

		if rcpt.Status == StatusConfirmed || rcpt.Status == StatusReverted {
			return rcpt, nil
		}
		select {
		case <-ctx.Done():
			return rcpt, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// SetReceipt scripts the receipt for a hash.
func (m *MockChain) SetReceipt(hash common.Hash, rcpt Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts[hash] = rcpt
}

func pairKey(a common.Address, h common.Hash) string {
	return a.Hex() + "|" + h.Hex()
}

func tripleKey(a common.Address, h common.Hash, b common.Address) string {
	return a.Hex() + "|" + h.Hex() + "|" + b.Hex()
}

func epochKey(a common.Address, epoch uint64) string {
	return fmt.Sprintf("%s|%d", a.Hex(), epoch)
}

func epochTripleKey(a common.Address, epoch uint64, b fmt.Stringer) string {
	return fmt.Sprintf("%s|%d|%s", a.Hex(), epoch, b.String())
}

// SetWorkExists toggles the primary-ledger predicate.
func (m *MockChain) SetWorkExists(studio common.Address, dataHash common.Hash, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workExists[pairKey(studio, dataHash)] = v
}

// SetWorkRegistered toggles the secondary-registration predicate.
func (m *MockChain) SetWorkRegistered(studio common.Address, epoch uint64, dataHash common.Hash, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workRegistered[epochTripleKey(studio, epoch, dataHash)] = v
}

// SetCommitExists toggles the commit predicate.
func (m *MockChain) SetCommitExists(studio common.Address, dataHash common.Hash, validator common.Address, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitExists[tripleKey(studio, dataHash, validator)] = v
}

// SetRevealExists toggles the reveal predicate.
func (m *MockChain) SetRevealExists(studio common.Address, dataHash common.Hash, validator common.Address, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revealExists[tripleKey(studio, dataHash, validator)] = v
}

// SetScoreExists toggles the direct-score predicate.
func (m *MockChain) SetScoreExists(studio common.Address, dataHash common.Hash, worker common.Address, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoreExists[tripleKey(studio, dataHash, worker)] = v
}

// SetValidatorRegistered toggles the validator-registration predicate.
func (m *MockChain) SetValidatorRegistered(studio common.Address, epoch uint64, validator common.Address, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validatorRegistered[epochTripleKey(studio, epoch, validator)] = v
}

// SetEpochClosed toggles the epoch-closed predicate.
func (m *MockChain) SetEpochClosed(studio common.Address, epoch uint64, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochClosed[epochKey(studio, epoch)] = v
}

// WorkExists implements WorkLedger.
func (m *MockChain) WorkExists(ctx context.Context, studio common.Address, dataHash common.Hash) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workExists[pairKey(studio, dataHash)], nil
}

// WorkRegistered implements WorkLedger.
func (m *MockChain) WorkRegistered(ctx context.Context, studio common.Address, epoch uint64, dataHash common.Hash) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workRegistered[epochTripleKey(studio, epoch, dataHash)], nil
}

// CommitExists implements ScoreLedger.
func (m *MockChain) CommitExists(ctx context.Context, studio common.Address, dataHash common.Hash, validator common.Address) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitExists[tripleKey(studio, dataHash, validator)], nil
}

// RevealExists implements ScoreLedger.
func (m *MockChain) RevealExists(ctx context.Context, studio common.Address, dataHash common.Hash, validator common.Address) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revealExists[tripleKey(studio, dataHash, validator)], nil
}

// ScoreExists implements ScoreLedger.
func (m *MockChain) ScoreExists(ctx context.Context, studio common.Address, dataHash common.Hash, worker common.Address) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreExists[tripleKey(studio, dataHash, worker)], nil
}

// ValidatorRegistered implements ScoreLedger.
func (m *MockChain) ValidatorRegistered(ctx context.Context, studio common.Address, epoch uint64, validator common.Address) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validatorRegistered[epochTripleKey(studio, epoch, validator)], nil
}

// EpochClosed implements EpochLedger.
func (m *MockChain) EpochClosed(ctx context.Context, studio common.Address, epoch uint64) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochClosed[epochKey(studio, epoch)], nil
}

// SubmissionCount returns how many transactions have been submitted.
func (m *MockChain) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submissions)
}

// Reset clears submissions, receipts, counters, and predicates.
func (m *MockChain) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts = make(map[common.Hash]Receipt)
	m.Submissions = nil
	m.submitSeq = 0
	m.NonceCalls, m.SubmitCalls, m.ReceiptCalls, m.WaitCalls = 0, 0, 0, 0
	m.workExists = make(map[string]bool)
	m.workRegistered = make(map[string]bool)
	m.commitExists = make(map[string]bool)
	m.revealExists = make(map[string]bool)
	m.scoreExists = make(map[string]bool)
	m.validatorRegistered = make(map[string]bool)
	m.epochClosed = make(map[string]bool)
}
