// Package chain defines the consumed interfaces over the blockchain that the
// workflow core depends on. The core never constructs raw RPC; implementations
// of these interfaces own transports, signing, and contract bindings.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiptStatus is the observable lifecycle of a submitted transaction.
type ReceiptStatus string

const (
	// StatusPending means the transaction is known to the network but not
	// yet included in a block.
	StatusPending ReceiptStatus = "pending"

	// StatusConfirmed means the transaction executed successfully and has
	// the required confirmation depth.
	StatusConfirmed ReceiptStatus = "confirmed"

	// StatusReverted means the transaction was included but its execution
	// reverted. RevertReason carries the decoded reason when available.
	StatusReverted ReceiptStatus = "reverted"

	// StatusNotFound means the network has no record of the transaction
	// hash. After a deadline this usually means the transaction was dropped
	// from the mempool and must be resubmitted.
	StatusNotFound ReceiptStatus = "not_found"
)

// TxRequest describes a transaction to be signed and submitted on behalf of
// a workflow. Nonce is filled in by the tx queue under the signer lock;
// callers leave it zero.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Nonce uint64
}

// Receipt is the stable receipt shape returned by adapters.
//
// Implementations MUST preserve revert-reason strings verbatim: the
// reconciler and the error classifier inspect substrings such as "already",
// "registered", "epoch closed", and "nonce too low" to route outcomes.
type Receipt struct {
	TxHash       common.Hash
	Status       ReceiptStatus
	BlockNumber  uint64
	RevertReason string
}

// Adapter is the transaction-level interface over the chain.
//
// Contract guarantees required of implementations:
//   - All methods are safe for concurrent use.
//   - PendingNonce reflects in-flight transactions (pending nonce, not
//     latest), so serialized submission per signer never produces gaps.
//   - TransactionReceipt is a non-blocking peek; it returns StatusNotFound
//     rather than an error for unknown hashes.
//   - WaitForConfirmation blocks until the receipt reaches minConfirmations
//     or the context is cancelled.
type Adapter interface {
	// PendingNonce returns the next nonce for the signer, counting
	// transactions still in the mempool.
	PendingNonce(ctx context.Context, signer common.Address) (uint64, error)

	// SubmitTransaction signs req with the signer's key and broadcasts it,
	// returning the transaction hash.
	SubmitTransaction(ctx context.Context, signer common.Address, req TxRequest) (common.Hash, error)

	// TransactionReceipt returns the current receipt for hash.
	TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error)

	// WaitForConfirmation blocks until hash has minConfirmations
	// confirmations, reverts, or ctx is done.
	WaitForConfirmation(ctx context.Context, hash common.Hash, minConfirmations uint64) (Receipt, error)
}

// WorkLedger exposes the chain-state predicates for work submissions.
// The reconciler treats these as ground truth.
type WorkLedger interface {
	// WorkExists reports whether work with dataHash exists on the primary
	// ledger for the studio.
	WorkExists(ctx context.Context, studio common.Address, dataHash common.Hash) (bool, error)

	// WorkRegistered reports whether (studio, epoch, dataHash) is recorded
	// in the secondary registration ledger.
	WorkRegistered(ctx context.Context, studio common.Address, epoch uint64, dataHash common.Hash) (bool, error)
}

// ScoreLedger exposes the chain-state predicates for score submissions.
type ScoreLedger interface {
	// CommitExists reports whether a commit by validator exists for
	// dataHash in the studio.
	CommitExists(ctx context.Context, studio common.Address, dataHash common.Hash, validator common.Address) (bool, error)

	// RevealExists reports whether validator's reveal for dataHash exists.
	RevealExists(ctx context.Context, studio common.Address, dataHash common.Hash, validator common.Address) (bool, error)

	// ScoreExists reports whether a direct score for the worker exists on
	// dataHash.
	ScoreExists(ctx context.Context, studio common.Address, dataHash common.Hash, worker common.Address) (bool, error)

	// ValidatorRegistered reports whether validator is registered in the
	// secondary ledger for (studio, epoch).
	ValidatorRegistered(ctx context.Context, studio common.Address, epoch uint64, validator common.Address) (bool, error)
}

// EpochLedger exposes the chain-state predicates for epoch lifecycle.
type EpochLedger interface {
	// EpochClosed reports whether the epoch has been closed for the studio.
	EpochClosed(ctx context.Context, studio common.Address, epoch uint64) (bool, error)
}
