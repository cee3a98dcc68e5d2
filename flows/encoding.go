package flows

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Calldata encoding for the ledger contracts: 4-byte selector from the
// keccak of the canonical signature, then ABI-packed arguments. Encoders are
// pure; callers wrap the result into a chain.TxRequest.

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func padUint64(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func padAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// encodeSubmitWork packs submitWork(bytes32,bytes32,bytes32,uint256):
// (dataHash, threadRoot, evidenceRoot, epoch).
func encodeSubmitWork(dataHash, threadRoot, evidenceRoot common.Hash, epoch uint64) []byte {
	data := selector("submitWork(bytes32,bytes32,bytes32,uint256)")
	data = append(data, dataHash.Bytes()...)
	data = append(data, threadRoot.Bytes()...)
	data = append(data, evidenceRoot.Bytes()...)
	data = append(data, padUint64(epoch)...)
	return data
}

// encodeRegisterWork packs registerWork(address,uint256,bytes32):
// (studio, epoch, dataHash).
func encodeRegisterWork(studio common.Address, epoch uint64, dataHash common.Hash) []byte {
	data := selector("registerWork(address,uint256,bytes32)")
	data = append(data, padAddress(studio)...)
	data = append(data, padUint64(epoch)...)
	data = append(data, dataHash.Bytes()...)
	return data
}

// encodeSubmitScore packs submitScore(bytes32,address,uint256[]):
// (dataHash, worker, scores). The dynamic array head points past the three
// static words.
func encodeSubmitScore(dataHash common.Hash, worker common.Address, scores []uint64) []byte {
	data := selector("submitScore(bytes32,address,uint256[])")
	data = append(data, dataHash.Bytes()...)
	data = append(data, padAddress(worker)...)
	data = append(data, padUint64(3*32)...) // offset of the array payload
	data = append(data, packUintArray(scores)...)
	return data
}

// encodeCommitScore packs commitScore(bytes32,bytes32):
// (dataHash, commitHash).
func encodeCommitScore(dataHash, commitHash common.Hash) []byte {
	data := selector("commitScore(bytes32,bytes32)")
	data = append(data, dataHash.Bytes()...)
	data = append(data, commitHash.Bytes()...)
	return data
}

// encodeRevealScore packs revealScore(bytes32,uint256[],bytes32):
// (dataHash, scores, salt).
func encodeRevealScore(dataHash common.Hash, scores []uint64, salt common.Hash) []byte {
	data := selector("revealScore(bytes32,uint256[],bytes32)")
	data = append(data, dataHash.Bytes()...)
	data = append(data, padUint64(3*32)...) // offset of the array payload
	data = append(data, salt.Bytes()...)
	data = append(data, packUintArray(scores)...)
	return data
}

// encodeRegisterValidator packs registerValidator(address,uint256,address):
// (studio, epoch, validator).
func encodeRegisterValidator(studio common.Address, epoch uint64, validator common.Address) []byte {
	data := selector("registerValidator(address,uint256,address)")
	data = append(data, padAddress(studio)...)
	data = append(data, padUint64(epoch)...)
	data = append(data, padAddress(validator)...)
	return data
}

// encodeCloseEpoch packs closeEpoch(address,uint256): (studio, epoch).
func encodeCloseEpoch(studio common.Address, epoch uint64) []byte {
	data := selector("closeEpoch(address,uint256)")
	data = append(data, padAddress(studio)...)
	data = append(data, padUint64(epoch)...)
	return data
}

func packUintArray(values []uint64) []byte {
	out := padUint64(uint64(len(values)))
	for _, v := range values {
		out = append(out, padUint64(v)...)
	}
	return out
}

// CommitHash binds the score vector to the validator and salt:
// keccak(dataHash ‖ validator ‖ scores… ‖ salt). The reveal step exposes the
// preimage; the contract recomputes and compares.
func CommitHash(dataHash common.Hash, validator common.Address, scores []uint64, salt common.Hash) common.Hash {
	buf := make([]byte, 0, 32+20+32*len(scores)+32)
	buf = append(buf, dataHash.Bytes()...)
	buf = append(buf, validator.Bytes()...)
	for _, s := range scores {
		buf = append(buf, padUint64(s)...)
	}
	buf = append(buf, salt.Bytes()...)
	return common.BytesToHash(crypto.Keccak256(buf))
}
