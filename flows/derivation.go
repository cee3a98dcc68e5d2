package flows

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Roots are the derivation outputs computed from the evidence sequence
// before anything leaves the process. They are persisted into progress and
// later bound into the on-chain submission, so recomputation after a crash
// must be byte-identical; everything here is a pure function of the input.
type Roots struct {
	ThreadRoot   common.Hash
	EvidenceRoot common.Hash

	// AgentWeights maps agent hex address to its contribution weight in
	// basis points. Weights sum to 10000 up to integer truncation.
	AgentWeights map[string]uint64
}

// DeriveRoots computes the derivation roots over the ordered evidence
// sequence and the raw evidence bytes.
//
//   - ThreadRoot folds the package hashes left to right:
//     h_0 = keccak(agent_0 ‖ hash_0), h_i = keccak(h_{i-1} ‖ agent_i ‖ hash_i).
//     Order matters; reordering packages changes the root.
//   - EvidenceRoot is keccak over the raw evidence bytes.
//   - AgentWeights is each agent's share of packages in basis points.
func DeriveRoots(evidence []EvidencePackage, raw []byte) (Roots, error) {
	if len(evidence) == 0 {
		return Roots{}, fmt.Errorf("cannot derive roots from empty evidence sequence")
	}
	if len(raw) == 0 {
		return Roots{}, fmt.Errorf("cannot derive roots from empty raw evidence")
	}

	var thread common.Hash
	for i, pkg := range evidence {
		if pkg.Hash == (common.Hash{}) {
			return Roots{}, fmt.Errorf("evidence package %d has no hash", i)
		}
		if i == 0 {
			thread = common.BytesToHash(crypto.Keccak256(pkg.Agent.Bytes(), pkg.Hash.Bytes()))
			continue
		}
		thread = common.BytesToHash(crypto.Keccak256(thread.Bytes(), pkg.Agent.Bytes(), pkg.Hash.Bytes()))
	}

	counts := make(map[common.Address]uint64)
	for _, pkg := range evidence {
		counts[pkg.Agent]++
	}
	total := uint64(len(evidence))
	weights := make(map[string]uint64, len(counts))
	for agent, n := range counts {
		weights[agent.Hex()] = n * MaxScore / total
	}

	return Roots{
		ThreadRoot:   thread,
		EvidenceRoot: common.BytesToHash(crypto.Keccak256(raw)),
		AgentWeights: weights,
	}, nil
}
