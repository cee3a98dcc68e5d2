// Package flows defines the three concrete workflow pipelines — work
// submission, score submission, and epoch close — as step executors over the
// workflow engine, plus their input payloads, derivation-root computation,
// and calldata encoding.
package flows

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/workflow"
)

// MaxScore is the upper bound of a score value (basis points).
const MaxScore = 10000

// EvidencePackage is one element of the ordered evidence sequence attached
// to a work submission. The sequence order is significant: the thread root
// folds over it left to right.
type EvidencePackage struct {
	Agent common.Address `json:"agent"`
	Kind  string         `json:"kind"`
	Hash  common.Hash    `json:"hash"`
}

// WorkSubmissionInput is the immutable payload of a WorkSubmission record.
type WorkSubmissionInput struct {
	Studio      common.Address    `json:"studio"`
	Epoch       uint64            `json:"epoch"`
	Agent       common.Address    `json:"agent"`
	DataHash    common.Hash       `json:"data_hash"`
	Evidence    []EvidencePackage `json:"evidence"`
	RawEvidence []byte            `json:"raw_evidence"`
}

// Validate checks the structural requirements for creation.
func (in *WorkSubmissionInput) Validate() error {
	if in.Studio == (common.Address{}) {
		return fmt.Errorf("work submission requires a studio address")
	}
	if in.Agent == (common.Address{}) {
		return fmt.Errorf("work submission requires an agent address")
	}
	if in.DataHash == (common.Hash{}) {
		return fmt.Errorf("work submission requires a data hash")
	}
	if len(in.Evidence) == 0 {
		return fmt.Errorf("work submission requires at least one evidence package")
	}
	if len(in.RawEvidence) == 0 {
		return fmt.Errorf("work submission requires raw evidence bytes")
	}
	return nil
}

// Marshal serializes the input for record creation.
func (in *WorkSubmissionInput) Marshal() (json.RawMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

// ScoreSubmissionInput is the immutable payload of a ScoreSubmission record.
// Worker is optional; when absent, direct-mode scores are attributed to the
// validator itself.
type ScoreSubmissionInput struct {
	Studio    common.Address `json:"studio"`
	Epoch     uint64         `json:"epoch"`
	Validator common.Address `json:"validator"`
	DataHash  common.Hash    `json:"data_hash"`
	Scores    []uint64       `json:"scores"`
	Salt      common.Hash    `json:"salt"`
	Worker    common.Address `json:"worker,omitempty"`
	Mode      string         `json:"mode"`
}

// ScoreTarget returns the address direct-mode scores are attributed to.
func (in *ScoreSubmissionInput) ScoreTarget() common.Address {
	if in.Worker != (common.Address{}) {
		return in.Worker
	}
	return in.Validator
}

// Validate checks the structural requirements for creation.
func (in *ScoreSubmissionInput) Validate() error {
	if in.Studio == (common.Address{}) {
		return fmt.Errorf("score submission requires a studio address")
	}
	if in.Validator == (common.Address{}) {
		return fmt.Errorf("score submission requires a validator address")
	}
	if in.DataHash == (common.Hash{}) {
		return fmt.Errorf("score submission requires a data hash")
	}
	if len(in.Scores) == 0 {
		return fmt.Errorf("score submission requires a score vector")
	}
	for i, s := range in.Scores {
		if s > MaxScore {
			return fmt.Errorf("score %d out of range at index %d (max %d)", s, i, MaxScore)
		}
	}
	switch in.Mode {
	case workflow.ModeDirect:
	case workflow.ModeCommitReveal:
		if in.Salt == (common.Hash{}) {
			return fmt.Errorf("commit-reveal mode requires a salt")
		}
	default:
		return fmt.Errorf("unknown score submission mode %q", in.Mode)
	}
	return nil
}

// Marshal serializes the input for record creation.
func (in *ScoreSubmissionInput) Marshal() (json.RawMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

// CloseEpochInput is the immutable payload of a CloseEpoch record.
type CloseEpochInput struct {
	Studio common.Address `json:"studio"`
	Epoch  uint64         `json:"epoch"`
}

// Validate checks the structural requirements for creation.
func (in *CloseEpochInput) Validate() error {
	if in.Studio == (common.Address{}) {
		return fmt.Errorf("close epoch requires a studio address")
	}
	return nil
}

// Marshal serializes the input for record creation.
func (in *CloseEpochInput) Marshal() (json.RawMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

func decodeWorkInput(rec *workflow.Record) (*WorkSubmissionInput, error) {
	var in WorkSubmissionInput
	if err := json.Unmarshal(rec.Input, &in); err != nil {
		return nil, fmt.Errorf("failed to decode work submission input: %w", err)
	}
	return &in, nil
}

func decodeScoreInput(rec *workflow.Record) (*ScoreSubmissionInput, error) {
	var in ScoreSubmissionInput
	if err := json.Unmarshal(rec.Input, &in); err != nil {
		return nil, fmt.Errorf("failed to decode score submission input: %w", err)
	}
	return &in, nil
}

func decodeCloseInput(rec *workflow.Record) (*CloseEpochInput, error) {
	var in CloseEpochInput
	if err := json.Unmarshal(rec.Input, &in); err != nil {
		return nil, fmt.Errorf("failed to decode close epoch input: %w", err)
	}
	return &in, nil
}
