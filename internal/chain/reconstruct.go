// Package chain rebuilds document content from a path's record chain and
// decides how each new save is stored.
package chain

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
)

var (
	// ErrBrokenChain indicates a chain with no full record before a delta.
	ErrBrokenChain = errors.New("chain: no full record anchors the chain")
	// ErrTargetNotFound indicates that the requested record is not in the chain.
	ErrTargetNotFound = errors.New("chain: target record not found")
)

// Result is a reconstructed tree plus the number of deltas applied to reach it.
type Result struct {
	Tree    any
	Applied int
}

// Reconstructor turns stored payloads back into document trees.
type Reconstructor struct {
	engine *delta.Engine
	codec  *payload.Codec
}

// NewReconstructor constructs a Reconstructor.
func NewReconstructor(engine *delta.Engine, codec *payload.Codec) *Reconstructor {
	return &Reconstructor{engine: engine, codec: codec}
}

// Reconstruct returns the content of targetID. records must be the complete
// chain of one path in chain order, soft-deleted records included.
func (reconstructor *Reconstructor) Reconstruct(records []versions.Record, targetID int64) (Result, error) {
	target := -1
	for index := range records {
		if records[index].ID == targetID {
			target = index
			break
		}
	}
	if target < 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrTargetNotFound, targetID)
	}

	anchor := target
	for anchor >= 0 && !records[anchor].IsFull {
		anchor--
	}
	if anchor < 0 {
		return Result{}, fmt.Errorf("%w: record %d", ErrBrokenChain, targetID)
	}

	tree, err := reconstructor.codec.DecodeTree(records[anchor].Payload)
	if err != nil {
		return Result{}, fmt.Errorf("record %d: %w", records[anchor].ID, err)
	}
	applied := 0
	for index := anchor + 1; index <= target; index++ {
		tree, err = reconstructor.apply(tree, records[index])
		if err != nil {
			return Result{}, err
		}
		applied++
	}
	return Result{Tree: tree, Applied: applied}, nil
}

// MaterializeAll reconstructs every record of a chain in one forward pass.
func (reconstructor *Reconstructor) MaterializeAll(records []versions.Record) ([]any, error) {
	trees := make([]any, len(records))
	var current any
	for index, record := range records {
		if record.IsFull {
			tree, err := reconstructor.codec.DecodeTree(record.Payload)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", record.ID, err)
			}
			current = tree
		} else {
			if index == 0 {
				return nil, fmt.Errorf("%w: record %d", ErrBrokenChain, record.ID)
			}
			patched, err := reconstructor.apply(current, record)
			if err != nil {
				return nil, err
			}
			current = patched
		}
		trees[index] = current
	}
	return trees, nil
}

// MaxDeltaApplications reports the longest run of deltas any record of the
// chain needs on top of its anchor.
func MaxDeltaApplications(records []versions.Record) int {
	longest, run := 0, 0
	for _, record := range records {
		if record.IsFull {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	return longest
}

func (reconstructor *Reconstructor) apply(tree any, record versions.Record) (any, error) {
	d, err := reconstructor.codec.DecodeDelta(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", record.ID, err)
	}
	patched, err := reconstructor.engine.Patch(tree, d)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", record.ID, err)
	}
	return patched, nil
}
