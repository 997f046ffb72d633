package chain

import (
	"errors"

	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
)

// DefaultLargeChangeThreshold is the change count above which a save is
// stored as a full snapshot.
const DefaultLargeChangeThreshold = 20

// ErrNoChanges indicates that the new content equals the previous version.
var ErrNoChanges = errors.New("chain: no changes to save")

// Reason explains why a save was stored the way it was.
type Reason string

const (
	ReasonFirst       Reason = "first"
	ReasonCheckpoint  Reason = "checkpoint"
	ReasonLargeChange Reason = "large_change"
	ReasonDelta       Reason = "delta"
)

// Decision is the admission outcome for one save.
type Decision struct {
	Payload payload.Payload
	Reason  Reason
	Changes int
}

// Policy decides whether a save is stored as a full snapshot or a delta.
type Policy struct {
	engine               *delta.Engine
	largeChangeThreshold int
}

// NewPolicy constructs a Policy. A non-positive threshold selects the default.
func NewPolicy(engine *delta.Engine, largeChangeThreshold int) *Policy {
	if largeChangeThreshold <= 0 {
		largeChangeThreshold = DefaultLargeChangeThreshold
	}
	return &Policy{engine: engine, largeChangeThreshold: largeChangeThreshold}
}

// Decide admits current given the previous content of the path. periodic is
// the checkpoint test for the upcoming record.
func (policy *Policy) Decide(previous any, hasPrevious bool, current any, periodic bool) (Decision, error) {
	if !hasPrevious {
		return Decision{Payload: payload.Full{Tree: current}, Reason: ReasonFirst}, nil
	}
	d := policy.engine.Diff(previous, current)
	if d.Empty() {
		return Decision{}, ErrNoChanges
	}
	changes := delta.Count(d)
	switch {
	case periodic:
		return Decision{Payload: payload.Full{Tree: current}, Reason: ReasonCheckpoint, Changes: changes}, nil
	case changes > policy.largeChangeThreshold:
		return Decision{Payload: payload.Full{Tree: current}, Reason: ReasonLargeChange, Changes: changes}, nil
	default:
		return Decision{Payload: payload.Diff{Delta: d}, Reason: ReasonDelta, Changes: changes}, nil
	}
}
