package state

import (
	"fmt"
	"time"

	"github.com/calehh/council-relay/types"
)

type PhaseModel string

const (
	// PhaseModelTime derives commit/reveal boundaries from the start marker,
	// the task's deliberation duration and the global windows.
	PhaseModelTime PhaseModel = "time"
	// PhaseModelExplicit trusts PhaseAdvanced events from the ledger.
	PhaseModelExplicit PhaseModel = "explicit"
)

func ParsePhaseModel(s string) (PhaseModel, error) {
	switch PhaseModel(s) {
	case PhaseModelTime, PhaseModelExplicit:
		return PhaseModel(s), nil
	}
	return "", fmt.Errorf("unknown phase model %q", s)
}

type PhaseClock struct {
	Model        PhaseModel
	CommitWindow time.Duration
	RevealWindow time.Duration
}

func DefaultPhaseClock() PhaseClock {
	return PhaseClock{
		Model:        PhaseModelTime,
		CommitWindow: 5 * time.Minute,
		RevealWindow: 5 * time.Minute,
	}
}

// Phase returns the effective phase of t at now. It never mutates t.
func (c PhaseClock) Phase(t *types.Task, now time.Time) types.Phase {
	if t.Final() {
		return types.PhaseResolved
	}
	if c.Model == PhaseModelExplicit {
		return t.Phase
	}
	if !t.Started() {
		return types.PhaseOpen
	}
	delibEnd := *t.StartTime + int64(t.DeliberationDuration)
	commitEnd := delibEnd + int64(c.CommitWindow/time.Second)
	revealEnd := commitEnd + int64(c.RevealWindow/time.Second)
	ts := now.Unix()
	switch {
	case ts >= revealEnd:
		return types.PhaseResolved
	case ts >= commitEnd:
		return types.PhaseReveal
	case ts >= delibEnd:
		return types.PhaseCommit
	default:
		return types.PhaseDeliberation
	}
}
