// Package pipeline runs one fetch → dedup → match → notify → commit pass.
//
// Phase graph:
//
//	IDLE ──► FETCHING ──► NORMALIZING ──► DEDUPING ──► MATCHING ──► NOTIFYING ──► COMMITTING ──► DONE
//	             │              │              │            │                          ▲
//	             └──────────────┴──────────────┴────────────┴──────────────────────────┘
//
// A run that fails or times out jumps ahead to COMMITTING; it never goes
// back. DONE is terminal.
package pipeline

import "fmt"

type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseFetching    Phase = "FETCHING"
	PhaseNormalizing Phase = "NORMALIZING"
	PhaseDeduping    Phase = "DEDUPING"
	PhaseMatching    Phase = "MATCHING"
	PhaseNotifying   Phase = "NOTIFYING"
	PhaseCommitting  Phase = "COMMITTING"
	PhaseDone        Phase = "DONE"
)

var validTransitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseFetching, PhaseCommitting},
	PhaseFetching:    {PhaseNormalizing, PhaseCommitting},
	PhaseNormalizing: {PhaseDeduping, PhaseCommitting},
	PhaseDeduping:    {PhaseMatching, PhaseCommitting},
	PhaseMatching:    {PhaseNotifying, PhaseCommitting},
	PhaseNotifying:   {PhaseCommitting},
	PhaseCommitting:  {PhaseDone},
}

func IsTransitionAllowed(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func IsTerminal(p Phase) bool {
	return p == PhaseDone
}

type phaseTracker struct {
	current Phase
	history []Phase
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{current: PhaseIdle, history: []Phase{PhaseIdle}}
}

func (t *phaseTracker) advance(to Phase) error {
	if !IsTransitionAllowed(t.current, to) {
		return fmt.Errorf("invalid phase transition %s -> %s", t.current, to)
	}
	t.current = to
	t.history = append(t.history, to)
	return nil
}
