package flow

import "fmt"

type ItemState string

const (
	StateQueued       ItemState = "QUEUED"
	StateClaimed      ItemState = "CLAIMED"
	StateEnriched     ItemState = "ENRICHED"
	StateDeadLettered ItemState = "DEADLETTERED"
)

var transitions = map[ItemState][]ItemState{
	StateQueued:  {StateClaimed},
	StateClaimed: {StateEnriched, StateQueued, StateDeadLettered},
}

// Transition validates a state change. Enriched and DeadLettered are terminal.
func Transition(from, to ItemState) (ItemState, error) {
	for _, next := range transitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("flow: invalid transition %s -> %s", from, to)
}

func (s ItemState) Terminal() bool {
	return s == StateEnriched || s == StateDeadLettered
}
