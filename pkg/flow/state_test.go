package flow

import "testing"

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to ItemState
		ok       bool
	}{
		{StateQueued, StateClaimed, true},
		{StateClaimed, StateEnriched, true},
		{StateClaimed, StateQueued, true},
		{StateClaimed, StateDeadLettered, true},
		{StateQueued, StateEnriched, false},
		{StateQueued, StateDeadLettered, false},
		{StateEnriched, StateQueued, false},
		{StateDeadLettered, StateQueued, false},
	}

	for _, tt := range tests {
		got, err := Transition(tt.from, tt.to)
		if tt.ok {
			if err != nil || got != tt.to {
				t.Errorf("Transition(%s, %s) = %s, %v; want %s", tt.from, tt.to, got, err, tt.to)
			}
			continue
		}
		if err == nil {
			t.Errorf("Transition(%s, %s) succeeded; want error", tt.from, tt.to)
		}
		if got != tt.from {
			t.Errorf("rejected transition changed state to %s", got)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StateEnriched.Terminal() || !StateDeadLettered.Terminal() {
		t.Error("enriched and dead-lettered are terminal")
	}
	if StateQueued.Terminal() || StateClaimed.Terminal() {
		t.Error("queued and claimed are not terminal")
	}
}
