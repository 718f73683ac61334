package beacon

import (
	"testing"
	"time"
)

func TestAcceptFirstBeaconUnconditionally(t *testing.T) {
	cur := State{Index: 5, UpdateActive: false}
	now := time.Unix(0, 0)
	d := Accept(cur, 9000, true, now, Options{})
	if !d.Accept {
		t.Fatalf("a node with no transition history must accept its first beacon unconditionally")
	}
	if d.NewState.Index != 9000 || !d.NewState.UpdateActive {
		t.Fatalf("new state = %+v, want index 9000 active", d.NewState)
	}
}

// TestIvUpdateScenario walks the worked example: starting at (X=5,
// active=false) with the last transition 100h in the past, a beacon
// re-asserting the same index with active=true is accepted (the 96h phase
// minimum is already satisfied); the following same-index active=false
// beacon is rejected 1h later and accepted 97h later.
func TestIvUpdateScenario(t *testing.T) {
	t0 := time.Unix(0, 0)
	cur := State{Index: 5, UpdateActive: false, LastTransition: tp(t0.Add(-100 * time.Hour))}

	d1 := Accept(cur, 5, true, t0, Options{})
	if !d1.Accept {
		t.Fatalf("expected s0->s1 accept at 100h, got reject")
	}
	if d1.NewState.Index != 5 || !d1.NewState.UpdateActive {
		t.Fatalf("unexpected new state after s0->s1: %+v", d1.NewState)
	}

	cur2 := d1.NewState
	d2 := Accept(cur2, 5, false, t0.Add(1*time.Hour), Options{})
	if d2.Accept {
		t.Fatalf("expected s1->s2 reject at +1h (96h rule), got accept")
	}

	d3 := Accept(cur2, 5, false, t0.Add(97*time.Hour), Options{})
	if !d3.Accept {
		t.Fatalf("expected s1->s2 accept at +97h, got reject")
	}
	if d3.NewState.Index != 5 || d3.NewState.UpdateActive {
		t.Fatalf("unexpected new state after s1->s2: %+v", d3.NewState)
	}
}

func TestAcceptRejectsGapBeyondRecoveryCapWithoutUnlimitedRecovery(t *testing.T) {
	cur := State{Index: 100, UpdateActive: false, LastTransition: tp(time.Unix(0, 0))}
	now := time.Unix(0, 0).Add(1000 * time.Hour)

	d := Accept(cur, 100+maxRecoveryGap+1, false, now, Options{})
	if d.Accept {
		t.Fatalf("gap beyond %d must be rejected without UnlimitedRecovery", maxRecoveryGap)
	}

	d2 := Accept(cur, 100+maxRecoveryGap+1, false, now, Options{UnlimitedRecovery: true})
	if !d2.Accept {
		t.Fatalf("gap beyond %d must be accepted with UnlimitedRecovery set", maxRecoveryGap)
	}
}

func TestAcceptRejectsRepeatedRecoveryWithin192Hours(t *testing.T) {
	t0 := time.Unix(0, 0)
	cur := State{
		Index:                  100,
		UpdateActive:           false,
		LastTransition:         tp(t0),
		RecoveryUsedPreviously: true,
	}

	d := Accept(cur, 110, false, t0.Add(100*time.Hour), Options{})
	if d.Accept {
		t.Fatalf("a second recovery within 192h of the last one must be rejected")
	}

	d2 := Accept(cur, 110, false, t0.Add(200*time.Hour), Options{})
	if !d2.Accept {
		t.Fatalf("a recovery after 192h should be accepted")
	}
}

func TestAcceptRejectsRegression(t *testing.T) {
	cur := State{Index: 10, UpdateActive: false, LastTransition: tp(time.Unix(0, 0))}
	d := Accept(cur, 9, false, time.Unix(0, 0).Add(1000*time.Hour), Options{})
	if d.Accept {
		t.Fatalf("an index lower than the current one must never be accepted")
	}
}

func tp(t time.Time) *time.Time { return &t }
