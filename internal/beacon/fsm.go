package beacon

import "time"

// maxRecoveryGap bounds how far a single accepted beacon may advance the
// IV-Index without the "unlimited recovery" option (SPEC_FULL.md §4.G
// rule 2).
const maxRecoveryGap = 42

const (
	minPhaseHours    = 96
	recoveryGapHours = 192
)

// State is the node's current IV-Index FSM state as input to Accept.
type State struct {
	Index        uint32
	UpdateActive bool
	// LastTransition is nil for a node resuming with unknown history; per
	// SPEC_FULL.md §4.G and §9, this accepts the first observed beacon
	// unconditionally. This leniency is implemented as-is, matching the
	// source, and is not configurable (see DESIGN.md).
	LastTransition *time.Time
	// RecoveryUsedPreviously records whether the previous accepted
	// transition was itself a recovery (gap > 1), gating the 192h rule in
	// step 5.
	RecoveryUsedPreviously bool
}

// Decision is the result of running the acceptance algorithm.
type Decision struct {
	Accept      bool
	NewState    State
	WasRecovery bool
}

// Options tunes the two algorithm escape hatches §4.G names; both default
// false in normal operation.
type Options struct {
	UnlimitedRecovery bool
	TestMode          bool
}

// Accept runs the IV-Index acceptance algorithm of SPEC_FULL.md §4.G given
// the current state and an authenticated beacon's (new, newActive) pair, at
// time now.
func Accept(cur State, new uint32, newActive bool, now time.Time, opts Options) Decision {
	reject := Decision{Accept: false, NewState: cur}

	if cur.LastTransition == nil {
		return acceptTransition(new, newActive, now, false)
	}

	// Step 1.
	if new < cur.Index {
		return reject
	}
	if new == cur.Index {
		if cur.UpdateActive == newActive {
			return Decision{Accept: true, NewState: cur}
		}
		// Same-index active-flag flip, either direction: gated by the
		// stateDiff/hours-since computation below rather than a flat
		// accept or reject.
	}

	// Step 2.
	gap := new - cur.Index
	if gap > maxRecoveryGap && !opts.UnlimitedRecovery {
		return reject
	}

	// Step 3.
	curActiveBit, newActiveBit := 0, 1
	if cur.UpdateActive {
		curActiveBit = 1
	}
	if newActive {
		newActiveBit = 0
	}
	isRecovery := gap > 1
	recoveryDiscount := 0
	if isRecovery || opts.TestMode {
		recoveryDiscount = 1
	}
	stateDiff := 2*int(gap) - 1 + curActiveBit + newActiveBit - recoveryDiscount

	// Step 4.
	hoursSince := now.Sub(*cur.LastTransition).Hours()
	if !isRecovery && hoursSince < float64(minPhaseHours)*float64(stateDiff) {
		return reject
	}

	// Step 5.
	if cur.RecoveryUsedPreviously && hoursSince < recoveryGapHours {
		return reject
	}

	return acceptTransition(new, newActive, now, isRecovery)
}

func acceptTransition(new uint32, newActive bool, now time.Time, recovery bool) Decision {
	t := now
	return Decision{
		Accept: true,
		NewState: State{
			Index:                  new,
			UpdateActive:           newActive,
			LastTransition:         &t,
			RecoveryUsedPreviously: recovery,
		},
		WasRecovery: recovery,
	}
}
