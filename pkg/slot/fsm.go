package slot

import "fmt"

// Update transaction state machine. The transition function is pure: it maps
// (state, event) to (next state, effect) so every path, including timeout and
// rollback, can be enumerated in tests. The Manager applies the effects.

type State int

const (
	StateIdle State = iota
	StateValidating
	StateWriting
	StateVerifying
	StateActivating
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateValidating:
		return "Validating"
	case StateWriting:
		return "Writing"
	case StateVerifying:
		return "Verifying"
	case StateActivating:
		return "Activating"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the transaction has reached a final state.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateCommitted || s == StateRolledBack
}

type Event int

const (
	// EventAccepted: validation passed, nothing written yet.
	EventAccepted Event = iota
	// EventWritten: payload and trailer landed in the inactive bank.
	EventWritten
	// EventVerified: read-back CRC matched the stored value.
	EventVerified
	// EventActivated: the active-slot indicator flipped to the new bank.
	EventActivated
	// EventFailed: the current phase failed.
	EventFailed
	// EventTimeout: the watchdog deadline expired.
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventAccepted:
		return "Accepted"
	case EventWritten:
		return "Written"
	case EventVerified:
		return "Verified"
	case EventActivated:
		return "Activated"
	case EventFailed:
		return "Failed"
	case EventTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type Effect int

const (
	EffectNone Effect = iota
	// EffectWrite: erase the inactive bank and write payload + trailer.
	EffectWrite
	// EffectVerify: read the written bank back and recompute the CRC.
	EffectVerify
	// EffectActivate: flip the active-slot indicator to the written bank.
	EffectActivate
	// EffectCommit: leave the previous bank intact as the next rollback
	// target and destroy the transaction.
	EffectCommit
	// EffectRollback: keep the indicator on the last known-good bank and
	// invalidate the candidate bank so the boot scan never selects it.
	EffectRollback
)

// Transition is the pure state transition function. A validation failure
// leads back to Idle with no effect: nothing was written, so there is nothing
// to roll back. A timeout from any non-terminal state forces a rollback.
func Transition(s State, e Event) (State, Effect, error) {
	if e == EventTimeout && !s.Terminal() {
		return StateRolledBack, EffectRollback, nil
	}
	switch s {
	case StateValidating:
		switch e {
		case EventAccepted:
			return StateWriting, EffectWrite, nil
		case EventFailed:
			return StateIdle, EffectNone, nil
		}
	case StateWriting:
		switch e {
		case EventWritten:
			return StateVerifying, EffectVerify, nil
		case EventFailed:
			return StateRolledBack, EffectRollback, nil
		}
	case StateVerifying:
		switch e {
		case EventVerified:
			return StateActivating, EffectActivate, nil
		case EventFailed:
			return StateRolledBack, EffectRollback, nil
		}
	case StateActivating:
		switch e {
		case EventActivated:
			return StateCommitted, EffectCommit, nil
		case EventFailed:
			return StateRolledBack, EffectRollback, nil
		}
	}
	return s, EffectNone, fmt.Errorf("invalid transition: %s + %s", s, e)
}
