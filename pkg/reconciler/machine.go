// Package reconciler decides, for one opportunity, how to make the datastore
// row match the CRM: update, insert, switch on conflict, or skip when the
// stored copy is already as fresh.
package reconciler

// Phase is a step of the upsert state machine
type Phase string

const (
	PhaseUpdate         Phase = "update"
	PhaseCheckExists    Phase = "check_exists"
	PhaseForceUpdate    Phase = "force_update"
	PhaseInsert         Phase = "insert"
	PhaseConflictUpdate Phase = "conflict_update"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Outcome is what the datastore answered for the current phase
type Outcome string

const (
	OutcomeRows     Outcome = "rows"
	OutcomeZeroRows Outcome = "zero_rows"
	OutcomeNotFound Outcome = "not_found"
	OutcomeConflict Outcome = "conflict"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeError    Outcome = "error"
	OutcomeExists   Outcome = "exists"
	OutcomeAbsent   Outcome = "absent"
)

// Operation is the write that finally landed
type Operation string

const (
	OperationNone   Operation = ""
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
)

// State is the machine state. Retried is set after the first timeout of the
// current phase and cleared on every phase change.
type State struct {
	Phase     Phase
	Retried   bool
	Operation Operation
}

// Terminal reports whether the machine has stopped
func (s State) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseFailed
}

// Start returns the initial state for a phase
func Start(p Phase) State {
	return State{Phase: p}
}

func move(p Phase) State {
	return State{Phase: p}
}

func done(op Operation) State {
	return State{Phase: PhaseDone, Operation: op}
}

func failed() State {
	return State{Phase: PhaseFailed}
}

// Next is the transition function. It performs no I/O.
func Next(s State, o Outcome) State {
	if s.Terminal() {
		return s
	}

	switch o {
	case OutcomeTimeout:
		if s.Retried {
			return failed()
		}
		return State{Phase: s.Phase, Retried: true}
	case OutcomeError:
		return failed()
	}

	switch s.Phase {
	case PhaseUpdate:
		switch o {
		case OutcomeRows:
			return done(OperationUpdate)
		case OutcomeZeroRows:
			return move(PhaseCheckExists)
		case OutcomeNotFound:
			return move(PhaseInsert)
		}
	case PhaseCheckExists:
		switch o {
		case OutcomeExists:
			return move(PhaseForceUpdate)
		case OutcomeAbsent:
			return move(PhaseInsert)
		}
	case PhaseForceUpdate:
		switch o {
		case OutcomeRows, OutcomeZeroRows:
			return done(OperationUpdate)
		case OutcomeNotFound:
			return move(PhaseInsert)
		}
	case PhaseInsert:
		switch o {
		case OutcomeRows, OutcomeZeroRows:
			return done(OperationInsert)
		case OutcomeConflict:
			return move(PhaseConflictUpdate)
		}
	case PhaseConflictUpdate:
		switch o {
		case OutcomeRows, OutcomeZeroRows:
			return done(OperationUpdate)
		}
	}

	return failed()
}
