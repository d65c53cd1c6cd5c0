package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	tests := []struct {
		phase   Phase
		outcome Outcome
		want    State
	}{
		{PhaseUpdate, OutcomeRows, State{Phase: PhaseDone, Operation: OperationUpdate}},
		{PhaseUpdate, OutcomeZeroRows, State{Phase: PhaseCheckExists}},
		{PhaseUpdate, OutcomeNotFound, State{Phase: PhaseInsert}},
		{PhaseUpdate, OutcomeConflict, State{Phase: PhaseFailed}},
		{PhaseCheckExists, OutcomeExists, State{Phase: PhaseForceUpdate}},
		{PhaseCheckExists, OutcomeAbsent, State{Phase: PhaseInsert}},
		{PhaseForceUpdate, OutcomeRows, State{Phase: PhaseDone, Operation: OperationUpdate}},
		{PhaseForceUpdate, OutcomeZeroRows, State{Phase: PhaseDone, Operation: OperationUpdate}},
		{PhaseForceUpdate, OutcomeNotFound, State{Phase: PhaseInsert}},
		{PhaseInsert, OutcomeRows, State{Phase: PhaseDone, Operation: OperationInsert}},
		{PhaseInsert, OutcomeZeroRows, State{Phase: PhaseDone, Operation: OperationInsert}},
		{PhaseInsert, OutcomeConflict, State{Phase: PhaseConflictUpdate}},
		{PhaseConflictUpdate, OutcomeRows, State{Phase: PhaseDone, Operation: OperationUpdate}},
		{PhaseConflictUpdate, OutcomeZeroRows, State{Phase: PhaseDone, Operation: OperationUpdate}},
		{PhaseConflictUpdate, OutcomeConflict, State{Phase: PhaseFailed}},
		{PhaseInsert, OutcomeError, State{Phase: PhaseFailed}},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, Next(Start(tt.phase), tt.outcome))
		})
	}
}

func TestNext_TimeoutRetriesOnce(t *testing.T) {
	for _, phase := range []Phase{PhaseUpdate, PhaseCheckExists, PhaseForceUpdate, PhaseInsert, PhaseConflictUpdate} {
		t.Run(string(phase), func(t *testing.T) {
			first := Next(Start(phase), OutcomeTimeout)
			assert.Equal(t, State{Phase: phase, Retried: true}, first)

			assert.Equal(t, PhaseFailed, Next(first, OutcomeTimeout).Phase)
		})
	}
}

func TestNext_RetryFlagResetsOnPhaseChange(t *testing.T) {
	s := Next(Start(PhaseUpdate), OutcomeTimeout)
	s = Next(s, OutcomeZeroRows)
	assert.Equal(t, State{Phase: PhaseCheckExists}, s)

	// a fresh phase gets its own retry
	s = Next(s, OutcomeTimeout)
	assert.Equal(t, State{Phase: PhaseCheckExists, Retried: true}, s)
}

func TestNext_TerminalStatesAreFixed(t *testing.T) {
	done := State{Phase: PhaseDone, Operation: OperationInsert}
	assert.Equal(t, done, Next(done, OutcomeError))

	failed := State{Phase: PhaseFailed}
	assert.Equal(t, failed, Next(failed, OutcomeRows))
}

func TestNext_AlwaysTerminates(t *testing.T) {
	outcomes := []Outcome{OutcomeRows, OutcomeZeroRows, OutcomeNotFound, OutcomeConflict, OutcomeTimeout, OutcomeError, OutcomeExists, OutcomeAbsent}

	// worst case for every start phase when the store keeps answering the same outcome
	for _, start := range []Phase{PhaseUpdate, PhaseInsert} {
		for _, o := range outcomes {
			s := Start(start)
			steps := 0
			for !s.Terminal() && steps < 20 {
				s = Next(s, o)
				steps++
			}
			assert.True(t, s.Terminal(), "start %s outcome %s", start, o)
		}
	}
}
