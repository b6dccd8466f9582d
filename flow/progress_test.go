package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_InitiatorPath(t *testing.T) {
	var events []ProgressEvent
	tr := NewTracker("f1", RoleInitiator, ObserverFunc(func(ev ProgressEvent) { events = append(events, ev) }))
	assert.Equal(t, StateBuilding, tr.State())

	for _, s := range []State{StateValidating, StateSigning, StateFinalizing, StateCommitted} {
		require.NoError(t, tr.Advance(s))
	}
	assert.Equal(t, StateCommitted, tr.State())
	assert.Nil(t, tr.Reason())

	require.Len(t, events, 4)
	assert.Equal(t, StateBuilding, events[0].From)
	assert.Equal(t, StateCommitted, events[3].To)
	for _, ev := range events {
		assert.Equal(t, "f1", ev.FlowID)
		assert.Equal(t, RoleInitiator, ev.Role)
		assert.False(t, ev.At.IsZero())
	}
	assert.Equal(t, events, tr.History())
}

func TestTracker_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		role Role
		path []State
		next State
	}{
		{name: "skip validation", role: RoleInitiator, next: StateSigning},
		{name: "initiator cannot reject", role: RoleInitiator, path: []State{StateValidating}, next: StateRejected},
		{name: "backwards", role: RoleInitiator, path: []State{StateValidating, StateSigning}, next: StateValidating},
		{name: "responder signs before validating", role: RoleResponder, next: StateSigning},
		{name: "responder cannot reject after signing", role: RoleResponder, path: []State{StateValidating, StateSigning}, next: StateRejected},
		{name: "responder has no finalizing step", role: RoleResponder, path: []State{StateValidating, StateSigning}, next: StateFinalizing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker("f", tt.role)
			for _, s := range tt.path {
				require.NoError(t, tr.Advance(s))
			}
			before := tr.State()
			var err error
			if tt.next == StateRejected {
				err = tr.Reject(errors.New("no"))
			} else {
				err = tr.Advance(tt.next)
			}
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, before, tr.State(), "illegal transitions are never applied")
		})
	}
}

func TestTracker_TerminalStates(t *testing.T) {
	reason := errors.New("boom")

	failed := NewTracker("f", RoleInitiator)
	require.NoError(t, failed.Advance(StateValidating))
	require.NoError(t, failed.Fail(reason))
	assert.Equal(t, StateFailed, failed.State())
	assert.Equal(t, reason, failed.Reason())
	assert.ErrorIs(t, failed.Fail(reason), ErrIllegalTransition)
	assert.ErrorIs(t, failed.Advance(StateSigning), ErrIllegalTransition)

	rejected := NewTracker("f", RoleResponder)
	require.NoError(t, rejected.Advance(StateValidating))
	require.NoError(t, rejected.Reject(reason))
	assert.ErrorIs(t, rejected.Fail(reason), ErrIllegalTransition)
	assert.Len(t, rejected.History(), 2)

	assert.ErrorIs(t, NewTracker("f", RoleInitiator).Advance(StateFailed), ErrIllegalTransition)
}

func TestTracker_BindFlowID(t *testing.T) {
	tr := NewTracker("session-1", RoleResponder)
	tr.BindFlowID("")
	assert.Equal(t, "session-1", tr.FlowID())
	tr.BindFlowID("flow-9")
	require.NoError(t, tr.Advance(StateValidating))
	assert.Equal(t, "flow-9", tr.History()[0].FlowID)
}

func TestState_Description(t *testing.T) {
	assert.Equal(t, "Verifying contract constraints.", StateValidating.Description())
	assert.Equal(t, "Obtaining notary signature and recording transaction.", StateFinalizing.Description())
	assert.Equal(t, "Unknown", State("Unknown").Description())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateAwaitingFinality.Terminal())
}
