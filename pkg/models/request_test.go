package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	t.Run("apply waits for in-flight jobs", func(t *testing.T) {
		lc := NewLifecycle(RequestStateOpen)

		require.NoError(t, lc.JobStarted())
		assert.True(t, lc.Processing())
		assert.Equal(t, 1, lc.InFlight())

		err := lc.Transition(RequestStateApplied)
		assert.ErrorIs(t, err, ErrInvalidTransition, "cannot apply with a job in flight")
		assert.Equal(t, RequestStateOpen, lc.State())

		lc.JobFinished()
		require.NoError(t, lc.Transition(RequestStateApplied))
		assert.Equal(t, RequestStateApplied, lc.State())
	})

	t.Run("close abandons in-flight jobs", func(t *testing.T) {
		lc := NewLifecycle(RequestStateOpen)
		require.NoError(t, lc.JobStarted())

		require.NoError(t, lc.Transition(RequestStateClosed))
		assert.Zero(t, lc.InFlight())
		assert.False(t, lc.Processing(), "a closed request is never processing")
	})

	t.Run("jobs only run against open requests", func(t *testing.T) {
		assert.ErrorIs(t, NewLifecycle(RequestStateDraft).JobStarted(), ErrInvalidTransition)
		assert.ErrorIs(t, NewLifecycle(RequestStateClosed).JobStarted(), ErrInvalidTransition)
		assert.ErrorIs(t, NewLifecycle(RequestStateApplied).JobStarted(), ErrInvalidTransition)
	})

	t.Run("state machine is enforced", func(t *testing.T) {
		lc := NewLifecycle(RequestStateDraft)
		assert.ErrorIs(t, lc.Transition(RequestStateApplied), ErrInvalidTransition)
		require.NoError(t, lc.Transition(RequestStateOpen))
		require.NoError(t, lc.Transition(RequestStateClosed))
		assert.ErrorIs(t, lc.Transition(RequestStateOpen), ErrInvalidTransition)
	})
}
