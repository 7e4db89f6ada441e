package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionFollowsLifecycle(t *testing.T) {
	path := []CaseStatus{StatusInit, StatusStarting, StatusStarted, StatusPending, StatusStarted, StatusStopping, StatusFinished}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
}

func TestCanTransitionPauseAndResume(t *testing.T) {
	assert.True(t, CanTransition(StatusStarted, StatusPausing))
	assert.True(t, CanTransition(StatusPausing, StatusPaused))
	assert.True(t, CanTransition(StatusPaused, StatusStarting))
	assert.True(t, CanTransition(StatusPaused, StatusStopping))

	assert.False(t, CanTransition(StatusStarted, StatusPaused), "pause must pass through PAUSING")
	assert.False(t, CanTransition(StatusStarted, StatusFinished), "cancel must pass through STOPPING")
	assert.False(t, CanTransition(StatusInit, StatusStarted))
	assert.False(t, CanTransition(StatusPaused, StatusPending), "PENDING only follows STARTED")
	assert.False(t, CanTransition(StatusPaused, StatusStarted), "resume must pass through STARTING")
}

func TestCanTransitionTerminalStates(t *testing.T) {
	for _, terminal := range TerminalStatuses() {
		for _, next := range AllStatuses() {
			if next == terminal {
				continue
			}
			assert.False(t, CanTransition(terminal, next), "%s -> %s", terminal, next)
		}
	}
	for _, s := range NonTerminalStatuses() {
		assert.True(t, CanTransition(s, StatusError))
		assert.True(t, CanTransition(s, StatusException))
	}
}

func TestNonTerminalStatuses(t *testing.T) {
	statuses := NonTerminalStatuses()
	assert.Len(t, statuses, 7)
	assert.NotContains(t, statuses, StatusFinished)
	assert.NotContains(t, statuses, StatusError)
	assert.NotContains(t, statuses, StatusException)
}

func TestParseCaseStatus(t *testing.T) {
	s, ok := ParseCaseStatus(" paused ")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, s)

	_, ok = ParseCaseStatus("RUNNING")
	assert.False(t, ok)
}

func TestValidateTransitionError(t *testing.T) {
	require.NoError(t, ValidateTransition("c1", StatusStarted, StatusPausing))

	err := ValidateTransition("c1", StatusFinished, StatusStarted)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeIllegalTransition))
}
