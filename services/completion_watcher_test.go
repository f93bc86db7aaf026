package services

import (
	"context"
	"testing"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRunningContest(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)

	st, err := f.watcher.Check(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.False(t, st.Ended)
	assert.Empty(t, st.Redirect)
}

func TestCheckEndedByTime(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	f.joined("u1", "c1", nil)
	f.clock.Advance(time.Hour + time.Millisecond)

	st, err := f.watcher.Check(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, st.Ended)
	assert.Equal(t, models.ContestStatusInProgress, st.Status, "status flips later, time already decides")
	assert.Equal(t, MessageContestEnded, st.Message)
	assert.Equal(t, "/contests/c1/leaderboard", st.Redirect)
}

func TestCheckFinishedPlayerGetsFinalResults(t *testing.T) {
	f := newFixture(t)
	f.completedContest("c1", 100)
	f.finisher("u1", "c1", 50, 0)

	st, err := f.watcher.Check(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, st.AllRoundsCompleted)
	assert.Equal(t, MessageFinalResults, st.Message)

	other, err := f.watcher.Check(context.Background(), "spectator", "c1")
	require.NoError(t, err)
	assert.True(t, other.Ended)
	assert.Equal(t, MessageContestEnded, other.Message)
}

func TestCheckUnknownContest(t *testing.T) {
	f := newFixture(t)
	_, err := f.watcher.Check(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWatchReturnsImmediatelyWhenEnded(t *testing.T) {
	f := newFixture(t)
	f.completedContest("c1", 100)

	var got *CompletionStatus
	err := f.watcher.Watch(context.Background(), "u1", "c1", time.Second, nil, func(st *CompletionStatus) { got = st })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Ended)
}

func TestWatchFiresOnceAfterStatusFlip(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	nudge := make(chan struct{}, 1)
	calls := 0
	done := make(chan error, 1)

	go func() {
		done <- f.watcher.Watch(context.Background(), "u1", "c1", time.Minute, nudge, func(*CompletionStatus) { calls++ })
	}()

	// Wait for the watcher to park on its ticker before changing anything.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	_, err := f.repo.TransitionContestStatus(context.Background(), "c1",
		[]models.ContestStatus{models.ContestStatusInProgress}, models.ContestStatusCompleted)
	require.NoError(t, err)
	nudge <- struct{}{}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not notice the contest ending")
	}
	assert.Equal(t, 1, calls)
}

func TestWatchStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.watcher.Watch(ctx, "u1", "c1", time.Minute, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
