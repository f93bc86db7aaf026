package services

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"contest-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userContest(t *testing.T, f *fixture, userID, contestID string) *models.UserContest {
	t.Helper()
	uc, err := f.repo.GetUserContest(context.Background(), userID, contestID)
	require.NoError(t, err)
	return uc
}

func TestReconcileLateJoinerLandsOnCurrentRound(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 5)
	f.joined("u1", "c1", nil)
	f.clock.Advance(95 * time.Second)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)

	assert.Equal(t, StateRoundInProgress, snap.State)
	assert.Equal(t, 3, snap.GameIndex)
	require.NotNil(t, snap.GameStartTime)
	assert.True(t, snap.GameStartTime.Equal(f.clock.Now()))
	assert.True(t, snap.GameEndTime.Equal(f.clock.Now().Add(roundDuration)))
	assert.Equal(t, roundDuration, snap.Remaining)

	uc := userContest(t, f, "u1", "c1")
	assert.Equal(t, 3, uc.CurrentGameIndex)
	require.NotNil(t, uc.CurrentGameStartTime)
}

func TestReconcileClampsToLastRound(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 5)
	f.joined("u1", "c1", nil)
	f.clock.Advance(20 * time.Minute)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.GameIndex)
}

func TestReconcileNeverMovesIndexBackwards(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 5)
	f.joined("u1", "c1", func(uc *models.UserContest) { uc.CurrentGameIndex = 3 })
	f.clock.Advance(40 * time.Second) // time alone says round 1

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.GameIndex)
}

func TestReconcileAutoAdvancesExpiredRound(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 5)
	start := t0.Add(10 * time.Second)
	f.joined("u1", "c1", func(uc *models.UserContest) {
		uc.CurrentGameIndex = 1
		uc.CurrentGameStartTime = &start
		uc.CurrentGameScore = 40
	})
	f.clock.Advance(10*time.Second + 31*time.Second)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)

	assert.Equal(t, StateRoundInProgress, snap.State)
	assert.Equal(t, 2, snap.GameIndex)
	uc := userContest(t, f, "u1", "c1")
	assert.Equal(t, 2, uc.CurrentGameIndex)
	assert.Equal(t, 0, uc.CurrentGameScore)
	assert.True(t, uc.CurrentGameStartTime.Equal(f.clock.Now()))
}

func TestReconcileFinalRoundTimeoutCompletesContest(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	start := t0
	f.joined("u1", "c1", func(uc *models.UserContest) {
		uc.CurrentGameIndex = 2
		uc.CurrentGameStartTime = &start
		uc.Score = 120
	})
	f.clock.Advance(30 * time.Second)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)

	assert.Equal(t, StateContestCompleted, snap.State)
	uc := userContest(t, f, "u1", "c1")
	assert.Equal(t, models.UserContestCompleted, uc.Status)
	assert.Equal(t, 2, uc.CurrentGameIndex)
	assert.Equal(t, 120, uc.Score)
	assert.Nil(t, uc.CurrentGameStartTime)
	require.NotNil(t, uc.CompletedAt)
}

func TestReconcileServerWinsOverLocalState(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 5)
	start := t0.Add(60 * time.Second)
	f.joined("u1", "c1", func(uc *models.UserContest) {
		uc.CurrentGameIndex = 2
		uc.CurrentGameStartTime = &start
	})
	f.clock.Advance(70 * time.Second)

	localStart := t0
	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1",
		&LocalProgress{GameIndex: 0, GameStartTime: &localStart})
	require.NoError(t, err)

	assert.True(t, snap.Resynced)
	assert.Equal(t, 2, snap.GameIndex)
	assert.True(t, snap.GameStartTime.Equal(start))
	assert.Equal(t, 20*time.Second, snap.Remaining)

	snap, err = f.coordinator.Reconcile(context.Background(), "u1", "c1",
		&LocalProgress{GameIndex: 2, GameStartTime: &start})
	require.NoError(t, err)
	assert.False(t, snap.Resynced)
}

func TestReconcileCompletedContestDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	f.completedContest("c1", 100)
	f.joined("u1", "c1", nil)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateContestCompleted, snap.State)
	assert.Nil(t, userContest(t, f, "u1", "c1").CurrentGameStartTime)
}

func TestReconcileBeforeStartWaits(t *testing.T) {
	f := newFixture(t)
	f.repo.AddContest(models.Contest{
		ID: "c1", Title: "later", StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour),
		SeriesCount: 3, Status: models.ContestStatusUpcoming,
	})
	f.joined("u1", "c1", nil)

	snap, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateNoActiveRound, snap.State)
	assert.Nil(t, userContest(t, f, "u1", "c1").CurrentGameStartTime)
}

func TestReconcileRejectsOverlappingRuns(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	f.joined("u1", "c1", nil)

	release, ok := f.locks.TryLock(lockKey("reconcile", "u1", "c1"))
	require.True(t, ok)

	_, err := f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	assert.ErrorIs(t, err, ErrOperationInProgress)

	release()
	_, err = f.coordinator.Reconcile(context.Background(), "u1", "c1", nil)
	assert.NoError(t, err)
	assert.False(t, f.locks.Held(lockKey("reconcile", "u1", "c1")))
}

func TestReconcileIndexIsMonotonicAndBounded(t *testing.T) {
	f := newFixture(t)
	const series = 4
	f.activeContest("c1", series)
	f.joined("u1", "c1", nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	prev := 0
	for i := 0; i < 300; i++ {
		f.clock.Advance(time.Duration(rng.Intn(20)) * time.Second)

		if rng.Intn(3) == 0 {
			uc := userContest(t, f, "u1", "c1")
			_, _ = f.sessions.CompleteRound(ctx, "u1", "c1", RoundSubmission{
				GameIndex: uc.CurrentGameIndex, IsCorrect: true, TimeTaken: 3,
			})
		}

		snap, err := f.coordinator.Reconcile(ctx, "u1", "c1", nil)
		require.NoError(t, err)

		uc := userContest(t, f, "u1", "c1")
		require.GreaterOrEqual(t, uc.CurrentGameIndex, prev)
		require.LessOrEqual(t, uc.CurrentGameIndex, series-1)
		prev = uc.CurrentGameIndex
		if uc.Status == models.UserContestCompleted {
			assert.Equal(t, StateContestCompleted, snap.State)
			return
		}
	}
}

func TestRunStopsWhenContestCompletes(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 1)
	start := t0
	f.joined("u1", "c1", func(uc *models.UserContest) { uc.CurrentGameStartTime = &start })
	f.clock.Advance(time.Minute)

	var seen []RoundState
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coordinator.Run(context.Background(), "u1", "c1", 5*time.Second, nil, func(s *ProgressSnapshot) {
			seen = append(seen, s.State)
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after completion")
	}
	assert.Equal(t, []RoundState{StateContestCompleted}, seen)
}

func TestRunReconcilesOnNudge(t *testing.T) {
	f := newFixture(t)
	f.activeContest("c1", 3)
	f.joined("u1", "c1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snaps := make(chan *ProgressSnapshot, 4)
	nudge := make(chan struct{})
	go f.coordinator.Run(ctx, "u1", "c1", time.Hour, nudge, func(s *ProgressSnapshot) { snaps <- s })

	first := <-snaps
	assert.Equal(t, 0, first.GameIndex)

	f.clock.Advance(31 * time.Second)
	nudge <- struct{}{}
	second := <-snaps
	assert.Equal(t, 1, second.GameIndex)
}
