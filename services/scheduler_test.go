package services

import (
	"context"
	"testing"
	"time"

	"contest-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contestStatus(t *testing.T, f *fixture, id string) models.ContestStatus {
	t.Helper()
	c, err := f.repo.GetContest(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestAdvanceStatuses(t *testing.T) {
	f := newFixture(t)
	f.repo.AddContest(models.Contest{ID: "soon", Title: "soon", StartTime: t0.Add(time.Minute), EndTime: t0.Add(time.Hour), SeriesCount: 3})
	f.repo.AddContest(models.Contest{ID: "due", Title: "due", StartTime: t0.Add(-time.Minute), EndTime: t0.Add(time.Hour), SeriesCount: 3,
		Status: models.ContestStatusWaitingForPlayers})
	f.repo.AddContest(models.Contest{ID: "over", Title: "over", StartTime: t0.Add(-time.Hour), EndTime: t0, SeriesCount: 3,
		Status: models.ContestStatusInProgress})
	s := NewContestScheduler(f.repo, f.distributor, f.clock, SchedulerConfig{})

	s.AdvanceStatuses(context.Background())

	assert.Equal(t, models.ContestStatusUpcoming, contestStatus(t, f, "soon"))
	assert.Equal(t, models.ContestStatusInProgress, contestStatus(t, f, "due"))
	assert.Equal(t, models.ContestStatusCompleted, contestStatus(t, f, "over"))

	f.clock.Advance(2 * time.Minute)
	s.AdvanceStatuses(context.Background())
	assert.Equal(t, models.ContestStatusInProgress, contestStatus(t, f, "soon"))
}

func TestSweepSettlesPendingContests(t *testing.T) {
	f := settledFixture(t)
	f.completedContest("c2", 10)
	f.finisher("E", "c2", 5, 0)
	s := NewContestScheduler(f.repo, f.distributor, f.clock, SchedulerConfig{RetryAfter: 10 * time.Minute})

	s.SweepSettlements(context.Background())

	assert.Equal(t, models.PrizeStatusCompleted, prizeStatus(t, f, "c1"))
	assert.Equal(t, models.PrizeStatusCompleted, prizeStatus(t, f, "c2"))
	assert.Equal(t, "300.00", f.balance(t, "A").StringFixed(2))
	assert.Equal(t, 2, f.archiver.count())
}

func TestSweepRequeuesFailedAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.completedContest("c1", 100)
	f.finisher("A", "c1", 10, 0)
	s := NewContestScheduler(f.repo, f.distributor, f.clock, SchedulerConfig{RetryAfter: 10 * time.Minute})

	s.SweepSettlements(context.Background())
	require.Equal(t, models.PrizeStatusFailed, prizeStatus(t, f, "c1"))

	f.prizeModel("top3", `{"1": 100}`)
	f.prizeModels.Invalidate()

	f.clock.Advance(5 * time.Minute)
	s.SweepSettlements(context.Background())
	assert.Equal(t, models.PrizeStatusFailed, prizeStatus(t, f, "c1"), "too early to retry")

	f.clock.Advance(5 * time.Minute)
	s.SweepSettlements(context.Background())
	assert.Equal(t, models.PrizeStatusCompleted, prizeStatus(t, f, "c1"))
	assert.Equal(t, "100.00", f.balance(t, "A").StringFixed(2))
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	s := NewContestScheduler(f.repo, f.distributor, f.clock, SchedulerConfig{
		StatusInterval: time.Minute,
		SweepInterval:  time.Minute,
	})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
