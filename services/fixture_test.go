package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const roundDuration = 30 * time.Second

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingArchiver struct {
	mu      sync.Mutex
	reports []SettlementReport
}

func (a *recordingArchiver) ArchiveSettlement(_ context.Context, r SettlementReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reports)
}

type fixture struct {
	clock       *clockwork.FakeClock
	repo        *repository.MemoryRepository
	locks       *OperationLocks
	archiver    *recordingArchiver
	prizeModels *PrizeModelCache
	rules       *RulesCache
	leaderboard *LeaderboardProvider
	calculator  *PrizeCalculator
	distributor *PrizeDistributor
	coordinator *ContestProgressCoordinator
	sessions    *GameSessionHandler
	watcher     *ContestCompletionWatcher
	contests    *ContestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	repo := repository.NewMemoryRepository(clock)
	f := &fixture{
		clock:    clock,
		repo:     repo,
		locks:    NewOperationLocks(),
		archiver: &recordingArchiver{},
	}
	f.prizeModels = NewPrizeModelCache(repo, clock, 5*time.Minute)
	f.rules = NewRulesCache(repo, clock, 5*time.Minute)
	f.leaderboard = NewLeaderboardProvider(repo)
	f.calculator = NewPrizeCalculator(f.prizeModels, f.leaderboard)
	f.distributor = NewPrizeDistributor(repo, f.calculator, f.archiver, clock)
	f.coordinator = NewContestProgressCoordinator(repo, clock, f.locks, roundDuration)
	f.sessions = NewGameSessionHandler(repo, NewScoringEngine(f.rules, roundDuration), clock, f.locks)
	f.watcher = NewContestCompletionWatcher(repo, clock)
	f.contests = NewContestService(repo, f.leaderboard, f.distributor, clock)
	return f
}

// activeContest is in progress, started at t0, ends an hour later.
func (f *fixture) activeContest(id string, series int) models.Contest {
	c := models.Contest{
		ID:                    id,
		Title:                 "Contest " + id,
		StartTime:             t0,
		EndTime:               t0.Add(time.Hour),
		SeriesCount:           series,
		PrizePool:             decimal.NewFromInt(1000),
		PrizeDistributionType: "top3",
		Status:                models.ContestStatusInProgress,
	}
	f.repo.AddContest(c)
	return c
}

func (f *fixture) completedContest(id string, pool int64) models.Contest {
	c := models.Contest{
		ID:                    id,
		Title:                 "Contest " + id,
		StartTime:             t0.Add(-2 * time.Hour),
		EndTime:               t0.Add(-time.Hour),
		SeriesCount:           3,
		PrizePool:             decimal.NewFromInt(pool),
		PrizeDistributionType: "top3",
		Status:                models.ContestStatusCompleted,
	}
	f.repo.AddContest(c)
	return c
}

func (f *fixture) prizeModel(name, rules string) {
	f.repo.AddPrizeModel(models.PrizeDistributionModel{
		Name:              name,
		DistributionRules: datatypes.JSON(rules),
		IsActive:          true,
	})
}

// finisher adds a profile and a completed entry with the given total score.
func (f *fixture) finisher(userID, contestID string, score int, finishedAfter time.Duration) {
	f.repo.AddProfile(models.Profile{ID: userID, Username: "user-" + userID, WalletBalance: decimal.Zero})
	done := t0.Add(-time.Hour - 30*time.Minute + finishedAfter)
	f.repo.AddUserContest(models.UserContest{
		UserID:           userID,
		ContestID:        contestID,
		Status:           models.UserContestCompleted,
		CurrentGameIndex: 2,
		Score:            score,
		CompletedAt:      &done,
	})
}

func (f *fixture) joined(userID, contestID string, mut func(*models.UserContest)) {
	uc := models.UserContest{UserID: userID, ContestID: contestID, Status: models.UserContestActive}
	if mut != nil {
		mut(&uc)
	}
	f.repo.AddUserContest(uc)
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	p, err := f.repo.GetProfile(context.Background(), userID)
	if err != nil {
		t.Fatalf("profile %s: %v", userID, err)
	}
	return p.WalletBalance
}

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
