package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
)

// ContestService covers joining and the leaderboard page.
type ContestService struct {
	repo        repository.Repository
	leaderboard *LeaderboardProvider
	distributor *PrizeDistributor
	clock       clockwork.Clock
}

func NewContestService(repo repository.Repository, leaderboard *LeaderboardProvider, distributor *PrizeDistributor, clock clockwork.Clock) *ContestService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ContestService{repo: repo, leaderboard: leaderboard, distributor: distributor, clock: clock}
}

// Join debits the entry fee and creates the user's progress row in one step.
// It fails with repository.ErrContestFull, ErrAlreadyJoined,
// ErrInsufficientBalance or ErrContestClosed.
func (s *ContestService) Join(ctx context.Context, userID, contestID string) (*models.UserContest, error) {
	uc, err := s.repo.JoinContest(ctx, userID, contestID, s.clock.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		log.Printf("[JOIN] user=%s contest=%s rejected: %v", userID, contestID, err)
		return nil, err
	}
	log.Printf("[JOIN] ✅ user=%s joined contest=%s", userID, contestID)
	return uc, nil
}

type LeaderboardView struct {
	ContestID string                    `json:"contest_id"`
	Status    models.ContestStatus      `json:"status"`
	Settled   bool                      `json:"settled"`
	Entries   []models.LeaderboardEntry `json:"entries"`
}

// Leaderboard returns standings. For a completed contest it also runs the
// idempotent settlement and attaches each winner's prize.
func (s *ContestService) Leaderboard(ctx context.Context, contestID string) (*LeaderboardView, error) {
	contest, err := readWithRetry(ctx, func(ctx context.Context) (*models.Contest, error) {
		return s.repo.GetContest(ctx, contestID)
	})
	if err != nil {
		return nil, fmt.Errorf("load contest %s: %w", contestID, err)
	}
	entries, err := s.leaderboard.GetLeaderboard(ctx, contestID)
	if err != nil {
		return nil, err
	}
	view := &LeaderboardView{ContestID: contestID, Status: contest.Status, Entries: entries}
	if contest.Status != models.ContestStatusCompleted {
		return view, nil
	}

	result, err := s.distributor.Distribute(ctx, contestID)
	if err != nil {
		// Standings are still worth showing without prizes.
		log.Printf("[LEADERBOARD] ⚠️ contest=%s settlement unavailable: %v", contestID, err)
		return view, nil
	}
	AttachPrizes(view.Entries, result.Payouts)
	view.Settled = result.Claimed || contest.PrizeCalculationStatus == models.PrizeStatusCompleted
	return view, nil
}
