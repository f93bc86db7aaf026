package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
)

const (
	MessageFinalResults = "final results"
	MessageContestEnded = "contest ended"
)

type CompletionStatus struct {
	ContestID          string               `json:"contest_id"`
	Status             models.ContestStatus `json:"status"`
	EndTime            time.Time            `json:"end_time"`
	Ended              bool                 `json:"ended"`
	AllRoundsCompleted bool                 `json:"all_rounds_completed"`
	Message            string               `json:"message,omitempty"`
	Redirect           string               `json:"redirect,omitempty"`
}

// ContestCompletionWatcher detects that a contest is over. It only reads.
type ContestCompletionWatcher struct {
	repo  repository.Repository
	clock clockwork.Clock
}

func NewContestCompletionWatcher(repo repository.Repository, clock clockwork.Clock) *ContestCompletionWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ContestCompletionWatcher{repo: repo, clock: clock}
}

func LeaderboardPath(contestID string) string {
	return fmt.Sprintf("/contests/%s/leaderboard", contestID)
}

func (w *ContestCompletionWatcher) Check(ctx context.Context, userID, contestID string) (*CompletionStatus, error) {
	contest, err := readWithRetry(ctx, func(ctx context.Context) (*models.Contest, error) {
		return w.repo.GetContest(ctx, contestID)
	})
	if err != nil {
		return nil, fmt.Errorf("load contest %s: %w", contestID, err)
	}
	st := &CompletionStatus{ContestID: contestID, Status: contest.Status, EndTime: contest.EndTime}
	now := w.clock.Now().UTC()
	if !ended(contest, now) {
		return st, nil
	}

	st.Ended = true
	st.Redirect = LeaderboardPath(contestID)
	st.Message = MessageContestEnded
	uc, err := w.repo.GetUserContest(ctx, userID, contestID)
	switch {
	case err == nil:
		if uc.Status == models.UserContestCompleted {
			st.AllRoundsCompleted = true
			st.Message = MessageFinalResults
		}
	case !errors.Is(err, repository.ErrNotFound):
		log.Printf("[WATCH] ⚠️ user=%s contest=%s could not read progress: %v", userID, contestID, err)
	}
	return st, nil
}

// Watch polls on every tick and nudge until the contest has ended, then calls
// onEnded once. Transient read errors are logged and the next tick retries.
func (w *ContestCompletionWatcher) Watch(ctx context.Context, userID, contestID string, interval time.Duration, nudge <-chan struct{}, onEnded func(*CompletionStatus)) error {
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := w.Check(ctx, userID, contestID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return err
		case err != nil:
			log.Printf("[WATCH] ❌ user=%s contest=%s check failed: %v", userID, contestID, err)
		case st.Ended:
			log.Printf("[WATCH] 🏁 user=%s contest=%s ended (%s)", userID, contestID, st.Message)
			if onEnded != nil {
				onEnded(st)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		case <-nudge:
		}
	}
}
