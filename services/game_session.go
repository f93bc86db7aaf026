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

// RoundSubmission is what the game UI sends when a mini-game finishes, either
// by the player answering or by the round timing out (IsCorrect false).
type RoundSubmission struct {
	GameIndex      int            `json:"game_index"`
	IsCorrect      bool           `json:"is_correct"`
	TimeTaken      float64        `json:"time_taken"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	// Category is only used when the contest has no game mapped at this index.
	Category string `json:"category,omitempty"`
}

type RoundResult struct {
	Score         int  `json:"score"`
	IsFinalGame   bool `json:"is_final_game"`
	NextGameIndex int  `json:"next_game_index"`
	TotalScore    int  `json:"total_score"`
}

type GameSessionHandler struct {
	repo    repository.Repository
	scoring *ScoringEngine
	clock   clockwork.Clock
	locks   *OperationLocks
}

func NewGameSessionHandler(repo repository.Repository, scoring *ScoringEngine, clock clockwork.Clock, locks *OperationLocks) *GameSessionHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locks == nil {
		locks = NewOperationLocks()
	}
	return &GameSessionHandler{repo: repo, scoring: scoring, clock: clock, locks: locks}
}

// CompleteRound scores and records one finished round, then moves the user to
// the next one. A submission for any round other than the stored current one
// is rejected with *StaleIndexError and nothing is counted.
func (h *GameSessionHandler) CompleteRound(ctx context.Context, userID, contestID string, sub RoundSubmission) (*RoundResult, error) {
	release, ok := h.locks.TryLock(lockKey("complete", userID, contestID))
	if !ok {
		return nil, ErrOperationInProgress
	}
	defer release()

	contest, err := readWithRetry(ctx, func(ctx context.Context) (*models.Contest, error) {
		return h.repo.GetContest(ctx, contestID)
	})
	if err != nil {
		return nil, h.readFailure("load contest", contestID, userID, err)
	}
	uc, err := readWithRetry(ctx, func(ctx context.Context) (*models.UserContest, error) {
		return h.repo.GetUserContest(ctx, userID, contestID)
	})
	if err != nil {
		return nil, h.readFailure("load user contest", contestID, userID, err)
	}

	now := h.clock.Now().UTC().Truncate(time.Microsecond)
	if ended(contest, now) {
		return nil, ErrContestCompleted
	}
	if now.Before(contest.StartTime) {
		return nil, ErrContestNotStarted
	}
	if uc.Status == models.UserContestCompleted {
		return nil, ErrRoundClosed
	}
	if uc.CurrentGameIndex != sub.GameIndex {
		log.Printf("[ROUND] user=%s contest=%s submitted round %d but server is on %d, resync",
			userID, contestID, sub.GameIndex, uc.CurrentGameIndex)
		return nil, &StaleIndexError{ClientIndex: sub.GameIndex, ServerIndex: uc.CurrentGameIndex}
	}

	idx := uc.CurrentGameIndex
	contentID, category := h.roundContent(ctx, contestID, idx, sub.Category)
	score := h.scoring.Score(ctx, category, sub.IsCorrect, sub.TimeTaken, sub.AdditionalData)
	isFinal := idx == contest.SeriesCount-1

	completion := repository.RoundCompletion{
		ExpectedIndex: idx,
		NextIndex:     idx,
		RoundScore:    score,
		Final:         isFinal,
		At:            now,
	}
	if !isFinal {
		completion.NextIndex = idx + 1
		completion.NextStart = &now
	}

	applied, err := h.repo.RecordRoundCompletion(ctx, uc.ID, completion)
	if err != nil {
		log.Printf("[ROUND] ❌ user=%s contest=%s round=%d update failed: %v", userID, contestID, idx, err)
		return nil, fmt.Errorf("%w: %v", ErrSaveProgressFailed, err)
	}
	if !applied {
		return nil, h.lostRace(ctx, userID, contestID, idx)
	}

	startedAt := now
	if sub.StartedAt != nil {
		startedAt = sub.StartedAt.UTC()
	} else if uc.CurrentGameStartTime != nil {
		startedAt = *uc.CurrentGameStartTime
	}
	inserted, err := h.repo.InsertProgress(ctx, &models.PlayerGameProgress{
		UserID:        userID,
		ContestID:     contestID,
		GameContentID: contentID,
		Score:         score,
		TimeTaken:     sub.TimeTaken,
		StartedAt:     startedAt,
		CompletedAt:   now,
		IsCorrect:     sub.IsCorrect,
	})
	if err != nil {
		log.Printf("[ROUND] ❌ user=%s contest=%s round=%d progress insert failed: %v", userID, contestID, idx, err)
		return nil, fmt.Errorf("%w: %v", ErrSaveProgressFailed, err)
	}
	if !inserted {
		log.Printf("[ROUND] user=%s contest=%s round=%d progress already recorded", userID, contestID, idx)
	}

	log.Printf("[ROUND] ✅ user=%s contest=%s round=%d score=%d final=%t", userID, contestID, idx, score, isFinal)
	return &RoundResult{
		Score:         score,
		IsFinalGame:   isFinal,
		NextGameIndex: completion.NextIndex,
		TotalScore:    uc.Score + score,
	}, nil
}

func (h *GameSessionHandler) roundContent(ctx context.Context, contestID string, idx int, fallbackCategory string) (string, string) {
	game, err := h.repo.GetContestGame(ctx, contestID, idx)
	if err == nil {
		return game.GameContentID, game.Category
	}
	if !errors.Is(err, repository.ErrNotFound) {
		log.Printf("[ROUND] ⚠️ contest=%s round=%d game lookup failed: %v", contestID, idx, err)
	}
	return fmt.Sprintf("%s:round-%d", contestID, idx), fallbackCategory
}

// lostRace rereads after a conditional write missed and reports why.
func (h *GameSessionHandler) lostRace(ctx context.Context, userID, contestID string, idx int) error {
	uc, err := h.repo.GetUserContest(ctx, userID, contestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveProgressFailed, err)
	}
	if uc.Status == models.UserContestCompleted {
		return ErrRoundClosed
	}
	log.Printf("[ROUND] user=%s contest=%s round %d moved on to %d underneath us",
		userID, contestID, idx, uc.CurrentGameIndex)
	return &StaleIndexError{ClientIndex: idx, ServerIndex: uc.CurrentGameIndex}
}

func (h *GameSessionHandler) readFailure(stage, contestID, userID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	log.Printf("[ROUND] ❌ user=%s contest=%s %s: %v", userID, contestID, stage, err)
	return fmt.Errorf("%w: %s: %v", ErrSaveProgressFailed, stage, err)
}
