package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
)

const reconcileAttempts = 3

// OperationLocks is the set of in-flight guarded operations, one flag per key.
type OperationLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewOperationLocks() *OperationLocks {
	return &OperationLocks{held: make(map[string]struct{})}
}

// TryLock returns a release func, or false when the key is already held.
func (l *OperationLocks) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

func (l *OperationLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}

func lockKey(op, userID, contestID string) string {
	return op + ":" + userID + ":" + contestID
}

type RoundState string

const (
	StateNoActiveRound    RoundState = "no_active_round"
	StateRoundInProgress  RoundState = "round_in_progress"
	StateRoundExpired     RoundState = "round_expired"
	StateContestCompleted RoundState = "contest_completed"
)

// LocalProgress is what the client believes. It is advisory only.
type LocalProgress struct {
	GameIndex     int        `json:"game_index"`
	GameStartTime *time.Time `json:"game_start_time,omitempty"`
}

// ProgressSnapshot is the authoritative view after one reconciliation pass.
type ProgressSnapshot struct {
	ContestID        string        `json:"contest_id"`
	UserID           string        `json:"user_id"`
	State            RoundState    `json:"state"`
	GameIndex        int           `json:"game_index"`
	SeriesCount      int           `json:"series_count"`
	GameStartTime    *time.Time    `json:"game_start_time,omitempty"`
	GameEndTime      *time.Time    `json:"game_end_time,omitempty"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds float64       `json:"remaining_seconds"`
	Score            int           `json:"score"`
	ContestEndTime   time.Time     `json:"contest_end_time"`
	Resynced         bool          `json:"resynced"`
}

// ContestProgressCoordinator keeps a user's current round in step with
// contest time. The stored row always wins over the client's view.
type ContestProgressCoordinator struct {
	repo          repository.Repository
	clock         clockwork.Clock
	locks         *OperationLocks
	roundDuration time.Duration
}

func NewContestProgressCoordinator(repo repository.Repository, clock clockwork.Clock, locks *OperationLocks, roundDuration time.Duration) *ContestProgressCoordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locks == nil {
		locks = NewOperationLocks()
	}
	return &ContestProgressCoordinator{repo: repo, clock: clock, locks: locks, roundDuration: roundDuration}
}

func (p *ContestProgressCoordinator) now() time.Time {
	return p.clock.Now().UTC().Truncate(time.Microsecond)
}

// Reconcile runs one pass of the round state machine for a user. Lost
// conditional writes are reread and retried.
func (p *ContestProgressCoordinator) Reconcile(ctx context.Context, userID, contestID string, local *LocalProgress) (*ProgressSnapshot, error) {
	release, ok := p.locks.TryLock(lockKey("reconcile", userID, contestID))
	if !ok {
		return nil, ErrOperationInProgress
	}
	defer release()

	for attempt := 1; ; attempt++ {
		contest, uc, err := p.load(ctx, userID, contestID)
		if err != nil {
			return nil, err
		}
		now := p.now()

		snap, applied, err := p.step(ctx, contest, uc, now)
		if err != nil {
			return nil, err
		}
		if applied || attempt >= reconcileAttempts {
			if !applied {
				log.Printf("[PROGRESS] ⚠️ user=%s contest=%s still contended after %d attempts, reporting stored state",
					userID, contestID, attempt)
			}
			snap.Resynced = diverged(local, snap)
			if snap.Resynced {
				log.Printf("[PROGRESS] user=%s contest=%s local index %d overridden by server index %d",
					userID, contestID, local.GameIndex, snap.GameIndex)
			}
			return snap, nil
		}
		log.Printf("[PROGRESS] user=%s contest=%s lost conditional write, rereading (attempt %d)",
			userID, contestID, attempt)
	}
}

func (p *ContestProgressCoordinator) load(ctx context.Context, userID, contestID string) (*models.Contest, *models.UserContest, error) {
	contest, err := readWithRetry(ctx, func(ctx context.Context) (*models.Contest, error) {
		return p.repo.GetContest(ctx, contestID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load contest %s: %w", contestID, err)
	}
	if contest.SeriesCount < 1 {
		return nil, nil, fmt.Errorf("contest %s has no rounds", contestID)
	}
	uc, err := readWithRetry(ctx, func(ctx context.Context) (*models.UserContest, error) {
		return p.repo.GetUserContest(ctx, userID, contestID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load progress for user %s in contest %s: %w", userID, contestID, err)
	}
	return contest, uc, nil
}

// step applies at most one transition. applied is false when a conditional
// write lost to another writer and the caller should reread.
func (p *ContestProgressCoordinator) step(ctx context.Context, contest *models.Contest, uc *models.UserContest, now time.Time) (*ProgressSnapshot, bool, error) {
	if ended(contest, now) || uc.Status == models.UserContestCompleted {
		return p.snapshot(contest, uc, StateContestCompleted, now), true, nil
	}
	if now.Before(contest.StartTime) {
		return p.snapshot(contest, uc, StateNoActiveRound, now), true, nil
	}

	if uc.CurrentGameStartTime == nil {
		target := p.appropriateIndex(contest, now)
		if target < uc.CurrentGameIndex {
			target = uc.CurrentGameIndex
		}
		ok, err := p.repo.StartRound(ctx, uc.ID, uc.CurrentGameIndex, target, now)
		if err != nil {
			return nil, false, fmt.Errorf("start round %d for user %s: %w", target, uc.UserID, err)
		}
		if !ok {
			return nil, false, nil
		}
		log.Printf("[PROGRESS] ▶️ user=%s contest=%s started round %d", uc.UserID, contest.ID, target)
		uc.CurrentGameIndex, uc.CurrentGameStartTime = target, &now
		return p.snapshot(contest, uc, StateRoundInProgress, now), true, nil
	}

	if now.Sub(*uc.CurrentGameStartTime) < p.roundDuration {
		return p.snapshot(contest, uc, StateRoundInProgress, now), true, nil
	}

	// Round expired without a submission.
	if uc.CurrentGameIndex >= contest.SeriesCount-1 {
		ok, err := p.repo.FinishUserContest(ctx, uc.ID, uc.CurrentGameIndex, now)
		if err != nil {
			return nil, false, fmt.Errorf("finish contest for user %s: %w", uc.UserID, err)
		}
		if !ok {
			return nil, false, nil
		}
		log.Printf("[PROGRESS] ⏹️ user=%s contest=%s final round %d timed out, contest completed",
			uc.UserID, contest.ID, uc.CurrentGameIndex)
		uc.Status, uc.CurrentGameStartTime, uc.CompletedAt = models.UserContestCompleted, nil, &now
		return p.snapshot(contest, uc, StateContestCompleted, now), true, nil
	}

	ok, err := p.repo.AdvanceRound(ctx, uc.ID, uc.CurrentGameIndex, *uc.CurrentGameStartTime, now)
	if err != nil {
		return nil, false, fmt.Errorf("advance round for user %s: %w", uc.UserID, err)
	}
	if !ok {
		return nil, false, nil
	}
	log.Printf("[PROGRESS] ⏭️ user=%s contest=%s round %d timed out, advanced to %d",
		uc.UserID, contest.ID, uc.CurrentGameIndex, uc.CurrentGameIndex+1)
	uc.CurrentGameIndex++
	uc.CurrentGameScore = 0
	uc.CurrentGameStartTime = &now
	return p.snapshot(contest, uc, StateRoundInProgress, now), true, nil
}

// appropriateIndex is the round a player should be on given contest time alone.
func (p *ContestProgressCoordinator) appropriateIndex(contest *models.Contest, now time.Time) int {
	elapsed := now.Sub(contest.StartTime)
	if elapsed < 0 || p.roundDuration <= 0 {
		return 0
	}
	idx := int(elapsed / p.roundDuration)
	if idx > contest.SeriesCount-1 {
		idx = contest.SeriesCount - 1
	}
	return idx
}

func (p *ContestProgressCoordinator) snapshot(contest *models.Contest, uc *models.UserContest, state RoundState, now time.Time) *ProgressSnapshot {
	snap := &ProgressSnapshot{
		ContestID:      contest.ID,
		UserID:         uc.UserID,
		State:          state,
		GameIndex:      uc.CurrentGameIndex,
		SeriesCount:    contest.SeriesCount,
		Score:          uc.Score,
		ContestEndTime: contest.EndTime,
	}
	if state == StateContestCompleted || uc.CurrentGameStartTime == nil {
		return snap
	}
	start := *uc.CurrentGameStartTime
	end := start.Add(p.roundDuration)
	snap.GameStartTime, snap.GameEndTime = &start, &end
	if rem := end.Sub(now); rem > 0 {
		snap.Remaining = rem
	} else if state == StateRoundInProgress {
		snap.State = StateRoundExpired
	}
	snap.RemainingSeconds = snap.Remaining.Seconds()
	return snap
}

func ended(contest *models.Contest, now time.Time) bool {
	return contest.Status == models.ContestStatusCompleted || now.After(contest.EndTime)
}

func diverged(local *LocalProgress, snap *ProgressSnapshot) bool {
	if local == nil || snap.State == StateContestCompleted {
		return false
	}
	if local.GameIndex != snap.GameIndex {
		return true
	}
	if (local.GameStartTime == nil) != (snap.GameStartTime == nil) {
		return true
	}
	return local.GameStartTime != nil && !local.GameStartTime.Equal(*snap.GameStartTime)
}

// Run reconciles on every tick and nudge until the user's contest is over or
// ctx is cancelled. Each snapshot is handed to onSnapshot.
func (p *ContestProgressCoordinator) Run(ctx context.Context, userID, contestID string, interval time.Duration, nudge <-chan struct{}, onSnapshot func(*ProgressSnapshot)) {
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	var local *LocalProgress
	tick := func() bool {
		snap, err := p.Reconcile(ctx, userID, contestID, local)
		switch {
		case errors.Is(err, ErrOperationInProgress):
			return true
		case err != nil:
			log.Printf("[PROGRESS] ❌ user=%s contest=%s reconcile failed: %v", userID, contestID, err)
			return !errors.Is(err, repository.ErrNotFound)
		}
		local = &LocalProgress{GameIndex: snap.GameIndex, GameStartTime: snap.GameStartTime}
		if onSnapshot != nil {
			onSnapshot(snap)
		}
		return snap.State != StateContestCompleted
	}

	if !tick() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-nudge:
		}
		if !tick() {
			return
		}
	}
}
