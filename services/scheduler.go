// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const sweepParallelism = 4

type SchedulerConfig struct {
	StatusInterval time.Duration
	SweepInterval  time.Duration
	RetryAfter     time.Duration
}

// ContestScheduler moves contests through their lifecycle and settles the
// ones that finished.
type ContestScheduler struct {
	repo        repository.Repository
	distributor *PrizeDistributor
	clock       clockwork.Clock
	cfg         SchedulerConfig
	sched       gocron.Scheduler
}

func NewContestScheduler(repo repository.Repository, distributor *PrizeDistributor, clock clockwork.Clock, cfg SchedulerConfig) *ContestScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &ContestScheduler{repo: repo, distributor: distributor, clock: clock, cfg: cfg}
}

func (s *ContestScheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return err
	}

	// Contest status transitions
	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.StatusInterval),
		gocron.NewTask(func() { s.AdvanceStatuses(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	// Settlement sweep
	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() { s.SweepSettlements(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	sched.Start()
	s.sched = sched
	log.Printf("[Scheduler] Started (status every %s, settlement sweep every %s)",
		s.cfg.StatusInterval, s.cfg.SweepInterval)
	return nil
}

func (s *ContestScheduler) Stop() {
	if s.sched == nil {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
}

// AdvanceStatuses starts contests whose start time passed and completes
// contests whose end time passed. Each move is conditional on the old status.
func (s *ContestScheduler) AdvanceStatuses(ctx context.Context) {
	now := s.clock.Now().UTC()

	toStart, err := s.repo.ListContestsToStart(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] DB error listing contests to start: %v", err)
	}
	for _, c := range toStart {
		ok, err := s.repo.TransitionContestStatus(ctx, c.ID,
			[]models.ContestStatus{models.ContestStatusUpcoming, models.ContestStatusWaitingForPlayers},
			models.ContestStatusInProgress)
		if err != nil {
			log.Printf("[Scheduler] Failed to start contest %s: %v", c.ID, err)
		} else if ok {
			log.Printf("✅ Contest started: %s", c.Title)
		}
	}

	toFinish, err := s.repo.ListContestsToFinish(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] DB error listing contests to finish: %v", err)
	}
	for _, c := range toFinish {
		ok, err := s.repo.TransitionContestStatus(ctx, c.ID,
			[]models.ContestStatus{models.ContestStatusInProgress}, models.ContestStatusCompleted)
		if err != nil {
			log.Printf("[Scheduler] Failed to complete contest %s: %v", c.ID, err)
		} else if ok {
			log.Printf("🏁 Contest completed: %s", c.Title)
		}
	}
}

// SweepSettlements requeues settlements that failed long enough ago, then
// settles every completed contest still pending.
func (s *ContestScheduler) SweepSettlements(ctx context.Context) {
	if s.cfg.RetryAfter > 0 {
		failed, err := s.repo.ListFailedSettlements(ctx, s.clock.Now().UTC().Add(-s.cfg.RetryAfter))
		if err != nil {
			log.Printf("[SWEEP] DB error listing failed settlements: %v", err)
		}
		for _, c := range failed {
			if ok, err := s.distributor.RequeueFailed(ctx, c.ID); err != nil {
				log.Printf("[SWEEP] Failed to requeue contest %s: %v", c.ID, err)
			} else if ok {
				log.Printf("[SWEEP] 🔁 Requeued failed settlement for contest %s", c.ID)
			}
		}
	}

	pending, err := s.repo.ListContestsAwaitingSettlement(ctx)
	if err != nil {
		log.Printf("[SWEEP] DB error listing pending settlements: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	log.Printf("[SWEEP] Settling %d contest(s)", len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, c := range pending {
		contestID := c.ID
		g.Go(func() error {
			// One failed contest must not cancel the others.
			if _, err := s.distributor.Distribute(gctx, contestID); err != nil {
				log.Printf("[SWEEP] ❌ Settlement of contest %s: %v", contestID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
