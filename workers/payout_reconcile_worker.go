package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
)

// PayoutReconciler retries prize payouts whose wallet credit failed after the
// ledger row was written.
type PayoutReconciler struct {
	repo      repository.Repository
	clock     clockwork.Clock
	batchSize int
}

func NewPayoutReconciler(repo repository.Repository, clock clockwork.Clock, batchSize int) *PayoutReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PayoutReconciler{repo: repo, clock: clock, batchSize: batchSize}
}

// ReconcileOnce handles one batch and reports how many payouts were repaired
// and how many still fail.
func (r *PayoutReconciler) ReconcileOnce(ctx context.Context) (repaired, stillFailing int, err error) {
	txs, err := r.repo.ListFailedPayouts(ctx, r.batchSize)
	if err != nil {
		return 0, 0, err
	}
	for _, tx := range txs {
		ok, err := r.repo.RetryFailedPayout(ctx, tx.ID)
		switch {
		case err != nil:
			stillFailing++
			if errors.Is(err, repository.ErrNotFound) {
				log.Printf("[RECONCILE] ⚠️ tx=%s user=%s contest=%s has no profile to credit",
					tx.ID, tx.UserID, tx.ReferenceID)
			} else {
				log.Printf("[RECONCILE] ❌ tx=%s user=%s contest=%s retry failed: %v",
					tx.ID, tx.UserID, tx.ReferenceID, err)
			}
		case ok:
			repaired++
			log.Printf("[RECONCILE] ✅ tx=%s credited %s to user=%s for contest=%s",
				tx.ID, tx.Amount.StringFixed(2), tx.UserID, tx.ReferenceID)
		}
	}
	return repaired, stillFailing, nil
}

// PollFailedPayouts runs ReconcileOnce on every tick until ctx is done.
func PollFailedPayouts(ctx context.Context, r *PayoutReconciler, pollInterval time.Duration) {
	log.Println("Starting failed payout reconciliation...")

	ticker := r.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Payout reconciliation stopped.")
			return
		case <-ticker.Chan():
			repaired, failing, err := r.ReconcileOnce(ctx)
			if err != nil {
				log.Printf("❌ Error listing failed payouts: %v", err)
				continue
			}
			if repaired+failing > 0 {
				log.Printf("[RECONCILE] %d payout(s) repaired, %d still failing", repaired, failing)
			}
		}
	}
}
