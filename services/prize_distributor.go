package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

var ErrContestNotFinished = errors.New("contest has not finished")

type PayoutOutcome string

const (
	PayoutPaid         PayoutOutcome = "paid"
	PayoutAlreadyPaid  PayoutOutcome = "already_paid"
	PayoutCreditFailed PayoutOutcome = "credit_failed"
	PayoutError        PayoutOutcome = "error"
)

type PayoutResult struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Outcome PayoutOutcome   `json:"outcome"`
	Error   string          `json:"error,omitempty"`
}

// SettlementReport is the record of one settlement run that actually claimed the contest.
type SettlementReport struct {
	ContestID string          `json:"contest_id"`
	Title     string          `json:"title"`
	Model     string          `json:"model"`
	PrizePool decimal.Decimal `json:"prize_pool"`
	Payouts   []PayoutResult  `json:"payouts"`
	Failures  int             `json:"failures"`
	SettledAt time.Time       `json:"settled_at"`
}

// ReportArchiver stores settlement reports outside the database.
type ReportArchiver interface {
	ArchiveSettlement(ctx context.Context, report SettlementReport) error
}

type SettlementResult struct {
	ContestID string                     `json:"contest_id"`
	Claimed   bool                       `json:"claimed"`
	Payouts   map[string]decimal.Decimal `json:"payouts"`
	Report    *SettlementReport          `json:"report,omitempty"`
}

// PrizeDistributor owns the prize_calculation_status state machine and the
// payout ledger writes.
type PrizeDistributor struct {
	repo       repository.Repository
	calculator *PrizeCalculator
	archiver   ReportArchiver
	clock      clockwork.Clock
}

func NewPrizeDistributor(repo repository.Repository, calculator *PrizeCalculator, archiver ReportArchiver, clock clockwork.Clock) *PrizeDistributor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PrizeDistributor{repo: repo, calculator: calculator, archiver: archiver, clock: clock}
}

// Distribute settles a completed contest. It is safe to call any number of
// times, concurrently or not: only the caller that moves the status from
// pending to in_progress pays anyone. Everyone else gets the computed map back.
func (d *PrizeDistributor) Distribute(ctx context.Context, contestID string) (*SettlementResult, error) {
	contest, err := readWithRetry(ctx, func(ctx context.Context) (*models.Contest, error) {
		return d.repo.GetContest(ctx, contestID)
	})
	if err != nil {
		return nil, fmt.Errorf("load contest %s: %w", contestID, err)
	}
	if contest.Status != models.ContestStatusCompleted {
		return nil, fmt.Errorf("%w: contest %s is %s", ErrContestNotFinished, contestID, contest.Status)
	}

	claimed, err := d.repo.TransitionPrizeStatus(ctx, contestID, models.PrizeStatusPending, models.PrizeStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("claim settlement for contest %s: %w", contestID, err)
	}
	if !claimed {
		log.Printf("[SETTLE] Contest %s already claimed (status=%s), computing payouts read-only",
			contestID, contest.PrizeCalculationStatus)
		_, payouts, err := d.calculator.Calculate(ctx, contest)
		if err != nil {
			return nil, err
		}
		return &SettlementResult{ContestID: contestID, Payouts: payouts}, nil
	}

	log.Printf("[SETTLE] 🏁 Claimed settlement for contest %s (%s)", contestID, contest.Title)
	return d.settle(ctx, contest)
}

func (d *PrizeDistributor) settle(ctx context.Context, contest *models.Contest) (result *SettlementResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("settlement panic: %v", r)
			d.markFailed(contest.ID, err)
		}
	}()

	_, payouts, err := d.calculator.Calculate(ctx, contest)
	if err != nil {
		d.markFailed(contest.ID, err)
		return nil, err
	}

	userIDs := make([]string, 0, len(payouts))
	for userID := range payouts {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	report := SettlementReport{
		ContestID: contest.ID,
		Title:     contest.Title,
		Model:     contest.PrizeDistributionType,
		PrizePool: contest.PrizePool,
	}
	for _, userID := range userIDs {
		res := d.payOne(ctx, contest.ID, userID, payouts[userID])
		if res.Outcome == PayoutCreditFailed || res.Outcome == PayoutError {
			report.Failures++
		}
		report.Payouts = append(report.Payouts, res)
	}

	done, err := d.repo.TransitionPrizeStatus(context.WithoutCancel(ctx), contest.ID,
		models.PrizeStatusInProgress, models.PrizeStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("complete settlement for contest %s: %w", contest.ID, err)
	}
	if !done {
		log.Printf("[SETTLE] ⚠️ Contest %s left in_progress unexpectedly before completion", contest.ID)
	}
	report.SettledAt = d.clock.Now().UTC()

	log.Printf("[SETTLE] ✅ Contest %s settled: %d payout(s), %d failure(s)",
		contest.ID, len(report.Payouts), report.Failures)

	if d.archiver != nil {
		if err := d.archiver.ArchiveSettlement(ctx, report); err != nil {
			log.Printf("[SETTLE] ⚠️ Failed to archive report for contest %s: %v", contest.ID, err)
		}
	}
	return &SettlementResult{ContestID: contest.ID, Claimed: true, Payouts: payouts, Report: &report}, nil
}

// payOne writes the ledger row before touching the balance so a crash in
// between leaves a visible transaction without a matching credit.
func (d *PrizeDistributor) payOne(ctx context.Context, contestID, userID string, amount decimal.Decimal) PayoutResult {
	res := PayoutResult{UserID: userID, Amount: amount}
	fail := func(stage string, err error) PayoutResult {
		log.Printf("[SETTLE] ❌ contest=%s user=%s stage=%s: %v", contestID, userID, stage, err)
		res.Outcome = PayoutError
		res.Error = fmt.Sprintf("%s: %v", stage, err)
		return res
	}

	existing, err := d.repo.FindTransaction(ctx, userID, contestID, models.TransactionPrizePayout)
	switch {
	case err == nil:
		log.Printf("[SETTLE] contest=%s user=%s already paid (tx=%s, status=%s)",
			contestID, userID, existing.ID, existing.Status)
		res.Outcome = PayoutAlreadyPaid
		return res
	case !errors.Is(err, repository.ErrNotFound):
		return fail("lookup", err)
	}

	tx := &models.WalletTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionPrizePayout,
		ReferenceID: contestID,
		Status:      models.TransactionCompleted,
	}

	profile, err := d.repo.GetProfile(ctx, userID)
	if err != nil {
		// Leave a failed row so payout reconciliation picks the user up later.
		tx.Status = models.TransactionFailed
		if _, insErr := d.repo.InsertTransaction(ctx, tx); insErr != nil {
			log.Printf("[SETTLE] ❌ contest=%s user=%s could not record failed payout: %v", contestID, userID, insErr)
		}
		return fail("profile", err)
	}

	inserted, err := d.repo.InsertTransaction(ctx, tx)
	if err != nil {
		return fail("insert", err)
	}
	if !inserted {
		res.Outcome = PayoutAlreadyPaid
		return res
	}

	if err := d.repo.CreditWallet(ctx, userID, amount); err != nil {
		log.Printf("[SETTLE] ❌ contest=%s user=%s stage=credit tx=%s: %v", contestID, userID, tx.ID, err)
		if _, markErr := d.repo.SetTransactionStatus(context.WithoutCancel(ctx), tx.ID,
			models.TransactionCompleted, models.TransactionFailed); markErr != nil {
			log.Printf("[SETTLE] ❌ contest=%s user=%s could not mark tx %s failed: %v",
				contestID, userID, tx.ID, markErr)
		}
		res.Outcome = PayoutCreditFailed
		res.Error = err.Error()
		return res
	}

	log.Printf("[SETTLE] 💰 contest=%s user=%s paid %s (balance before %s)",
		contestID, userID, amount.StringFixed(2), profile.WalletBalance.StringFixed(2))
	res.Outcome = PayoutPaid
	return res
}

func (d *PrizeDistributor) markFailed(contestID string, cause error) {
	log.Printf("[SETTLE] ❌ Settlement of contest %s failed: %v", contestID, cause)
	ok, err := d.repo.TransitionPrizeStatus(context.Background(), contestID,
		models.PrizeStatusInProgress, models.PrizeStatusFailed)
	if err != nil {
		log.Printf("[SETTLE] ❌ Could not mark contest %s failed: %v", contestID, err)
	} else if !ok {
		log.Printf("[SETTLE] ⚠️ Contest %s was no longer in_progress when marking failed", contestID)
	}
}

// RequeueFailed puts a failed settlement back to pending so the next
// Distribute call can claim it.
func (d *PrizeDistributor) RequeueFailed(ctx context.Context, contestID string) (bool, error) {
	return d.repo.TransitionPrizeStatus(ctx, contestID, models.PrizeStatusFailed, models.PrizeStatusPending)
}
