package repository

import (
	"context"
	"errors"
	"time"

	"contest-engine/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrContestFull         = errors.New("contest is full")
	ErrContestClosed       = errors.New("contest is no longer accepting players")
	ErrAlreadyJoined       = errors.New("user already joined contest")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)

// RoundCompletion describes the conditional write made when a player finishes a round.
// The write only applies while the row is active and still at ExpectedIndex.
type RoundCompletion struct {
	ExpectedIndex int
	NextIndex     int
	RoundScore    int
	NextStart     *time.Time
	Final         bool
	At            time.Time
}

// Repository is the shared relational store. Every mutation of contest and
// user-contest rows is conditional on the expected prior state and reports
// whether it applied; a false result means another writer got there first.
type Repository interface {
	GetContest(ctx context.Context, contestID string) (*models.Contest, error)
	GetContestGame(ctx context.Context, contestID string, gameIndex int) (*models.ContestGame, error)
	ListContestsToStart(ctx context.Context, now time.Time) ([]models.Contest, error)
	ListContestsToFinish(ctx context.Context, now time.Time) ([]models.Contest, error)
	ListContestsAwaitingSettlement(ctx context.Context) ([]models.Contest, error)
	ListFailedSettlements(ctx context.Context, updatedBefore time.Time) ([]models.Contest, error)
	TransitionContestStatus(ctx context.Context, contestID string, from []models.ContestStatus, to models.ContestStatus) (bool, error)
	TransitionPrizeStatus(ctx context.Context, contestID string, from, to models.PrizeCalculationStatus) (bool, error)

	JoinContest(ctx context.Context, userID, contestID string, at time.Time) (*models.UserContest, error)
	GetUserContest(ctx context.Context, userID, contestID string) (*models.UserContest, error)
	StartRound(ctx context.Context, userContestID string, expectedIndex, gameIndex int, at time.Time) (bool, error)
	AdvanceRound(ctx context.Context, userContestID string, expectedIndex int, expectedStart, at time.Time) (bool, error)
	FinishUserContest(ctx context.Context, userContestID string, expectedIndex int, at time.Time) (bool, error)
	RecordRoundCompletion(ctx context.Context, userContestID string, c RoundCompletion) (bool, error)
	InsertProgress(ctx context.Context, p *models.PlayerGameProgress) (bool, error)

	RankingRows(ctx context.Context, contestID string) ([]models.RankingRow, error)

	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	UpsertProfileUsernames(ctx context.Context, profiles []models.Profile) error

	FindTransaction(ctx context.Context, userID, referenceID string, txType models.TransactionType) (*models.WalletTransaction, error)
	InsertTransaction(ctx context.Context, tx *models.WalletTransaction) (bool, error)
	CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) error
	SetTransactionStatus(ctx context.Context, txID string, from, to models.TransactionStatus) (bool, error)
	ListTransactions(ctx context.Context, referenceID string, txType models.TransactionType) ([]models.WalletTransaction, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]models.WalletTransaction, error)
	RetryFailedPayout(ctx context.Context, txID string) (bool, error)

	ActivePrizeModels(ctx context.Context) ([]models.PrizeDistributionModel, error)
	ScoringRules(ctx context.Context) ([]models.ScoringRule, error)
	SpeedBonusRules(ctx context.Context) ([]models.SpeedBonusRule, error)

	// ChangeMarker returns the newest updated_at across the contest and the user's
	// contest row. It only signals that something changed and is never read as state.
	ChangeMarker(ctx context.Context, userID, contestID string) (time.Time, error)
}
