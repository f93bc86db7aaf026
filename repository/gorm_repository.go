package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contest-engine/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormRepository struct {
	DB *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{DB: db}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *GormRepository) GetContest(ctx context.Context, contestID string) (*models.Contest, error) {
	var contest models.Contest
	if err := r.DB.WithContext(ctx).First(&contest, "id = ?", contestID).Error; err != nil {
		return nil, notFound(err)
	}
	return &contest, nil
}

func (r *GormRepository) GetContestGame(ctx context.Context, contestID string, gameIndex int) (*models.ContestGame, error) {
	var game models.ContestGame
	err := r.DB.WithContext(ctx).
		Where("contest_id = ? AND game_index = ?", contestID, gameIndex).
		First(&game).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &game, nil
}

func (r *GormRepository) ListContestsToStart(ctx context.Context, now time.Time) ([]models.Contest, error) {
	var contests []models.Contest
	err := r.DB.WithContext(ctx).
		Where("status IN ? AND start_time <= ?",
			[]models.ContestStatus{models.ContestStatusUpcoming, models.ContestStatusWaitingForPlayers}, now).
		Find(&contests).Error
	return contests, err
}

func (r *GormRepository) ListContestsToFinish(ctx context.Context, now time.Time) ([]models.Contest, error) {
	var contests []models.Contest
	err := r.DB.WithContext(ctx).
		Where("status = ? AND end_time <= ?", models.ContestStatusInProgress, now).
		Find(&contests).Error
	return contests, err
}

func (r *GormRepository) ListContestsAwaitingSettlement(ctx context.Context) ([]models.Contest, error) {
	var contests []models.Contest
	err := r.DB.WithContext(ctx).
		Where("status = ? AND prize_calculation_status = ?", models.ContestStatusCompleted, models.PrizeStatusPending).
		Order("end_time ASC").
		Find(&contests).Error
	return contests, err
}

func (r *GormRepository) ListFailedSettlements(ctx context.Context, updatedBefore time.Time) ([]models.Contest, error) {
	var contests []models.Contest
	err := r.DB.WithContext(ctx).
		Where("prize_calculation_status = ? AND updated_at <= ?", models.PrizeStatusFailed, updatedBefore).
		Find(&contests).Error
	return contests, err
}

func (r *GormRepository) TransitionContestStatus(ctx context.Context, contestID string, from []models.ContestStatus, to models.ContestStatus) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND status IN ?", contestID, from).
		Update("status", to)
	return result.RowsAffected == 1, result.Error
}

// TransitionPrizeStatus is a compare-and-swap on prize_calculation_status.
func (r *GormRepository) TransitionPrizeStatus(ctx context.Context, contestID string, from, to models.PrizeCalculationStatus) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.Contest{}).
		Where("id = ? AND prize_calculation_status = ?", contestID, from).
		Update("prize_calculation_status", to)
	return result.RowsAffected == 1, result.Error
}

func (r *GormRepository) JoinContest(ctx context.Context, userID, contestID string, at time.Time) (*models.UserContest, error) {
	var joined models.UserContest
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contest models.Contest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contest, "id = ?", contestID).Error; err != nil {
			return notFound(err)
		}
		if contest.Status == models.ContestStatusCompleted {
			return ErrContestClosed
		}

		var existing int64
		if err := tx.Model(&models.UserContest{}).
			Where("user_id = ? AND contest_id = ?", userID, contestID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyJoined
		}

		var profile models.Profile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&profile, "id = ?", userID).Error; err != nil {
			return notFound(err)
		}
		if profile.WalletBalance.LessThan(contest.EntryFee) {
			return ErrInsufficientBalance
		}

		result := tx.Model(&models.Contest{}).
			Where("id = ? AND (max_participants = 0 OR current_participants < max_participants)", contestID).
			Update("current_participants", gorm.Expr("current_participants + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrContestFull
		}

		if contest.EntryFee.IsPositive() {
			if err := tx.Model(&models.Profile{}).
				Where("id = ?", userID).
				Update("wallet_balance", gorm.Expr("wallet_balance - ?", contest.EntryFee)).Error; err != nil {
				return fmt.Errorf("failed to debit entry fee: %w", err)
			}
			fee := models.WalletTransaction{
				ID:          uuid.NewString(),
				UserID:      userID,
				Amount:      contest.EntryFee.Neg(),
				Type:        models.TransactionEntryFee,
				ReferenceID: contestID,
				Status:      models.TransactionCompleted,
			}
			if err := tx.Create(&fee).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrAlreadyJoined
				}
				return fmt.Errorf("failed to record entry fee: %w", err)
			}
		}

		joined = models.UserContest{
			ID:               uuid.NewString(),
			UserID:           userID,
			ContestID:        contestID,
			Status:           models.UserContestActive,
			CurrentGameIndex: 0,
		}
		joined.CreatedAt = at
		if err := tx.Create(&joined).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyJoined
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &joined, nil
}

func (r *GormRepository) GetUserContest(ctx context.Context, userID, contestID string) (*models.UserContest, error) {
	var uc models.UserContest
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND contest_id = ?", userID, contestID).
		First(&uc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &uc, nil
}

func (r *GormRepository) StartRound(ctx context.Context, userContestID string, expectedIndex, gameIndex int, at time.Time) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.UserContest{}).
		Where("id = ? AND status = ? AND current_game_index = ? AND current_game_start_time IS NULL",
			userContestID, models.UserContestActive, expectedIndex).
		Updates(map[string]interface{}{
			"current_game_index":      gameIndex,
			"current_game_start_time": at,
		})
	return result.RowsAffected == 1, result.Error
}

func (r *GormRepository) AdvanceRound(ctx context.Context, userContestID string, expectedIndex int, expectedStart, at time.Time) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.UserContest{}).
		Where("id = ? AND status = ? AND current_game_index = ? AND current_game_start_time = ?",
			userContestID, models.UserContestActive, expectedIndex, expectedStart).
		Updates(map[string]interface{}{
			"current_game_index":      expectedIndex + 1,
			"current_game_score":      0,
			"current_game_start_time": at,
		})
	return result.RowsAffected == 1, result.Error
}

func (r *GormRepository) FinishUserContest(ctx context.Context, userContestID string, expectedIndex int, at time.Time) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.UserContest{}).
		Where("id = ? AND status = ? AND current_game_index = ?",
			userContestID, models.UserContestActive, expectedIndex).
		Updates(map[string]interface{}{
			"status":                  models.UserContestCompleted,
			"current_game_start_time": nil,
			"completed_at":            at,
		})
	return result.RowsAffected == 1, result.Error
}

func (r *GormRepository) RecordRoundCompletion(ctx context.Context, userContestID string, c RoundCompletion) (bool, error) {
	updates := map[string]interface{}{
		"current_game_index":      c.NextIndex,
		"current_game_score":      c.RoundScore,
		"current_game_start_time": c.NextStart,
		"score":                   gorm.Expr("score + ?", c.RoundScore),
	}
	if c.Final {
		updates["status"] = models.UserContestCompleted
		updates["completed_at"] = c.At
	}
	result := r.DB.WithContext(ctx).Model(&models.UserContest{}).
		Where("id = ? AND status = ? AND current_game_index = ?",
			userContestID, models.UserContestActive, c.ExpectedIndex).
		Updates(updates)
	return result.RowsAffected == 1, result.Error
}

// InsertProgress reports false without error when the round was already recorded.
func (r *GormRepository) InsertProgress(ctx context.Context, p *models.PlayerGameProgress) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	result := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "contest_id"}, {Name: "game_content_id"}},
			DoNothing: true,
		}).
		Create(p)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRepository) RankingRows(ctx context.Context, contestID string) ([]models.RankingRow, error) {
	var rows []models.RankingRow
	err := r.DB.WithContext(ctx).Raw(`
		SELECT uc.user_id, COALESCE(p.username, '') AS username, uc.score AS total_score, uc.completed_at
		FROM user_contests uc
		LEFT JOIN profiles p ON p.id = uc.user_id
		WHERE uc.contest_id = ?
		ORDER BY uc.score DESC, uc.completed_at ASC NULLS LAST, uc.user_id ASC
	`, contestID).Scan(&rows).Error
	return rows, err
}

func (r *GormRepository) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var profile models.Profile
	if err := r.DB.WithContext(ctx).First(&profile, "id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

// UpsertProfileUsernames never touches wallet_balance.
func (r *GormRepository) UpsertProfileUsernames(ctx context.Context, profiles []models.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
	}).Create(&profiles).Error
}

func (r *GormRepository) FindTransaction(ctx context.Context, userID, referenceID string, txType models.TransactionType) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND reference_id = ? AND type = ?", userID, referenceID, txType).
		First(&tx).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// InsertTransaction reports false without error when (user, reference, type) already exists.
func (r *GormRepository) InsertTransaction(ctx context.Context, tx *models.WalletTransaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if err := r.DB.WithContext(ctx).Create(tx).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *GormRepository) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) error {
	result := r.DB.WithContext(ctx).Model(&models.Profile{}).
		Where("id = ?", userID).
		Update("wallet_balance", gorm.Expr("wallet_balance + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) SetTransactionStatus(ctx context.Context, txID string, from, to models.TransactionStatus) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.WalletTransaction{}).
		Where("id = ? AND status = ?", txID, from).
		Update("status", to)
	return result.RowsAffected == 1, result.Error
}

func (r *GormRepository) ListTransactions(ctx context.Context, referenceID string, txType models.TransactionType) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	err := r.DB.WithContext(ctx).
		Where("reference_id = ? AND type = ?", referenceID, txType).
		Order("created_at ASC").
		Find(&txs).Error
	return txs, err
}

func (r *GormRepository) ListFailedPayouts(ctx context.Context, limit int) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	err := r.DB.WithContext(ctx).
		Where("type = ? AND status = ?", models.TransactionPrizePayout, models.TransactionFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// RetryFailedPayout flips a failed payout to completed and credits the wallet in
// one DB transaction, so the credit happens at most once per ledger row.
func (r *GormRepository) RetryFailedPayout(ctx context.Context, txID string) (bool, error) {
	applied := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payout models.WalletTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payout, "id = ?", txID).Error; err != nil {
			return notFound(err)
		}
		if payout.Status != models.TransactionFailed || payout.Type != models.TransactionPrizePayout {
			return nil
		}
		if err := tx.Model(&models.WalletTransaction{}).
			Where("id = ? AND status = ?", txID, models.TransactionFailed).
			Update("status", models.TransactionCompleted).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Profile{}).
			Where("id = ?", payout.UserID).
			Update("wallet_balance", gorm.Expr("wallet_balance + ?", payout.Amount))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *GormRepository) ActivePrizeModels(ctx context.Context) ([]models.PrizeDistributionModel, error) {
	var ms []models.PrizeDistributionModel
	err := r.DB.WithContext(ctx).Where("is_active = ?", true).Find(&ms).Error
	return ms, err
}

func (r *GormRepository) ScoringRules(ctx context.Context) ([]models.ScoringRule, error) {
	var rules []models.ScoringRule
	err := r.DB.WithContext(ctx).Find(&rules).Error
	return rules, err
}

func (r *GormRepository) SpeedBonusRules(ctx context.Context) ([]models.SpeedBonusRule, error) {
	var rules []models.SpeedBonusRule
	err := r.DB.WithContext(ctx).Order("time_threshold DESC").Find(&rules).Error
	return rules, err
}

func (r *GormRepository) ChangeMarker(ctx context.Context, userID, contestID string) (time.Time, error) {
	var marker *time.Time
	err := r.DB.WithContext(ctx).Raw(`
		SELECT GREATEST(c.updated_at, COALESCE(uc.updated_at, c.updated_at))
		FROM contests c
		LEFT JOIN user_contests uc ON uc.contest_id = c.id AND uc.user_id = ?
		WHERE c.id = ?
	`, userID, contestID).Scan(&marker).Error
	if err != nil {
		return time.Time{}, err
	}
	if marker == nil {
		return time.Time{}, ErrNotFound
	}
	return *marker, nil
}
