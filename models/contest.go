package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ContestStatus string

const (
	ContestStatusUpcoming          ContestStatus = "upcoming"
	ContestStatusWaitingForPlayers ContestStatus = "waiting_for_players"
	ContestStatusInProgress        ContestStatus = "in_progress"
	ContestStatusCompleted         ContestStatus = "completed"
)

// PrizeCalculationStatus only advances pending → in_progress → completed|failed.
// failed may be put back to pending by the settlement sweep.
type PrizeCalculationStatus string

const (
	PrizeStatusPending    PrizeCalculationStatus = "pending"
	PrizeStatusInProgress PrizeCalculationStatus = "in_progress"
	PrizeStatusCompleted  PrizeCalculationStatus = "completed"
	PrizeStatusFailed     PrizeCalculationStatus = "failed"
)

// Contest is a time-boxed event made of SeriesCount timed rounds.
type Contest struct {
	ID                     string                 `json:"id" gorm:"primaryKey"`
	Title                  string                 `json:"title" gorm:"not null"`
	StartTime              time.Time              `json:"start_time" gorm:"not null"`
	EndTime                time.Time              `json:"end_time" gorm:"not null"`
	SeriesCount            int                    `json:"series_count" gorm:"not null"`
	MaxParticipants        int                    `json:"max_participants" gorm:"default:0"`
	CurrentParticipants    int                    `json:"current_participants" gorm:"default:0"`
	EntryFee               decimal.Decimal        `json:"entry_fee" gorm:"type:numeric(14,2);default:0"`
	PrizePool              decimal.Decimal        `json:"prize_pool" gorm:"type:numeric(14,2);default:0"`
	PrizeDistributionType  string                 `json:"prize_distribution_type"`
	Status                 ContestStatus          `json:"status" gorm:"type:varchar(32);default:'upcoming';index"`
	PrizeCalculationStatus PrizeCalculationStatus `json:"prize_calculation_status" gorm:"type:varchar(16);default:'pending';index"`

	Games []ContestGame `json:"games,omitempty" gorm:"foreignKey:ContestID"`

	Timestamps
}

// ContestGame maps a round index of a contest to the mini-game content played in it.
type ContestGame struct {
	ID            string `json:"id" gorm:"primaryKey"`
	ContestID     string `json:"contest_id" gorm:"not null;uniqueIndex:idx_contest_game_index"`
	GameIndex     int    `json:"game_index" gorm:"not null;uniqueIndex:idx_contest_game_index"`
	GameContentID string `json:"game_content_id" gorm:"not null"`
	Category      string `json:"category" gorm:"not null"`
}

type UserContestStatus string

const (
	UserContestActive    UserContestStatus = "active"
	UserContestCompleted UserContestStatus = "completed"
)

// UserContest is one user's progress through one contest. CurrentGameIndex never
// exceeds SeriesCount-1; once Status is completed, index and score are frozen.
type UserContest struct {
	ID                   string            `json:"id" gorm:"primaryKey"`
	UserID               string            `json:"user_id" gorm:"not null;uniqueIndex:idx_user_contest"`
	ContestID            string            `json:"contest_id" gorm:"not null;uniqueIndex:idx_user_contest;index"`
	Status               UserContestStatus `json:"status" gorm:"type:varchar(16);default:'active'"`
	CurrentGameIndex     int               `json:"current_game_index" gorm:"default:0"`
	CurrentGameStartTime *time.Time        `json:"current_game_start_time,omitempty"`
	CurrentGameScore     int               `json:"current_game_score" gorm:"default:0"`
	Score                int               `json:"score" gorm:"default:0"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`

	Timestamps
}

// PlayerGameProgress is append-only: one row per completed round per user.
type PlayerGameProgress struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	UserID        string    `json:"user_id" gorm:"not null;uniqueIndex:idx_progress_round"`
	ContestID     string    `json:"contest_id" gorm:"not null;uniqueIndex:idx_progress_round"`
	GameContentID string    `json:"game_content_id" gorm:"not null;uniqueIndex:idx_progress_round"`
	Score         int       `json:"score"`
	TimeTaken     float64   `json:"time_taken"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	IsCorrect     bool      `json:"is_correct"`
}

func (PlayerGameProgress) TableName() string {
	return "player_game_progress"
}
