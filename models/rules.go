package models

import (
	"gorm.io/datatypes"
)

// PrizeDistributionModel maps a leaderboard rank ("1", "2", …) to a percentage of the pool.
// DistributionRules is stored either as a JSON object or as a JSON-encoded string of one.
type PrizeDistributionModel struct {
	Name              string         `json:"name" gorm:"primaryKey"`
	MinParticipants   int            `json:"min_participants"`
	MaxParticipants   int            `json:"max_participants"`
	DistributionRules datatypes.JSON `json:"distribution_rules" gorm:"type:jsonb"`
	IsActive          bool           `json:"is_active" gorm:"default:true;index"`
}

// ScoringRule is the per-category scoring configuration.
// Condition looks like {"type": "quick_completion", "threshold": 10}.
type ScoringRule struct {
	GameCategory     string         `json:"game_category" gorm:"primaryKey"`
	BasePoints       int            `json:"base_points"`
	AdditionalPoints int            `json:"additional_points"`
	Condition        datatypes.JSON `json:"condition" gorm:"type:jsonb"`
}

type SpeedBonusRule struct {
	ID            uint    `json:"id" gorm:"primaryKey;autoIncrement"`
	TimeThreshold float64 `json:"time_threshold"`
	BonusPoints   int     `json:"bonus_points"`
}
