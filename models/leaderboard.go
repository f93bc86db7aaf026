package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RankingRow is one participant's raw standing as returned by the ranking query.
type RankingRow struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	TotalScore  int        `json:"total_score"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LeaderboardEntry is derived, never stored. Rank uses standard competition ranking;
// CompletionRank orders ties by who finished first and is for display only.
type LeaderboardEntry struct {
	UserID         string           `json:"user_id"`
	Username       string           `json:"username"`
	TotalScore     int              `json:"total_score"`
	Rank           int              `json:"rank"`
	CompletionRank int              `json:"completion_rank"`
	Prize          *decimal.Decimal `json:"prize,omitempty"`
}
