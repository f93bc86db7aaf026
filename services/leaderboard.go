package services

import (
	"context"
	"fmt"
	"sort"

	"contest-engine/models"
	"contest-engine/repository"
)

type LeaderboardProvider struct {
	repo repository.Repository
}

func NewLeaderboardProvider(repo repository.Repository) *LeaderboardProvider {
	return &LeaderboardProvider{repo: repo}
}

// GetLeaderboard returns standings by total score. Query failures are returned,
// an empty slice means there are no participants.
func (p *LeaderboardProvider) GetLeaderboard(ctx context.Context, contestID string) ([]models.LeaderboardEntry, error) {
	rows, err := readWithRetry(ctx, func(ctx context.Context) ([]models.RankingRow, error) {
		return p.repo.RankingRows(ctx, contestID)
	})
	if err != nil {
		return nil, fmt.Errorf("ranking query for contest %s: %w", contestID, err)
	}
	return RankRows(rows), nil
}

// RankRows applies standard competition ranking: rank is 1 + the number of
// strictly higher scores. CompletionRank breaks ties by completion time and
// never affects prizes.
func RankRows(rows []models.RankingRow) []models.LeaderboardEntry {
	ordered := append([]models.RankingRow(nil), rows...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		switch {
		case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
			return a.CompletedAt.Before(*b.CompletedAt)
		case a.CompletedAt != nil && b.CompletedAt == nil:
			return true
		case a.CompletedAt == nil && b.CompletedAt != nil:
			return false
		}
		return a.UserID < b.UserID
	})

	entries := make([]models.LeaderboardEntry, 0, len(ordered))
	rank := 0
	for i, row := range ordered {
		if i == 0 || row.TotalScore != ordered[i-1].TotalScore {
			rank = i + 1
		}
		entries = append(entries, models.LeaderboardEntry{
			UserID:         row.UserID,
			Username:       row.Username,
			TotalScore:     row.TotalScore,
			Rank:           rank,
			CompletionRank: i + 1,
		})
	}
	return entries
}
