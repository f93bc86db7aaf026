package services

import (
	"context"
	"fmt"

	"contest-engine/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputePrizes turns standings into payouts. Users with equal scores share
// one rank and split that rank's prize evenly, each share floored to the cent.
// Cents lost to flooring are not redistributed.
func ComputePrizes(rankings []models.LeaderboardEntry, pool decimal.Decimal, model *PrizeModel) (map[string]decimal.Decimal, error) {
	if model == nil {
		return nil, ErrDistributionModelMissing
	}
	payouts := make(map[string]decimal.Decimal)
	if len(rankings) == 0 {
		return payouts, nil
	}

	for _, group := range tieGroups(rankings) {
		pct, ok := model.Percentages[group.rank]
		if !ok {
			continue
		}
		prizeForRank := pool.Mul(pct).Div(hundred)
		share := prizeForRank.Div(decimal.NewFromInt(int64(len(group.userIDs)))).RoundFloor(2)
		if !share.IsPositive() {
			continue
		}
		for _, userID := range group.userIDs {
			payouts[userID] = share
		}
	}
	return payouts, nil
}

type tieGroup struct {
	rank    int
	score   int
	userIDs []string
}

// tieGroups buckets users by identical score. Rank is recomputed from the
// scores so it cannot drift from the grouping.
func tieGroups(rankings []models.LeaderboardEntry) []tieGroup {
	ordered := RankRows(toRows(rankings))
	var groups []tieGroup
	for _, e := range ordered {
		if n := len(groups); n > 0 && groups[n-1].score == e.TotalScore {
			groups[n-1].userIDs = append(groups[n-1].userIDs, e.UserID)
			continue
		}
		groups = append(groups, tieGroup{rank: e.Rank, score: e.TotalScore, userIDs: []string{e.UserID}})
	}
	return groups
}

func toRows(entries []models.LeaderboardEntry) []models.RankingRow {
	rows := make([]models.RankingRow, len(entries))
	for i, e := range entries {
		rows[i] = models.RankingRow{UserID: e.UserID, Username: e.Username, TotalScore: e.TotalScore}
	}
	return rows
}

// PrizeCalculator loads what ComputePrizes needs for a contest. It has no
// side effects and backs both leaderboard display and settlement.
type PrizeCalculator struct {
	models      *PrizeModelCache
	leaderboard *LeaderboardProvider
}

func NewPrizeCalculator(cache *PrizeModelCache, leaderboard *LeaderboardProvider) *PrizeCalculator {
	return &PrizeCalculator{models: cache, leaderboard: leaderboard}
}

// Calculate returns the standings and the payout map for a contest.
func (c *PrizeCalculator) Calculate(ctx context.Context, contest *models.Contest) ([]models.LeaderboardEntry, map[string]decimal.Decimal, error) {
	model, err := c.models.Model(ctx, contest.PrizeDistributionType)
	if err != nil {
		return nil, nil, err
	}
	standings, err := c.leaderboard.GetLeaderboard(ctx, contest.ID)
	if err != nil {
		return nil, nil, err
	}
	payouts, err := ComputePrizes(standings, contest.PrizePool, model)
	if err != nil {
		return nil, nil, fmt.Errorf("compute prizes for contest %s: %w", contest.ID, err)
	}
	return standings, payouts, nil
}

// AttachPrizes fills Prize on entries that have a payout.
func AttachPrizes(entries []models.LeaderboardEntry, payouts map[string]decimal.Decimal) {
	for i := range entries {
		if amount, ok := payouts[entries[i].UserID]; ok {
			a := amount
			entries[i].Prize = &a
		}
	}
}
