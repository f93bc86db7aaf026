package repository

import (
	"context"
	"testing"
	"time"

	"contest-engine/models"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*MemoryRepository, string) {
	t.Helper()
	r := NewMemoryRepository(clockwork.NewFakeClockAt(start))
	r.AddContest(models.Contest{ID: "c1", Title: "c1", StartTime: start, EndTime: start.Add(time.Hour), SeriesCount: 3})
	r.AddUserContest(models.UserContest{UserID: "u1", ContestID: "c1"})
	uc, err := r.GetUserContest(context.Background(), "u1", "c1")
	require.NoError(t, err)
	return r, uc.ID
}

func TestStartRoundIsConditional(t *testing.T) {
	r, id := seeded(t)
	ctx := context.Background()

	ok, err := r.StartRound(ctx, id, 0, 2, start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.StartRound(ctx, id, 0, 1, start)
	require.NoError(t, err)
	assert.False(t, ok, "round already running")

	uc, _ := r.GetUserContest(ctx, "u1", "c1")
	assert.Equal(t, 2, uc.CurrentGameIndex)
}

func TestAdvanceRoundRequiresMatchingStart(t *testing.T) {
	r, id := seeded(t)
	ctx := context.Background()
	_, _ = r.StartRound(ctx, id, 0, 0, start)

	ok, err := r.AdvanceRound(ctx, id, 0, start.Add(time.Second), start.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.AdvanceRound(ctx, id, 0, start, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = r.AdvanceRound(ctx, id, 0, start, start.Add(time.Minute))
	assert.False(t, ok, "second advance from the same round loses")
}

func TestRecordRoundCompletionOnlyOncePerIndex(t *testing.T) {
	r, id := seeded(t)
	ctx := context.Background()
	next := start.Add(10 * time.Second)
	c := RoundCompletion{ExpectedIndex: 0, NextIndex: 1, RoundScore: 40, NextStart: &next, At: next}

	ok, err := r.RecordRoundCompletion(ctx, id, c)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.RecordRoundCompletion(ctx, id, c)
	assert.False(t, ok)

	uc, _ := r.GetUserContest(ctx, "u1", "c1")
	assert.Equal(t, 40, uc.Score)
	assert.Equal(t, 1, uc.CurrentGameIndex)
}

func TestFinishUserContestBlocksFurtherWrites(t *testing.T) {
	r, id := seeded(t)
	ctx := context.Background()

	ok, err := r.FinishUserContest(ctx, id, 0, start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = r.StartRound(ctx, id, 0, 1, start)
	assert.False(t, ok)
	ok, _ = r.RecordRoundCompletion(ctx, id, RoundCompletion{ExpectedIndex: 0, NextIndex: 1})
	assert.False(t, ok)
}

func TestTransitionPrizeStatusSingleWinner(t *testing.T) {
	r, _ := seeded(t)
	ctx := context.Background()

	ok, err := r.TransitionPrizeStatus(ctx, "c1", models.PrizeStatusPending, models.PrizeStatusInProgress)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.TransitionPrizeStatus(ctx, "c1", models.PrizeStatusPending, models.PrizeStatusInProgress)
	assert.False(t, ok)
	ok, _ = r.TransitionPrizeStatus(ctx, "missing", models.PrizeStatusPending, models.PrizeStatusInProgress)
	assert.False(t, ok)
}

func TestInsertTransactionUniquePerReference(t *testing.T) {
	r, _ := seeded(t)
	ctx := context.Background()
	tx := func() *models.WalletTransaction {
		return &models.WalletTransaction{UserID: "u1", ReferenceID: "c1", Type: models.TransactionPrizePayout,
			Amount: decimal.NewFromInt(5), Status: models.TransactionCompleted}
	}

	ok, err := r.InsertTransaction(ctx, tx())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.InsertTransaction(ctx, tx())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryFailedPayoutCredits(t *testing.T) {
	r, _ := seeded(t)
	ctx := context.Background()
	r.AddProfile(models.Profile{ID: "u1", WalletBalance: decimal.Zero})
	tx := &models.WalletTransaction{UserID: "u1", ReferenceID: "c1", Type: models.TransactionPrizePayout,
		Amount: decimal.NewFromInt(25), Status: models.TransactionFailed}
	_, err := r.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	ok, err := r.RetryFailedPayout(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.RetryFailedPayout(ctx, tx.ID)
	assert.False(t, ok)

	p, _ := r.GetProfile(ctx, "u1")
	assert.Equal(t, "25", p.WalletBalance.String())
}

func TestRankingRowsOrdering(t *testing.T) {
	r := NewMemoryRepository(clockwork.NewFakeClockAt(start))
	early, late := start, start.Add(time.Minute)
	r.AddUserContest(models.UserContest{UserID: "b", ContestID: "c1", Score: 10, CompletedAt: &late})
	r.AddUserContest(models.UserContest{UserID: "a", ContestID: "c1", Score: 10, CompletedAt: &early})
	r.AddUserContest(models.UserContest{UserID: "z", ContestID: "c1", Score: 10})
	r.AddUserContest(models.UserContest{UserID: "top", ContestID: "c1", Score: 99})
	r.AddUserContest(models.UserContest{UserID: "other", ContestID: "c2", Score: 500})

	rows, err := r.RankingRows(context.Background(), "c1")
	require.NoError(t, err)
	var ids []string
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	assert.Equal(t, []string{"top", "a", "b", "z"}, ids)
}
