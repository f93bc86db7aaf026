package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"contest-engine/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// MemoryRepository implements Repository in RAM with the same conditional-update
// semantics as the SQL one. It backs tests and local runs without Postgres.
type MemoryRepository struct {
	mu    sync.Mutex
	clock clockwork.Clock

	contests     map[string]*models.Contest
	games        map[string]*models.ContestGame
	userContests map[string]*models.UserContest
	progress     map[string]*models.PlayerGameProgress
	profiles     map[string]*models.Profile
	transactions map[string]*models.WalletTransaction
	prizeModels  map[string]*models.PrizeDistributionModel
	scoringRules map[string]*models.ScoringRule
	speedRules   []models.SpeedBonusRule

	// Fault injection for tests.
	CreditHook  func(userID string) error
	RankingHook func(contestID string) error
	ModelsHook  func() error
}

func NewMemoryRepository(clock clockwork.Clock) *MemoryRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRepository{
		clock:        clock,
		contests:     make(map[string]*models.Contest),
		games:        make(map[string]*models.ContestGame),
		userContests: make(map[string]*models.UserContest),
		progress:     make(map[string]*models.PlayerGameProgress),
		profiles:     make(map[string]*models.Profile),
		transactions: make(map[string]*models.WalletTransaction),
		prizeModels:  make(map[string]*models.PrizeDistributionModel),
		scoringRules: make(map[string]*models.ScoringRule),
	}
}

func gameKey(contestID string, index int) string {
	return contestID + "#" + strconv.Itoa(index)
}

func userContestKey(userID, contestID string) string {
	return userID + "|" + contestID
}

func progressKey(p *models.PlayerGameProgress) string {
	return p.UserID + "|" + p.ContestID + "|" + p.GameContentID
}

// --- seeding ---

func (r *MemoryRepository) AddContest(c models.Contest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Status == "" {
		c.Status = models.ContestStatusUpcoming
	}
	if c.PrizeCalculationStatus == "" {
		c.PrizeCalculationStatus = models.PrizeStatusPending
	}
	c.UpdatedAt = r.clock.Now()
	r.contests[c.ID] = &c
}

func (r *MemoryRepository) AddContestGame(g models.ContestGame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	r.games[gameKey(g.ContestID, g.GameIndex)] = &g
}

func (r *MemoryRepository) AddUserContest(uc models.UserContest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uc.ID == "" {
		uc.ID = uuid.NewString()
	}
	if uc.Status == "" {
		uc.Status = models.UserContestActive
	}
	uc.UpdatedAt = r.clock.Now()
	r.userContests[userContestKey(uc.UserID, uc.ContestID)] = &uc
}

func (r *MemoryRepository) AddProfile(p models.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = &p
}

func (r *MemoryRepository) AddPrizeModel(m models.PrizeDistributionModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prizeModels[m.Name] = &m
}

func (r *MemoryRepository) AddScoringRule(rule models.ScoringRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scoringRules[rule.GameCategory] = &rule
}

func (r *MemoryRepository) AddSpeedBonusRule(rule models.SpeedBonusRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speedRules = append(r.speedRules, rule)
}

// ProgressRows returns every stored progress row for a user in a contest.
func (r *MemoryRepository) ProgressRows(userID, contestID string) []models.PlayerGameProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PlayerGameProgress
	for _, p := range r.progress {
		if p.UserID == userID && p.ContestID == contestID {
			out = append(out, *p)
		}
	}
	return out
}

// --- contests ---

func (r *MemoryRepository) GetContest(_ context.Context, contestID string) (*models.Contest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[contestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetContestGame(_ context.Context, contestID string, gameIndex int) (*models.ContestGame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameKey(contestID, gameIndex)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *MemoryRepository) filterContests(keep func(*models.Contest) bool) []models.Contest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Contest
	for _, c := range r.contests {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out
}

func (r *MemoryRepository) ListContestsToStart(_ context.Context, now time.Time) ([]models.Contest, error) {
	return r.filterContests(func(c *models.Contest) bool {
		return (c.Status == models.ContestStatusUpcoming || c.Status == models.ContestStatusWaitingForPlayers) &&
			!c.StartTime.After(now)
	}), nil
}

func (r *MemoryRepository) ListContestsToFinish(_ context.Context, now time.Time) ([]models.Contest, error) {
	return r.filterContests(func(c *models.Contest) bool {
		return c.Status == models.ContestStatusInProgress && !c.EndTime.After(now)
	}), nil
}

func (r *MemoryRepository) ListContestsAwaitingSettlement(_ context.Context) ([]models.Contest, error) {
	return r.filterContests(func(c *models.Contest) bool {
		return c.Status == models.ContestStatusCompleted && c.PrizeCalculationStatus == models.PrizeStatusPending
	}), nil
}

func (r *MemoryRepository) ListFailedSettlements(_ context.Context, updatedBefore time.Time) ([]models.Contest, error) {
	return r.filterContests(func(c *models.Contest) bool {
		return c.PrizeCalculationStatus == models.PrizeStatusFailed && !c.UpdatedAt.After(updatedBefore)
	}), nil
}

func (r *MemoryRepository) TransitionContestStatus(_ context.Context, contestID string, from []models.ContestStatus, to models.ContestStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[contestID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = r.clock.Now()
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) TransitionPrizeStatus(_ context.Context, contestID string, from, to models.PrizeCalculationStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[contestID]
	if !ok || c.PrizeCalculationStatus != from {
		return false, nil
	}
	c.PrizeCalculationStatus = to
	c.UpdatedAt = r.clock.Now()
	return true, nil
}

// --- user contests ---

func (r *MemoryRepository) JoinContest(_ context.Context, userID, contestID string, at time.Time) (*models.UserContest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[contestID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status == models.ContestStatusCompleted {
		return nil, ErrContestClosed
	}
	key := userContestKey(userID, contestID)
	if _, exists := r.userContests[key]; exists {
		return nil, ErrAlreadyJoined
	}
	p, ok := r.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.WalletBalance.LessThan(c.EntryFee) {
		return nil, ErrInsufficientBalance
	}
	if c.MaxParticipants > 0 && c.CurrentParticipants >= c.MaxParticipants {
		return nil, ErrContestFull
	}
	now := r.clock.Now()
	c.CurrentParticipants++
	c.UpdatedAt = now
	if c.EntryFee.IsPositive() {
		p.WalletBalance = p.WalletBalance.Sub(c.EntryFee)
		id := uuid.NewString()
		r.transactions[id] = &models.WalletTransaction{
			ID:          id,
			UserID:      userID,
			Amount:      c.EntryFee.Neg(),
			Type:        models.TransactionEntryFee,
			ReferenceID: contestID,
			Status:      models.TransactionCompleted,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	uc := &models.UserContest{
		ID:        uuid.NewString(),
		UserID:    userID,
		ContestID: contestID,
		Status:    models.UserContestActive,
	}
	uc.CreatedAt = at
	uc.UpdatedAt = now
	r.userContests[key] = uc
	cp := *uc
	return &cp, nil
}

func (r *MemoryRepository) GetUserContest(_ context.Context, userID, contestID string) (*models.UserContest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.userContests[userContestKey(userID, contestID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *uc
	if uc.CurrentGameStartTime != nil {
		t := *uc.CurrentGameStartTime
		cp.CurrentGameStartTime = &t
	}
	return &cp, nil
}

func (r *MemoryRepository) userContestByID(id string) *models.UserContest {
	for _, uc := range r.userContests {
		if uc.ID == id {
			return uc
		}
	}
	return nil
}

func (r *MemoryRepository) StartRound(_ context.Context, userContestID string, expectedIndex, gameIndex int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc := r.userContestByID(userContestID)
	if uc == nil || uc.Status != models.UserContestActive || uc.CurrentGameIndex != expectedIndex || uc.CurrentGameStartTime != nil {
		return false, nil
	}
	uc.CurrentGameIndex = gameIndex
	uc.CurrentGameStartTime = &at
	uc.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemoryRepository) AdvanceRound(_ context.Context, userContestID string, expectedIndex int, expectedStart, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc := r.userContestByID(userContestID)
	if uc == nil || uc.Status != models.UserContestActive || uc.CurrentGameIndex != expectedIndex ||
		uc.CurrentGameStartTime == nil || !uc.CurrentGameStartTime.Equal(expectedStart) {
		return false, nil
	}
	uc.CurrentGameIndex = expectedIndex + 1
	uc.CurrentGameScore = 0
	uc.CurrentGameStartTime = &at
	uc.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemoryRepository) FinishUserContest(_ context.Context, userContestID string, expectedIndex int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc := r.userContestByID(userContestID)
	if uc == nil || uc.Status != models.UserContestActive || uc.CurrentGameIndex != expectedIndex {
		return false, nil
	}
	uc.Status = models.UserContestCompleted
	uc.CurrentGameStartTime = nil
	uc.CompletedAt = &at
	uc.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemoryRepository) RecordRoundCompletion(_ context.Context, userContestID string, c RoundCompletion) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc := r.userContestByID(userContestID)
	if uc == nil || uc.Status != models.UserContestActive || uc.CurrentGameIndex != c.ExpectedIndex {
		return false, nil
	}
	uc.CurrentGameIndex = c.NextIndex
	uc.CurrentGameScore = c.RoundScore
	uc.Score += c.RoundScore
	if c.NextStart != nil {
		t := *c.NextStart
		uc.CurrentGameStartTime = &t
	} else {
		uc.CurrentGameStartTime = nil
	}
	if c.Final {
		at := c.At
		uc.Status = models.UserContestCompleted
		uc.CompletedAt = &at
	}
	uc.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemoryRepository) InsertProgress(_ context.Context, p *models.PlayerGameProgress) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := progressKey(p)
	if _, exists := r.progress[key]; exists {
		return false, nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	r.progress[key] = &cp
	return true, nil
}

func (r *MemoryRepository) RankingRows(_ context.Context, contestID string) ([]models.RankingRow, error) {
	if r.RankingHook != nil {
		if err := r.RankingHook(contestID); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []models.RankingRow
	for _, uc := range r.userContests {
		if uc.ContestID != contestID {
			continue
		}
		row := models.RankingRow{UserID: uc.UserID, TotalScore: uc.Score, CompletedAt: uc.CompletedAt}
		if p, ok := r.profiles[uc.UserID]; ok {
			row.Username = p.Username
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalScore != rows[j].TotalScore {
			return rows[i].TotalScore > rows[j].TotalScore
		}
		ci, cj := rows[i].CompletedAt, rows[j].CompletedAt
		switch {
		case ci != nil && cj != nil && !ci.Equal(*cj):
			return ci.Before(*cj)
		case ci != nil && cj == nil:
			return true
		case ci == nil && cj != nil:
			return false
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows, nil
}

// --- profiles & ledger ---

func (r *MemoryRepository) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) UpsertProfileUsernames(_ context.Context, profiles []models.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range profiles {
		if existing, ok := r.profiles[in.ID]; ok {
			existing.Username = in.Username
			existing.UpdatedAt = in.UpdatedAt
			continue
		}
		cp := in
		cp.WalletBalance = decimal.Zero
		r.profiles[in.ID] = &cp
	}
	return nil
}

func (r *MemoryRepository) FindTransaction(_ context.Context, userID, referenceID string, txType models.TransactionType) (*models.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.transactions {
		if tx.UserID == userID && tx.ReferenceID == referenceID && tx.Type == txType {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) InsertTransaction(_ context.Context, tx *models.WalletTransaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.transactions {
		if existing.UserID == tx.UserID && existing.ReferenceID == tx.ReferenceID && existing.Type == tx.Type {
			return false, nil
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := r.clock.Now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	cp := *tx
	r.transactions[tx.ID] = &cp
	return true, nil
}

func (r *MemoryRepository) CreditWallet(_ context.Context, userID string, amount decimal.Decimal) error {
	if r.CreditHook != nil {
		if err := r.CreditHook(userID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.WalletBalance = p.WalletBalance.Add(amount)
	return nil
}

func (r *MemoryRepository) SetTransactionStatus(_ context.Context, txID string, from, to models.TransactionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[txID]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	tx.UpdatedAt = r.clock.Now()
	return true, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, referenceID string, txType models.TransactionType) ([]models.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WalletTransaction
	for _, tx := range r.transactions {
		if tx.ReferenceID == referenceID && tx.Type == txType {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *MemoryRepository) ListFailedPayouts(_ context.Context, limit int) ([]models.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WalletTransaction
	for _, tx := range r.transactions {
		if tx.Type == models.TransactionPrizePayout && tx.Status == models.TransactionFailed {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) RetryFailedPayout(_ context.Context, txID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[txID]
	if !ok {
		return false, ErrNotFound
	}
	if tx.Status != models.TransactionFailed || tx.Type != models.TransactionPrizePayout {
		return false, nil
	}
	p, ok := r.profiles[tx.UserID]
	if !ok {
		return false, ErrNotFound
	}
	tx.Status = models.TransactionCompleted
	tx.UpdatedAt = r.clock.Now()
	p.WalletBalance = p.WalletBalance.Add(tx.Amount)
	return true, nil
}

// --- rules ---

func (r *MemoryRepository) ActivePrizeModels(_ context.Context) ([]models.PrizeDistributionModel, error) {
	if r.ModelsHook != nil {
		if err := r.ModelsHook(); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PrizeDistributionModel
	for _, m := range r.prizeModels {
		if m.IsActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ScoringRules(_ context.Context) ([]models.ScoringRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ScoringRule
	for _, rule := range r.scoringRules {
		out = append(out, *rule)
	}
	return out, nil
}

func (r *MemoryRepository) SpeedBonusRules(_ context.Context) ([]models.SpeedBonusRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]models.SpeedBonusRule(nil), r.speedRules...)
	sort.Slice(out, func(i, j int) bool { return out[i].TimeThreshold > out[j].TimeThreshold })
	return out, nil
}

func (r *MemoryRepository) ChangeMarker(_ context.Context, userID, contestID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[contestID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	marker := c.UpdatedAt
	if uc, ok := r.userContests[userContestKey(userID, contestID)]; ok && uc.UpdatedAt.After(marker) {
		marker = uc.UpdatedAt
	}
	return marker, nil
}
