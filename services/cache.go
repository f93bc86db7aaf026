package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"strconv"
	"sync"
	"time"

	"contest-engine/models"
	"contest-engine/repository"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ttlCache holds one value with a single freshness timestamp. Concurrent
// refreshes collapse into one load; a failed refresh keeps serving the old value.
type ttlCache[T any] struct {
	name  string
	clock clockwork.Clock
	ttl   time.Duration
	load  func(context.Context) (T, error)
	group singleflight.Group

	mu        sync.RWMutex
	value     T
	loaded    bool
	fetchedAt time.Time
}

func newTTLCache[T any](name string, clock clockwork.Clock, ttl time.Duration, load func(context.Context) (T, error)) *ttlCache[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ttlCache[T]{name: name, clock: clock, ttl: ttl, load: load}
}

func (c *ttlCache[T]) Get(ctx context.Context) (T, error) {
	c.mu.RLock()
	if c.loaded && c.clock.Since(c.fetchedAt) < c.ttl {
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(c.name, func() (interface{}, error) {
		fresh, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = fresh
		c.loaded = true
		c.fetchedAt = c.clock.Now()
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.loaded {
			log.Printf("[CACHE] ⚠️ %s refresh failed, serving stale copy from %s: %v",
				c.name, c.fetchedAt.Format(time.RFC3339), err)
			return c.value, nil
		}
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate forces the next Get to reload. The current value stays around as
// the stale fallback.
func (c *ttlCache[T]) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// PrizeModel is a parsed distribution model: rank → percentage of the pool.
type PrizeModel struct {
	Name            string
	MinParticipants int
	MaxParticipants int
	Percentages     map[int]decimal.Decimal
}

func (m PrizeModel) clone() PrizeModel {
	m.Percentages = maps.Clone(m.Percentages)
	return m
}

// PrizeModelCache serves active prize distribution models keyed by name.
type PrizeModelCache struct {
	cache *ttlCache[map[string]PrizeModel]
}

func NewPrizeModelCache(repo repository.Repository, clock clockwork.Clock, ttl time.Duration) *PrizeModelCache {
	load := func(ctx context.Context) (map[string]PrizeModel, error) {
		rows, err := readWithRetry(ctx, repo.ActivePrizeModels)
		if err != nil {
			return nil, fmt.Errorf("load prize models: %w", err)
		}
		out := make(map[string]PrizeModel, len(rows))
		for _, row := range rows {
			pct, err := ParseDistributionRules(row.DistributionRules)
			if err != nil {
				log.Printf("[CACHE] ⚠️ Skipping prize model %q: %v", row.Name, err)
				continue
			}
			out[row.Name] = PrizeModel{
				Name:            row.Name,
				MinParticipants: row.MinParticipants,
				MaxParticipants: row.MaxParticipants,
				Percentages:     pct,
			}
		}
		return out, nil
	}
	return &PrizeModelCache{cache: newTTLCache("prize_models", clock, ttl, load)}
}

// GetModels returns a copy of the active models; callers may modify it freely.
func (c *PrizeModelCache) GetModels(ctx context.Context) (map[string]PrizeModel, error) {
	all, err := c.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PrizeModel, len(all))
	for name, m := range all {
		out[name] = m.clone()
	}
	return out, nil
}

// Model returns a copy of the named model or ErrDistributionModelMissing.
func (c *PrizeModelCache) Model(ctx context.Context, name string) (*PrizeModel, error) {
	all, err := c.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDistributionModelMissing, name)
	}
	m = m.clone()
	return &m, nil
}

func (c *PrizeModelCache) Invalidate() { c.cache.Invalidate() }

// ParseDistributionRules accepts {"1": 50, "2": "30"} or the same object
// JSON-encoded inside a string.
func ParseDistributionRules(raw []byte) (map[int]decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("distribution rules are empty")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode distribution rules string: %w", err)
		}
		raw = []byte(inner)
	}

	var byKey map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode distribution rules: %w", err)
	}

	out := make(map[int]decimal.Decimal, len(byKey))
	for key, pct := range byKey {
		rank, err := strconv.Atoi(key)
		if err != nil || rank < 1 {
			return nil, fmt.Errorf("invalid rank key %q", key)
		}
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return nil, fmt.Errorf("percentage %s for rank %d out of range", pct, rank)
		}
		out[rank] = pct
	}
	return out, nil
}

// ScoringConfig is the scoring rule catalog as one cached unit.
type ScoringConfig struct {
	Rules      map[string]models.ScoringRule
	SpeedRules []models.SpeedBonusRule
}

type RulesCache struct {
	cache *ttlCache[ScoringConfig]
}

func NewRulesCache(repo repository.Repository, clock clockwork.Clock, ttl time.Duration) *RulesCache {
	load := func(ctx context.Context) (ScoringConfig, error) {
		rules, err := readWithRetry(ctx, repo.ScoringRules)
		if err != nil {
			return ScoringConfig{}, fmt.Errorf("load scoring rules: %w", err)
		}
		speed, err := readWithRetry(ctx, repo.SpeedBonusRules)
		if err != nil {
			return ScoringConfig{}, fmt.Errorf("load speed bonus rules: %w", err)
		}
		cfg := ScoringConfig{Rules: make(map[string]models.ScoringRule, len(rules)), SpeedRules: speed}
		for _, r := range rules {
			cfg.Rules[r.GameCategory] = r
		}
		return cfg, nil
	}
	return &RulesCache{cache: newTTLCache("scoring_rules", clock, ttl, load)}
}

func (c *RulesCache) Get(ctx context.Context) (ScoringConfig, error) {
	return c.cache.Get(ctx)
}

func (c *RulesCache) Invalidate() { c.cache.Invalidate() }
