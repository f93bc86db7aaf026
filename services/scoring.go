package services

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"contest-engine/models"
)

const (
	ConditionAllSpotsFound   = "all_spots_found"
	ConditionPerfectScore    = "perfect_score"
	ConditionQuickCompletion = "quick_completion"
)

type scoringCondition struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold"`
}

// CalculateScore is the round scoring formula: base points, plus additional
// points when the category condition holds, plus a speed bonus. Incorrect
// answers and unknown categories score 0.
func CalculateScore(
	category string,
	isCorrect bool,
	timeTaken float64,
	additional map[string]any,
	rules map[string]models.ScoringRule,
	speedRules []models.SpeedBonusRule,
	roundDuration time.Duration,
) int {
	if !isCorrect {
		return 0
	}
	rule, ok := rules[category]
	if !ok {
		log.Printf("[SCORE] ⚠️ %v for category %q, scoring 0", ErrScoringRuleMissing, category)
		return 0
	}

	score := rule.BasePoints
	if conditionHolds(rule, timeTaken, additional) {
		score += rule.AdditionalPoints
	}
	score += speedBonus(roundDuration.Seconds()-timeTaken, speedRules)
	if score < 0 {
		return 0
	}
	return score
}

func conditionHolds(rule models.ScoringRule, timeTaken float64, additional map[string]any) bool {
	if len(rule.Condition) == 0 {
		return false
	}
	var cond scoringCondition
	if err := json.Unmarshal(rule.Condition, &cond); err != nil {
		log.Printf("[SCORE] ⚠️ Bad condition for category %q: %v", rule.GameCategory, err)
		return false
	}

	switch cond.Type {
	case ConditionAllSpotsFound:
		found, ok1 := number(additional["found"])
		total, ok2 := number(additional["total"])
		return ok1 && ok2 && total > 0 && found == total
	case ConditionPerfectScore:
		s, ok := number(additional["score"])
		return ok && s == 100
	case ConditionQuickCompletion:
		return timeTaken < cond.Threshold
	default:
		return false
	}
}

// speedBonus returns the bonus of the highest threshold not above remaining.
func speedBonus(remaining float64, speedRules []models.SpeedBonusRule) int {
	ordered := append([]models.SpeedBonusRule(nil), speedRules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimeThreshold > ordered[j].TimeThreshold
	})
	for _, r := range ordered {
		if r.TimeThreshold <= remaining {
			return r.BonusPoints
		}
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ScoringEngine binds the formula to the cached rule catalog.
type ScoringEngine struct {
	rules         *RulesCache
	roundDuration time.Duration
}

func NewScoringEngine(rules *RulesCache, roundDuration time.Duration) *ScoringEngine {
	return &ScoringEngine{rules: rules, roundDuration: roundDuration}
}

// Score never fails the round: if the catalog cannot be loaded it scores 0.
func (e *ScoringEngine) Score(ctx context.Context, category string, isCorrect bool, timeTaken float64, additional map[string]any) int {
	if !isCorrect {
		return 0
	}
	cfg, err := e.rules.Get(ctx)
	if err != nil {
		log.Printf("[SCORE] ❌ Scoring rules unavailable for category %q: %v", category, err)
		return 0
	}
	return CalculateScore(category, isCorrect, timeTaken, additional, cfg.Rules, cfg.SpeedRules, e.roundDuration)
}
