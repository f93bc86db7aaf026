package services

import (
	"errors"
	"fmt"
)

var (
	// configuration
	ErrDistributionModelMissing = errors.New("prize distribution model not configured")
	ErrScoringRuleMissing       = errors.New("scoring rule not configured")

	// conflict
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrStaleGameIndex      = errors.New("game index is stale")
	ErrContestNotStarted   = errors.New("contest has not started")

	// terminal
	ErrContestCompleted = errors.New("contest already completed")
	ErrRoundClosed      = errors.New("round already closed")

	ErrSaveProgressFailed = errors.New("failed to save progress")
)

// StaleIndexError carries the authoritative index the caller should resync to.
type StaleIndexError struct {
	ClientIndex int
	ServerIndex int
}

func (e *StaleIndexError) Error() string {
	return fmt.Sprintf("game index %d is stale, server is at %d", e.ClientIndex, e.ServerIndex)
}

func (e *StaleIndexError) Unwrap() error {
	return ErrStaleGameIndex
}
