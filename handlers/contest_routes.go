package handlers

import (
	"errors"
	"strconv"
	"time"

	"contest-engine/middleware"
	"contest-engine/repository"
	"contest-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
)

type ContestHandler struct {
	Contests    *services.ContestService
	Progress    *services.ContestProgressCoordinator
	Sessions    *services.GameSessionHandler
	Watcher     *services.ContestCompletionWatcher
	Distributor *services.PrizeDistributor
	Repo        repository.Repository

	PollInterval       time.Duration
	InvalidateInterval time.Duration
	Clock              clockwork.Clock
}

func (h *ContestHandler) clock() clockwork.Clock {
	if h.Clock == nil {
		return clockwork.NewRealClock()
	}
	return h.Clock
}

func SetupContestRoutes(app *fiber.App, h *ContestHandler) {
	secured := app.Group("/contests", middleware.UserContextMiddleware())

	secured.Post("/:id/join", h.Join)
	secured.Get("/:id/progress", h.GetProgress)
	secured.Post("/:id/rounds/complete", h.CompleteRound)
	secured.Get("/:id/status", h.GetStatus)
	secured.Get("/:id/leaderboard", h.GetLeaderboard)
	secured.Get("/:id/stream", h.Stream)

	// Admin
	secured.Post("/:id/settle", middleware.RequireRole("admin"), h.Settle)
}

func (h *ContestHandler) Join(c *fiber.Ctx) error {
	uc, err := h.Contests.Join(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(uc)
}

// GetProgress runs one reconciliation pass. The client may pass what it
// believes via ?game_index= and ?game_start_time= (RFC3339).
func (h *ContestHandler) GetProgress(c *fiber.Ctx) error {
	var local *services.LocalProgress
	if raw := c.Query("game_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid game_index"})
		}
		local = &services.LocalProgress{GameIndex: idx}
		if rawStart := c.Query("game_start_time"); rawStart != "" {
			t, err := time.Parse(time.RFC3339Nano, rawStart)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid game_start_time"})
			}
			local.GameStartTime = &t
		}
	}

	snap, err := h.Progress.Reconcile(c.UserContext(), middleware.UserID(c), c.Params("id"), local)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

func (h *ContestHandler) CompleteRound(c *fiber.Ctx) error {
	var sub services.RoundSubmission
	if err := c.BodyParser(&sub); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body", "cause": err.Error()})
	}
	if sub.GameIndex < 0 || sub.TimeTaken < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "game_index and time_taken must not be negative"})
	}

	res, err := h.Sessions.CompleteRound(c.UserContext(), middleware.UserID(c), c.Params("id"), sub)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *ContestHandler) GetStatus(c *fiber.Ctx) error {
	st, err := h.Watcher.Check(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

func (h *ContestHandler) GetLeaderboard(c *fiber.Ctx) error {
	view, err := h.Contests.Leaderboard(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

func (h *ContestHandler) Settle(c *fiber.Ctx) error {
	res, err := h.Distributor.Distribute(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func respondError(c *fiber.Ctx, err error) error {
	var stale *services.StaleIndexError
	switch {
	case errors.As(err, &stale):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":        "stale game index",
			"server_index": stale.ServerIndex,
		})
	case errors.Is(err, repository.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found", "cause": err.Error()})
	case errors.Is(err, repository.ErrInsufficientBalance):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrContestFull),
		errors.Is(err, repository.ErrAlreadyJoined),
		errors.Is(err, repository.ErrContestClosed),
		errors.Is(err, services.ErrOperationInProgress),
		errors.Is(err, services.ErrContestCompleted),
		errors.Is(err, services.ErrContestNotStarted),
		errors.Is(err, services.ErrRoundClosed),
		errors.Is(err, services.ErrContestNotFinished):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrDistributionModelMissing):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrSaveProgressFailed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "failed to save progress, please retry",
			"cause": err.Error(),
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error", "cause": err.Error()})
	}
}
