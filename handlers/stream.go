package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"contest-engine/middleware"
	"contest-engine/services"

	"github.com/gofiber/fiber/v2"
)

type sseEvent struct {
	name string
	data any
}

// Stream pushes progress snapshots, change notifications and the contest end
// to one player over SSE. "invalidate" events carry no state: clients refetch.
func (h *ContestHandler) Stream(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	contestID := c.Params("id")
	serverDone := c.Context().Done()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := make(chan sseEvent, 16)
		emit := func(e sseEvent) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		progressNudge := make(chan struct{}, 1)
		watchNudge := make(chan struct{}, 1)

		go h.Progress.Run(ctx, userID, contestID, h.PollInterval, progressNudge, func(s *services.ProgressSnapshot) {
			emit(sseEvent{name: "progress", data: s})
		})
		go func() {
			err := h.Watcher.Watch(ctx, userID, contestID, h.PollInterval, watchNudge, func(st *services.CompletionStatus) {
				// Warm the leaderboard so settlement runs before the client lands on it.
				if _, err := h.Contests.Leaderboard(ctx, contestID); err != nil {
					log.Printf("[SSE] leaderboard prefetch for contest %s: %v", contestID, err)
				}
				emit(sseEvent{name: "ended", data: st})
			})
			if err != nil && ctx.Err() == nil {
				emit(sseEvent{name: "error", data: fiber.Map{"error": err.Error()}})
			}
		}()

		var marker time.Time
		if m, err := h.Repo.ChangeMarker(ctx, userID, contestID); err == nil {
			marker = m
		} else {
			log.Printf("SSE init error for user %s contest %s: %v", userID, contestID, err)
		}

		ticker := h.clock().NewTicker(h.InvalidateInterval)
		defer ticker.Stop()

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case e := <-events:
				payload, _ := json.Marshal(e.data)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, payload)
				if err := w.Flush(); err != nil {
					return
				}
				if e.name == "ended" || e.name == "error" {
					return
				}

			case <-ticker.Chan():
				m, err := h.Repo.ChangeMarker(ctx, userID, contestID)
				if err != nil {
					log.Printf("SSE query error for user %s contest %s: %v", userID, contestID, err)
					continue
				}
				if m.After(marker) {
					marker = m
					nudge(progressNudge)
					nudge(watchNudge)
					fmt.Fprintf(w, "event: invalidate\ndata: {\"contest_id\":%q}\n\n", contestID)
				} else {
					w.WriteString(":\n\n")
				}
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-serverDone:
				return
			}
		}
	})

	return nil
}

func nudge(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
