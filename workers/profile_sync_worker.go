// workers/profile_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"contest-engine/models"
	"contest-engine/repository"
)

// RemoteProfile is one entry of the profile service's change feed.
type RemoteProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updated_at"`
}

type GetProfileChangesResponse struct {
	Users []RemoteProfile `json:"users"`
}

// ProfileSyncWorker mirrors usernames from the profile service so the
// leaderboard can show them. Wallet balances are never touched.
type ProfileSyncWorker struct {
	repo         repository.Repository
	interval     time.Duration
	baseURL      string // e.g., "http://localhost:8500"
	endpointPath string // e.g., "/api/v1/public/profiles"
	serviceToken string
	httpClient   *http.Client
	lastSync     time.Time
}

func NewProfileSyncWorker(repo repository.Repository, baseURL, endpointPath, serviceToken string, httpClient *http.Client) *ProfileSyncWorker {
	return &ProfileSyncWorker{
		repo:         repo,
		interval:     1 * time.Minute,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   httpClient,
	}
}

func (w *ProfileSyncWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Profile Sync Worker (profile-service → profiles)…")
	go w.run(ctx)
}

func (w *ProfileSyncWorker) run(ctx context.Context) {
	// Initial backfill from the beginning of time
	if err := w.SyncOnce(ctx); err != nil {
		log.Printf("⚠️ Initial profile sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				log.Printf("❌ Profile sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Profile Sync Worker stopped")
			return
		}
	}
}

// SyncOnce pulls changes since the last successful batch. The cursor only
// moves forward when the batch was stored.
func (w *ProfileSyncWorker) SyncOnce(ctx context.Context) error {
	profiles, err := w.fetchChanges(ctx, w.lastSync)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		log.Printf("[SYNC] ✅ No profile changes since %s", w.lastSync.UTC().Format(time.RFC3339))
		return nil
	}

	rows := make([]models.Profile, 0, len(profiles))
	latest := w.lastSync
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		row := models.Profile{ID: p.ID, Username: p.Username}
		row.UpdatedAt = p.UpdatedAt
		rows = append(rows, row)
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
	}

	if err := w.repo.UpsertProfileUsernames(ctx, rows); err != nil {
		return fmt.Errorf("failed to upsert %d profile(s): %w", len(rows), err)
	}
	w.lastSync = latest
	log.Printf("[SYNC] ✅ Synced %d profile(s), cursor now %s", len(rows), latest.UTC().Format(time.RFC3339))
	return nil
}

func (w *ProfileSyncWorker) fetchChanges(ctx context.Context, since time.Time) ([]RemoteProfile, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid profile service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to profile service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("profile service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response GetProfileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode profile service response: %w", err)
	}
	return response.Users, nil
}
