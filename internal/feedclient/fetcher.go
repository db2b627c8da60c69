// Package feedclient connects a fleet.Manager to a running relay: snapshots
// over REST and live changes over the websocket push channel.
package feedclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ukydev/control-room/internal/models"
)

// HTTPFetcher loads tenant snapshots from GET /api/positions/{tenant}/latest.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the relay at baseURL. A nil client
// gets a 15 second timeout.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// FetchSnapshot implements fleet.SnapshotFetcher.
func (f *HTTPFetcher) FetchSnapshot(ctx context.Context, tenantID string) (models.Snapshot, error) {
	endpoint := f.baseURL + "/api/positions/" + url.PathEscape(tenantID) + "/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		if body.Error != "" {
			return nil, fmt.Errorf("fetch snapshot: status %d: %s", resp.StatusCode, body.Error)
		}
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}

	var records []models.PositionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return models.NewSnapshot(records), nil
}

// WebsocketURL derives the push channel URL from the relay base URL.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}
