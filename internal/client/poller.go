package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"event_delivery/internal/models"
)

// HTTPPoller fetches timeline batches from the poll endpoint.
type HTTPPoller struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPPoller(baseURL string) *HTTPPoller {
	return &HTTPPoller{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPoller) Poll(ctx context.Context, sessionID string, cursor int64, limit int) ([]models.TimelineEvent, int64, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/events?cursor=%s&limit=%d",
		p.BaseURL, sessionID, strconv.FormatInt(cursor, 10), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cursor, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, cursor, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, cursor, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Events     []models.TimelineEvent `json:"events"`
		NextCursor int64                  `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, cursor, fmt.Errorf("decode poll response: %w", err)
	}

	return body.Events, body.NextCursor, nil
}
