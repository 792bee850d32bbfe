package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// sseEvent mirrors internal/dashboard.sseEvent's wire shape. That type is
// unexported, so borgtop — a separate binary talking to the dashboard only
// over HTTP — decodes its own copy rather than importing internal/dashboard.
type sseEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// statusSnapshot mirrors the JSON object GET /api/status returns.
type statusSnapshot struct {
	Repos         int            `json:"repos"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
	TotalEvents   int            `json:"total_events"`
}

// dashboardClient is a read-only HTTP client for one borg dashboard
// instance: GET /api/status for the periodic snapshot, GET /api/stream
// for the live SSE feed. It never calls a write endpoint.
type dashboardClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newDashboardClient(baseURL, token string) *dashboardClient {
	return &dashboardClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *dashboardClient) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// FetchStatus polls GET /api/status once.
func (c *dashboardClient) FetchStatus(ctx context.Context) (statusSnapshot, error) {
	var snap statusSnapshot
	req, err := c.newRequest(ctx, "/api/status")
	if err != nil {
		return snap, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("dashboard status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}

// Stream opens GET /api/stream and pushes each decoded event onto the
// returned channel until ctx is cancelled or the connection drops, at
// which point the channel is closed. Reconnection, if desired, is the
// caller's job — borgtop's model retries with backoff (see model.go).
func (c *dashboardClient) Stream(ctx context.Context) (<-chan sseEvent, error) {
	req, err := c.newRequest(ctx, "/api/stream")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{} // no timeout: this connection is meant to stay open
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("dashboard stream %d", resp.StatusCode)
	}

	ch := make(chan sseEvent, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
