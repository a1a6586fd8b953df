// Package errtrack counts consecutive failures per group and fires a
// webhook alert at specific thresholds: marshal, POST, check status,
// unmarshal a {message, code} envelope, with an async fire-and-forget
// variant that only logs on failure.
package errtrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AlertPayload is what gets POSTed to the configured webhook URL.
type AlertPayload struct {
	GroupFolder       string `json:"group_folder"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error"`
}

type alertResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type state struct {
	consecutive int
	lastError   string
}

// Tracker holds per-group failure state and knows how to alert on it.
type Tracker struct {
	mu         sync.Mutex
	groups     map[string]*state
	webhookURL string
	client     *http.Client
}

// New creates a Tracker. webhookURL may be empty, in which case Notify
// calls are no-ops — sandbox execution without alerting configured is a
// supported mode.
func New(webhookURL string) *Tracker {
	return &Tracker{
		groups:     make(map[string]*state),
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// RecordError increments the consecutive-failure counter for a group and
// returns the new count plus whether this count should trigger an alert
// (at count 1, and every multiple of 3 thereafter).
func (t *Tracker) RecordError(group, errText string) (count int, shouldAlert bool) {
	t.mu.Lock()
	s, ok := t.groups[group]
	if !ok {
		s = &state{}
		t.groups[group] = s
	}
	s.consecutive++
	s.lastError = errText
	count = s.consecutive
	t.mu.Unlock()

	return count, count == 1 || count%3 == 0
}

// ResetErrors zeroes a group's consecutive-failure counter, called on any
// successful execution.
func (t *Tracker) ResetErrors(group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, group)
}

// Post sends the alert synchronously and returns any transport or
// non-2xx-status error.
func (t *Tracker) Post(ctx context.Context, p AlertPayload) error {
	if t.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal alert payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post alert")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	var out alertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Wrap(err, "decode alert response")
	}
	if out.Code != 0 {
		return fmt.Errorf("alert webhook error: %s", out.Message)
	}
	return nil
}

// PostAsync fires Post in the background and logs failure, never blocking
// the caller — used so a webhook outage cannot stall execution.
func (t *Tracker) PostAsync(p AlertPayload) {
	go func() {
		if err := t.Post(context.Background(), p); err != nil {
			slog.Warn("errtrack: alert post failed", "group", p.GroupFolder, "error", err)
		}
	}()
}

// NotifyOnFailure combines RecordError and a conditional PostAsync; call
// it from the sandbox runner after every failed execution.
func (t *Tracker) NotifyOnFailure(group, errText string) {
	count, shouldAlert := t.RecordError(group, errText)
	if shouldAlert {
		t.PostAsync(AlertPayload{GroupFolder: group, ConsecutiveErrors: count, LastError: errText})
	}
}
