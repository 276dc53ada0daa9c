package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
)

type CreateWatchRequest struct {
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	WebhookURL     string `json:"webhook_url"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	WebhookTimeout int    `json:"webhook_timeout_seconds,omitempty"` // default 30
	Disabled       bool   `json:"disabled,omitempty"`
}

type WatchResponse struct {
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	CronExpression string   `json:"cron_expression"`
	Timezone       string   `json:"timezone"`
	WebhookURL     string   `json:"webhook_url"`
	CreatedAt      string   `json:"created_at"`
	NextRuns       []string `json:"next_runs,omitempty"`
}

type ListWatchesResponse struct {
	Watches []WatchResponse `json:"watches"`
}

type ExecuteResponse struct {
	ID          string `json:"id"`
	WatchName   string `json:"watch_name"`
	TriggerType string `json:"trigger_type"`
	// Queued is false when the event bus refused the record; it is stored
	// and will be picked up by recovery.
	Queued bool `json:"queued"`
}

// TriggeredWatchResponse renders a pending record. Record holds the stored
// document as is; DecodeError is set instead when it does not decode.
type TriggeredWatchResponse struct {
	ID          string          `json:"id"`
	Version     int64           `json:"version"`
	CreatedAt   string          `json:"created_at"`
	TriggerType string          `json:"trigger_type,omitempty"`
	Record      json.RawMessage `json:"record,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
}

type ListTriggeredWatchesResponse struct {
	Total            int                      `json:"total"`
	TriggeredWatches []TriggeredWatchResponse `json:"triggered_watches"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(document.DateLayout)
}
