package domain

import "time"

// Watch is a named recurring task. Its schedule decides when it fires; every
// firing produces a TriggeredWatch.
type Watch struct {
	Name    string
	Enabled bool

	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC

	Webhook Webhook

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Webhook is where a watch's executions are delivered.
type Webhook struct {
	URL     string
	Secret  string // HMAC secret, optional
	Timeout time.Duration
}
