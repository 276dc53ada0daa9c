package metrics

import (
	"strings"
	"time"
)

// Sink records service metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler
	TickStarted()
	TickCompleted(duration time.Duration, watchesTriggered int, err error)
	TickDrift(drift time.Duration)

	// Record codec
	RecordDecoded(triggerType string)
	RecordDecodeFailed(reason string)

	// Recovery
	RecoveryCycleCompleted(duration time.Duration, recovered int, err error)
	PendingRecordsUpdate(count int)

	// Dispatcher
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
	TriggerLatencyObserve(latency time.Duration)

	// EventBus
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Leader election
	LeaderStatusSet(leader bool)
}

// Outcome constants for DeliveryOutcome.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeDropped     = "dropped"
)

// Reason constants for RecordDecodeFailed.
const (
	ReasonMissingTriggerEvent = "missing_trigger_event"
	ReasonNotAnObject         = "not_an_object"
	ReasonUnknownTriggerType  = "unknown_trigger_type"
	ReasonInvalidID           = "invalid_id"
	ReasonMalformed           = "malformed"
)

// StatusClass constants for DeliveryAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a bounded status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"),
			strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
