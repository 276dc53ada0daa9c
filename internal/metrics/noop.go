package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                              {}
func (n *NoopSink) TickCompleted(duration time.Duration, watchesTriggered int, err error)     {}
func (n *NoopSink) TickDrift(drift time.Duration)                                             {}
func (n *NoopSink) RecordDecoded(triggerType string)                                          {}
func (n *NoopSink) RecordDecodeFailed(reason string)                                          {}
func (n *NoopSink) RecoveryCycleCompleted(duration time.Duration, recovered int, err error)   {}
func (n *NoopSink) PendingRecordsUpdate(count int)                                            {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) TriggerLatencyObserve(latency time.Duration)                               {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                 {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) LeaderStatusSet(leader bool)                                               {}
