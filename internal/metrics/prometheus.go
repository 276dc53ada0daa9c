package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink on top of client_golang.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler
	ticksTotal            prometheus.Counter
	tickErrorsTotal       prometheus.Counter
	watchesTriggeredTotal prometheus.Counter
	tickDuration          prometheus.Histogram
	tickDrift             prometheus.Histogram

	// Record codec
	recordsDecodedTotal       *prometheus.CounterVec
	recordDecodeFailuresTotal *prometheus.CounterVec

	// Recovery
	recoveryCyclesTotal     prometheus.Counter
	recoveryErrorsTotal     prometheus.Counter
	recoveredRecordsTotal   prometheus.Counter
	recoveryDuration        prometheus.Histogram
	pendingTriggeredWatches prometheus.Gauge

	// Dispatcher
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	eventsInFlight        prometheus.Gauge
	triggerLatency        prometheus.Histogram

	// EventBus
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Leader election
	leaderStatus prometheus.Gauge
}

// NewPrometheusSink creates the metric families and registers them on reg.
// A family that fails to register still works, it is just never exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initRecordMetrics(reg)
	s.initRecoveryMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.watchesTriggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_scheduler_watches_triggered_total",
		Help: "Total number of triggered watch records created by the scheduler.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchrecord_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchrecord_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, "watchrecord_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "watchrecord_scheduler_tick_errors_total")
	s.register(reg, s.watchesTriggeredTotal, "watchrecord_scheduler_watches_triggered_total")
	s.register(reg, s.tickDuration, "watchrecord_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "watchrecord_scheduler_tick_drift_seconds")
}

func (s *PrometheusSink) initRecordMetrics(reg prometheus.Registerer) {
	s.recordsDecodedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchrecord_records_decoded_total",
		Help: "Total number of triggered watch records decoded, by trigger type.",
	}, []string{"trigger_type"})
	s.recordDecodeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchrecord_record_decode_failures_total",
		Help: "Total number of triggered watch records that failed to decode, by reason.",
	}, []string{"reason"})

	s.register(reg, s.recordsDecodedTotal, "watchrecord_records_decoded_total")
	s.register(reg, s.recordDecodeFailuresTotal, "watchrecord_record_decode_failures_total")
}

func (s *PrometheusSink) initRecoveryMetrics(reg prometheus.Registerer) {
	s.recoveryCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_recovery_cycles_total",
		Help: "Total number of recovery passes over stored records.",
	})
	s.recoveryErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_recovery_errors_total",
		Help: "Total number of recovery passes that failed.",
	})
	s.recoveredRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_recovery_records_total",
		Help: "Total number of records re-emitted by recovery.",
	})
	s.recoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchrecord_recovery_duration_seconds",
		Help:    "Duration of each recovery pass in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
	s.pendingTriggeredWatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_pending_triggered_watches",
		Help: "Number of triggered watch records waiting for delivery.",
	})

	s.register(reg, s.recoveryCyclesTotal, "watchrecord_recovery_cycles_total")
	s.register(reg, s.recoveryErrorsTotal, "watchrecord_recovery_errors_total")
	s.register(reg, s.recoveredRecordsTotal, "watchrecord_recovery_records_total")
	s.register(reg, s.recoveryDuration, "watchrecord_recovery_duration_seconds")
	s.register(reg, s.pendingTriggeredWatches, "watchrecord_pending_triggered_watches")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchrecord_dispatcher_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchrecord_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per triggered watch.",
	}, []string{"outcome"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchrecord_dispatcher_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchrecord_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_dispatcher_events_in_flight",
		Help: "Number of triggered watches currently being delivered.",
	})
	s.triggerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchrecord_dispatcher_trigger_latency_seconds",
		Help:    "Time between a trigger firing and its dispatch starting.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})

	s.register(reg, s.deliveryAttemptsTotal, "watchrecord_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "watchrecord_dispatcher_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "watchrecord_dispatcher_webhook_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "watchrecord_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "watchrecord_dispatcher_events_in_flight")
	s.register(reg, s.triggerLatency, "watchrecord_dispatcher_trigger_latency_seconds")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_eventbus_buffer_size",
		Help: "Current number of records in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchrecord_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "watchrecord_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "watchrecord_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "watchrecord_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "watchrecord_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchrecord_leader_status",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.register(reg, s.leaderStatus, "watchrecord_leader_status")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, watchesTriggered int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.watchesTriggeredTotal.Add(float64(watchesTriggered))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) RecordDecoded(triggerType string) {
	s.recordsDecodedTotal.WithLabelValues(triggerType).Inc()
}

func (s *PrometheusSink) RecordDecodeFailed(reason string) {
	s.recordDecodeFailuresTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) RecoveryCycleCompleted(duration time.Duration, recovered int, err error) {
	s.recoveryCyclesTotal.Inc()
	s.recoveryDuration.Observe(duration.Seconds())
	s.recoveredRecordsTotal.Add(float64(recovered))
	if err != nil {
		s.recoveryErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) PendingRecordsUpdate(count int) {
	s.pendingTriggeredWatches.Set(float64(count))
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) TriggerLatencyObserve(latency time.Duration) {
	s.triggerLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) LeaderStatusSet(leader bool) {
	if leader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}
