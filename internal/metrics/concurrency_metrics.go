package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result.
const (
	ResultAcquired  = "acquired"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultReleased  = "released"
	ResultNotHeld   = "not_held"
	ResultCommitted = "committed"
	ResultConflict  = "conflict"
	ResultAborted   = "aborted"
	ResultExhausted = "exhausted"
	ResultAllowed   = "allowed"
	ResultRejected  = "rejected"
)

// ConcurrencyMetrics содержит метрики слоя управления конкурентностью:
// распределённые блокировки, optimistic retry и ограничение частоты.
// Nil-указатель допустим: все методы становятся no-op.
type ConcurrencyMetrics struct {
	lockAcquire *prometheus.CounterVec
	lockRelease *prometheus.CounterVec
	lockWait    prometheus.Histogram

	optimisticAttempts *prometheus.CounterVec

	rateLimitDecisions   *prometheus.CounterVec
	rateLimitStoreErrors prometheus.Counter

	orderTransitions *prometheus.CounterVec
	timeoutSweeps    *prometheus.CounterVec
}

// NewConcurrencyMetrics регистрирует метрики в DefaultRegisterer.
func NewConcurrencyMetrics() *ConcurrencyMetrics {
	return NewConcurrencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewConcurrencyMetricsWithRegisterer регистрирует метрики в переданном registerer
// (в тестах — в изолированном prometheus.NewRegistry()).
func NewConcurrencyMetricsWithRegisterer(registerer prometheus.Registerer) *ConcurrencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ConcurrencyMetrics{
		lockAcquire: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_lock_acquire_total",
			Help: "Distributed lock acquisition attempts grouped by result",
		}, []string{"result"}),
		lockRelease: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_lock_release_total",
			Help: "Distributed lock releases grouped by result",
		}, []string{"result"}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "foodorder_lock_wait_seconds",
			Help:    "Time spent waiting for a distributed lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}),
		optimisticAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_optimistic_attempts_total",
			Help: "Optimistic update attempts grouped by entity and result",
		}, []string{"entity", "result"}),
		rateLimitDecisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_ratelimit_decisions_total",
			Help: "Rate limiter decisions grouped by policy and result",
		}, []string{"policy", "result"}),
		rateLimitStoreErrors: registerCounter(registerer, prometheus.CounterOpts{
			Name: "foodorder_ratelimit_store_errors_total",
			Help: "Counter store failures; the limiter fails open on each of them",
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_order_transitions_total",
			Help: "Order state transitions grouped by operation and result",
		}, []string{"operation", "result"}),
		timeoutSweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "foodorder_order_timeout_processed_total",
			Help: "Orders processed by the timeout task grouped by action and result",
		}, []string{"action", "result"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordLockAcquire фиксирует исход попытки взять блокировку и время ожидания.
func (m *ConcurrencyMetrics) RecordLockAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(result).Inc()
	m.lockWait.Observe(waited.Seconds())
}

// RecordLockRelease фиксирует исход release.
func (m *ConcurrencyMetrics) RecordLockRelease(result string) {
	if m == nil {
		return
	}
	m.lockRelease.WithLabelValues(result).Inc()
}

// RecordOptimisticAttempt фиксирует одну попытку условного обновления.
func (m *ConcurrencyMetrics) RecordOptimisticAttempt(entity, result string) {
	if m == nil {
		return
	}
	m.optimisticAttempts.WithLabelValues(entity, result).Inc()
}

// RecordRateLimitDecision фиксирует решение ограничителя.
func (m *ConcurrencyMetrics) RecordRateLimitDecision(policy string, allowed bool) {
	if m == nil {
		return
	}
	result := ResultRejected
	if allowed {
		result = ResultAllowed
	}
	m.rateLimitDecisions.WithLabelValues(policy, result).Inc()
}

// RecordRateLimitStoreError фиксирует недоступность счётчиков.
func (m *ConcurrencyMetrics) RecordRateLimitStoreError() {
	if m == nil {
		return
	}
	m.rateLimitStoreErrors.Inc()
}

// RecordTransition фиксирует результат операции над заказом.
func (m *ConcurrencyMetrics) RecordTransition(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orderTransitions.WithLabelValues(operation, result).Inc()
}

// RecordTimeoutSweep фиксирует обработку заказа фоновой задачей таймаутов.
func (m *ConcurrencyMetrics) RecordTimeoutSweep(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.timeoutSweeps.WithLabelValues(action, result).Inc()
}
