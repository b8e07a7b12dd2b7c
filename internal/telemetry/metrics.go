package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты захвата lock'а (label result).
const (
	LockAcquired = "acquired"
	LockBusy     = "busy"
	LockTimeout  = "timeout"
	LockError    = "error"
)

// Исходы обработки правила (label outcome).
const (
	OutcomeAdvanced = "advanced"
	OutcomeRetired  = "retired"
	OutcomeSkipped  = "skipped"
	OutcomeBusy     = "busy"
	OutcomeFailed   = "failed"
)

var (
	// Occurrences — обработанные правила по исходу.
	Occurrences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recur_occurrences_total",
		Help: "Processed recurrence rules by outcome",
	}, []string{"outcome"})

	// LockAcquisitions — попытки захвата advisory lock.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recur_lock_acquisitions_total",
		Help: "Advisory lock acquisition attempts by result",
	}, []string{"result"})

	// UnitOfWorkDuration — длительность durable unit of work (под lock'ом).
	UnitOfWorkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recur_unit_of_work_seconds",
		Help:    "Duration of durable units of work",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recur_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "status"})
)
