package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/relayd/internal/infra/queue"
	"github.com/vietddude/relayd/internal/relaying/metrics"
	"github.com/vietddude/relayd/internal/relaying/router"
)

// Status is the aggregate health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Pinger is anything with a reachability check (db, redis).
type Pinger interface {
	Health(ctx context.Context) error
}

// Report is the detailed health payload.
type Report struct {
	Status    Status          `json:"status"`
	Database  string          `json:"database,omitempty"`
	Redis     string          `json:"redis"`
	MainQueue int64           `json:"main_queue_depth"`
	DLQ       int64           `json:"dlq_depth"`
	Endpoints []router.Entry  `json:"endpoints"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Monitor aggregates liveness of the relay's collaborators and feeds the
// queue-depth gauges.
type Monitor struct {
	db        Pinger // nil when running without a database
	redis     Pinger
	mainQueue queue.Queue
	dlq       queue.Queue
	rtr       *router.Router
	log       *slog.Logger
}

// NewMonitor creates a health monitor.
func NewMonitor(db, redis Pinger, mainQueue, dlq queue.Queue, rtr *router.Router) *Monitor {
	return &Monitor{
		db:        db,
		redis:     redis,
		mainQueue: mainQueue,
		dlq:       dlq,
		rtr:       rtr,
		log:       slog.Default().With("component", "health"),
	}
}

// CheckHealth builds a point-in-time report.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Redis:     "ok",
		CheckedAt: time.Now(),
	}

	if m.db != nil {
		report.Database = "ok"
		if err := m.db.Health(ctx); err != nil {
			report.Database = err.Error()
			report.Status = StatusCritical
		}
	}

	if err := m.redis.Health(ctx); err != nil {
		report.Redis = err.Error()
		report.Status = StatusCritical
	}

	if n, err := m.mainQueue.Size(ctx); err == nil {
		report.MainQueue = n
		metrics.QueueDepth.WithLabelValues("main").Set(float64(n))
	}
	if n, err := m.dlq.Size(ctx); err == nil {
		report.DLQ = n
		metrics.QueueDepth.WithLabelValues("dlq").Set(float64(n))
	}

	if m.rtr != nil {
		report.Endpoints = m.rtr.Snapshot()
		if report.Status == StatusHealthy && len(report.Endpoints) > 0 {
			healthy := 0
			for _, e := range report.Endpoints {
				if e.Healthy {
					healthy++
				}
			}
			if healthy == 0 {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// Start runs the periodic background check that keeps the gauges fresh.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.CheckHealth(ctx)
			if report.Status != StatusHealthy {
				m.log.Warn("Health degraded", "status", report.Status,
					"database", report.Database, "redis", report.Redis)
			}
		}
	}
}
