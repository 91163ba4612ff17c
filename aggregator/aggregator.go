// Package aggregator consumes workflow and scheduler lifecycle events and
// turns them into Prometheus metrics, a sliding throughput window, and
// TTL'd KV snapshots for dashboards.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/kv"
	"github.com/c360studio/conductor/workflow"
)

// SnapshotKey is where the aggregator's rollup snapshot lives in the KV
// store.
const SnapshotKey = "metrics:orchestrator:snapshot"

// Config tunes the aggregator.
type Config struct {
	// Window is the throughput measurement window.
	Window time.Duration
	// SnapshotInterval is how often the rollup is written to KV.
	SnapshotInterval time.Duration
	// SnapshotTTL bounds how long a stale snapshot survives.
	SnapshotTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:           time.Minute,
		SnapshotInterval: 10 * time.Second,
		SnapshotTTL:      5 * time.Minute,
	}
}

// Snapshot is the rollup written to KV and served to dashboards.
type Snapshot struct {
	WorkflowsByStatus map[string]int64 `json:"workflows_by_status"`
	ExecutionsByState map[string]int64 `json:"executions_by_state"`
	EventsPerMinute   int              `json:"events_per_minute"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Aggregator owns the metric subscriptions. Safe for concurrent use.
type Aggregator struct {
	cfg    Config
	bus    bus.Bus
	kv     kv.Store
	logger *slog.Logger

	workflowEvents *prometheus.CounterVec
	jobExecutions  *prometheus.CounterVec
	execDuration   prometheus.Histogram

	mu       sync.Mutex
	byStatus map[string]int64
	byState  map[string]int64
	window   []time.Time
	subs     []bus.Subscription

	stop chan struct{}
	done chan struct{}
}

// New wires an Aggregator and registers its collectors on reg.
func New(cfg Config, b bus.Bus, kvStore kv.Store, reg prometheus.Registerer, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		cfg:    cfg,
		bus:    b,
		kv:     kvStore,
		logger: logger.With("component", "aggregator"),
		workflowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_workflow_events_total",
			Help: "Workflow lifecycle events by stage and status.",
		}, []string{"stage", "status"}),
		jobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_job_executions_total",
			Help: "Scheduled job executions by outcome.",
		}, []string{"status"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_job_execution_duration_seconds",
			Help:    "Scheduled job execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		byStatus: make(map[string]int64),
		byState:  make(map[string]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if reg != nil {
		reg.MustRegister(a.workflowEvents, a.jobExecutions, a.execDuration)
	}
	return a
}

// Start binds the event subscriptions and the snapshot loop.
func (a *Aggregator) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, workflow.WorkflowEventsTopic, a.onWorkflowEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", workflow.WorkflowEventsTopic, err)
	}
	a.subs = append(a.subs, sub)

	for _, topic := range []string{
		workflow.ExecutionSuccessTopic,
		workflow.ExecutionFailedTopic,
		workflow.ExecutionRetryScheduledTopic,
	} {
		sub, err := a.bus.Subscribe(ctx, topic, a.onSchedulerEvent)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		a.subs = append(a.subs, sub)
	}

	go a.snapshotLoop(ctx)
	a.logger.Info("aggregator started", "window", a.cfg.Window)
	return nil
}

// Stop drains subscriptions and halts the snapshot loop.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
	for _, sub := range a.subs {
		if err := sub.Drain(); err != nil {
			a.logger.Warn("drain subscription", "error", err)
		}
	}
	a.subs = nil
}

func (a *Aggregator) onWorkflowEvent(_ context.Context, msg bus.Message) error {
	var ev workflow.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		a.logger.Warn("undecodable workflow event", "error", err)
		return nil
	}
	a.workflowEvents.WithLabelValues(ev.Metadata.Stage, string(ev.Status)).Inc()

	a.mu.Lock()
	a.byStatus[string(ev.Status)]++
	a.observeLocked(time.Now())
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) onSchedulerEvent(_ context.Context, msg bus.Message) error {
	var ev workflow.SchedulerEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		a.logger.Warn("undecodable scheduler event", "error", err)
		return nil
	}
	a.jobExecutions.WithLabelValues(string(ev.Status)).Inc()
	if ev.DurationMS > 0 {
		a.execDuration.Observe(float64(ev.DurationMS) / 1000)
	}

	a.mu.Lock()
	a.byState[string(ev.Status)]++
	a.observeLocked(time.Now())
	a.mu.Unlock()
	return nil
}

// observeLocked records one event in the sliding window and prunes entries
// older than the window. Callers hold a.mu.
func (a *Aggregator) observeLocked(now time.Time) {
	a.window = append(a.window, now)
	cutoff := now.Add(-a.cfg.Window)
	i := 0
	for i < len(a.window) && a.window[i].Before(cutoff) {
		i++
	}
	a.window = a.window[i:]
}

// EventsPerMinute returns the number of events observed in the sliding
// window, scaled to a per-minute rate.
func (a *Aggregator) EventsPerMinute() int {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-a.cfg.Window)
	n := 0
	for _, t := range a.window {
		if !t.Before(cutoff) {
			n++
		}
	}
	if a.cfg.Window == time.Minute {
		return n
	}
	return int(float64(n) * float64(time.Minute) / float64(a.cfg.Window))
}

// CurrentSnapshot builds the rollup from the counters.
func (a *Aggregator) CurrentSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	byStatus := make(map[string]int64, len(a.byStatus))
	for k, v := range a.byStatus {
		byStatus[k] = v
	}
	byState := make(map[string]int64, len(a.byState))
	for k, v := range a.byState {
		byState[k] = v
	}
	cutoff := time.Now().Add(-a.cfg.Window)
	n := 0
	for _, t := range a.window {
		if !t.Before(cutoff) {
			n++
		}
	}
	return Snapshot{
		WorkflowsByStatus: byStatus,
		ExecutionsByState: byState,
		EventsPerMinute:   n,
		UpdatedAt:         time.Now().UTC(),
	}
}

func (a *Aggregator) snapshotLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.writeSnapshot(ctx)
		}
	}
}

// writeSnapshot persists the rollup with a TTL so a dead aggregator's data
// ages out of dashboards.
func (a *Aggregator) writeSnapshot(ctx context.Context) {
	snap := a.CurrentSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		a.logger.Error("encode snapshot", "error", err)
		return
	}
	if err := a.kv.Set(ctx, SnapshotKey, data, a.cfg.SnapshotTTL); err != nil {
		a.logger.Warn("write snapshot", "error", err)
	}
}
