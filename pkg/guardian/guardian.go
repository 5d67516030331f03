// Package guardian is the budget guardian: a periodic evaluator that reads a
// sliding telemetry window, decides whether a stage plan fits the resource
// budget, and records every decision as a budget_decision ledger entry.
//
// The guardian never blocks execution locally. An over-budget plan is first
// rewritten by dropping budget-sensitive tasks; when no safe rewrite exists
// the decision escalates, and downstream schedulers consume that signal.
package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strataos/keel/pkg/ledger"
	"github.com/strataos/keel/pkg/mirror"
)

// Decision actions.
const (
	ActionNoop     = "noop"
	ActionRewrite  = "rewrite"
	ActionEscalate = "escalate"
)

// TelemetryEvent is one observed task execution.
type TelemetryEvent struct {
	TaskID        string    `json:"task_id"`
	Tokens        int64     `json:"tokens"`
	LatencyMillis int64     `json:"latency_millis"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Limits is the guardian's budget policy. These are configuration, not
// constants; zero fields take the defaults below.
type Limits struct {
	MaxTokens  int64         `json:"max_tokens"`
	MaxLatency time.Duration `json:"max_latency"`
	WindowSize int           `json:"window_size"`
}

// Default budget policy.
const (
	DefaultMaxTokens  = 2000
	DefaultMaxLatency = 1200 * time.Millisecond
	DefaultWindowSize = 64
)

func (l Limits) withDefaults() Limits {
	if l.MaxTokens <= 0 {
		l.MaxTokens = DefaultMaxTokens
	}
	if l.MaxLatency <= 0 {
		l.MaxLatency = DefaultMaxLatency
	}
	if l.WindowSize <= 0 {
		l.WindowSize = DefaultWindowSize
	}
	return l
}

// PlannedTask is one task in a stage plan. BudgetSensitive tasks are
// eligible for removal under resource pressure.
type PlannedTask struct {
	TaskID          string `json:"task_id"`
	BudgetSensitive bool   `json:"budget_sensitive"`
}

// StagePlan is the unit the guardian evaluates and may rewrite.
type StagePlan struct {
	StageID string        `json:"stage_id"`
	Tasks   []PlannedTask `json:"tasks"`
}

// Trigger is the telemetry aggregate that caused an evaluation.
type Trigger struct {
	WindowSize        int     `json:"window_size"`
	MeanTokens        float64 `json:"mean_tokens"`
	MeanLatencyMillis float64 `json:"mean_latency_millis"`
}

// Decision is the recorded outcome of one evaluation.
type Decision struct {
	StageID         string     `json:"stage_id"`
	Action          string     `json:"action"`
	Trigger         Trigger    `json:"trigger"`
	AffectedTasks   []string   `json:"affected_tasks,omitempty"`
	ProjectedTokens float64    `json:"projected_tokens"`
	Rewritten       *StagePlan `json:"rewritten,omitempty"`
	DecidedAt       time.Time  `json:"decided_at"`
}

// Store is the telemetry window the guardian aggregates over.
type Store interface {
	// Record appends one telemetry event.
	Record(ctx context.Context, ev TelemetryEvent) error
	// Window returns up to limit most recent events, newest last.
	Window(ctx context.Context, limit int) ([]TelemetryEvent, error)
}

// Appender is the slice of the dual-write mirror the guardian records
// decisions through.
type Appender interface {
	Append(ctx context.Context, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error)
}

// Metrics counts recorded decisions by action. Satisfied by
// observability.Provider; nil disables counting.
type Metrics interface {
	RecordDecision(ctx context.Context, action string)
}

// Guardian evaluates stage plans against the telemetry budget.
//
// Evaluate holds no locks across its boundary: it reads a window snapshot,
// decides, and performs a single atomic append.
type Guardian struct {
	store    Store
	recorder Appender
	metrics  Metrics
	limits   Limits
	clock    func() time.Time
}

// New wires a guardian over a telemetry store and decision recorder.
func New(store Store, recorder Appender, limits Limits) (*Guardian, error) {
	if store == nil || recorder == nil {
		return nil, fmt.Errorf("guardian: store and recorder are required")
	}
	return &Guardian{
		store:    store,
		recorder: recorder,
		limits:   limits.withDefaults(),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock, for tests.
func (g *Guardian) WithClock(clock func() time.Time) *Guardian {
	g.clock = clock
	return g
}

// WithMetrics attaches a decision counter.
func (g *Guardian) WithMetrics(m Metrics) *Guardian {
	g.metrics = m
	return g
}

// Limits returns the effective budget policy.
func (g *Guardian) Limits() Limits { return g.limits }

// Observe records one telemetry event into the window.
func (g *Guardian) Observe(ctx context.Context, ev TelemetryEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = g.clock()
	}
	return g.store.Record(ctx, ev)
}

// Evaluate aggregates the telemetry window, decides on the plan, and appends
// the decision as a budget_decision entry. Every decision is recorded,
// including noop: the audit trail must show the guardian was evaluated and
// chose not to intervene. The input plan is never mutated; a rewrite is
// returned on the decision.
func (g *Guardian) Evaluate(ctx context.Context, plan StagePlan) (Decision, error) {
	window, err := g.store.Window(ctx, g.limits.WindowSize)
	if err != nil {
		return Decision{}, fmt.Errorf("guardian: read telemetry window: %w", err)
	}

	trigger := aggregate(window)
	d := Decision{
		StageID:   plan.StageID,
		Trigger:   trigger,
		DecidedAt: g.clock(),
	}

	switch {
	case len(window) == 0 || g.withinBudget(trigger.MeanTokens, trigger.MeanLatencyMillis):
		d.Action = ActionNoop
		d.ProjectedTokens = trigger.MeanTokens
	default:
		d = g.rewrite(plan, d)
	}

	if err := g.record(ctx, d); err != nil {
		return Decision{}, err
	}
	if g.metrics != nil {
		g.metrics.RecordDecision(ctx, d.Action)
	}
	return d, nil
}

// rewrite attempts the safe rewrite: drop budget-sensitive tasks and project
// the remaining plan's consumption by scaling the window mean by the share
// of tasks kept. Escalates when nothing can be dropped or the trimmed plan
// still exceeds the budget.
func (g *Guardian) rewrite(plan StagePlan, d Decision) Decision {
	var kept []PlannedTask
	var dropped []string
	for _, t := range plan.Tasks {
		if t.BudgetSensitive {
			dropped = append(dropped, t.TaskID)
		} else {
			kept = append(kept, t)
		}
	}

	// Nothing droppable, or dropping everything, leaves no safe rewrite.
	if len(dropped) == 0 || len(kept) == 0 {
		d.Action = ActionEscalate
		d.ProjectedTokens = d.Trigger.MeanTokens
		return d
	}

	share := float64(len(kept)) / float64(len(plan.Tasks))
	projTokens := d.Trigger.MeanTokens * share
	projLatency := d.Trigger.MeanLatencyMillis * share
	if !g.withinBudget(projTokens, projLatency) {
		d.Action = ActionEscalate
		d.ProjectedTokens = projTokens
		return d
	}

	d.Action = ActionRewrite
	d.AffectedTasks = dropped
	d.ProjectedTokens = projTokens
	d.Rewritten = &StagePlan{StageID: plan.StageID, Tasks: kept}
	return d
}

func (g *Guardian) withinBudget(meanTokens, meanLatencyMillis float64) bool {
	return meanTokens <= float64(g.limits.MaxTokens) &&
		meanLatencyMillis <= float64(g.limits.MaxLatency.Milliseconds())
}

// Run evaluates on a periodic cadence until ctx is canceled. source supplies
// the current stage plan; a false return skips the tick.
func (g *Guardian) Run(ctx context.Context, interval time.Duration, source func(context.Context) (StagePlan, bool)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			plan, ok := source(ctx)
			if !ok {
				continue
			}
			if _, err := g.Evaluate(ctx, plan); err != nil {
				slog.Error("guardian: evaluation failed", "stage_id", plan.StageID, "error", err)
			}
		}
	}
}

func (g *Guardian) record(ctx context.Context, d Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("guardian: marshal decision: %w", err)
	}
	if _, err := g.recorder.Append(ctx, ledger.KindBudgetDecision, d.StageID, payload); err != nil {
		var partial *mirror.PartialMirrorError
		if errors.As(err, &partial) {
			slog.Warn("guardian: mirror drift while recording decision",
				"kind", partial.Kind, "offset", partial.Offset)
			return nil
		}
		return fmt.Errorf("guardian: record decision: %w", err)
	}
	return nil
}

func aggregate(window []TelemetryEvent) Trigger {
	t := Trigger{WindowSize: len(window)}
	if len(window) == 0 {
		return t
	}
	var tokens, latency int64
	for _, ev := range window {
		tokens += ev.Tokens
		latency += ev.LatencyMillis
	}
	t.MeanTokens = float64(tokens) / float64(len(window))
	t.MeanLatencyMillis = float64(latency) / float64(len(window))
	return t
}
