// Package scheduler runs periodic maintenance while a worker is served:
// pruning stale cached language data and old journal rows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/events"
)

//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/ocrbridge/internal/scheduler Pruner

// Event types published on the hub.
const (
	EventPruned = "maintenance.pruned"
	EventFailed = "maintenance.failed"
)

// Report is what one prune pass removed.
type Report struct {
	Removed    int64
	FreedBytes int64
}

// Pruner removes data older than a retention period.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (Report, error)
}

// PrunerFunc adapts a function to Pruner.
type PrunerFunc func(ctx context.Context, olderThan time.Duration) (Report, error)

func (f PrunerFunc) Prune(ctx context.Context, olderThan time.Duration) (Report, error) {
	return f(ctx, olderThan)
}

// Task is one pruner run on every tick.
type Task struct {
	Name      string
	Pruner    Pruner
	Retention time.Duration
}

// Scheduler runs its tasks every interval.
type Scheduler struct {
	interval time.Duration
	tasks    []Task
	events   *events.Hub
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. hub may be nil.
func New(interval time.Duration, tasks []Task, hub *events.Hub, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		tasks:    tasks,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until Stop is
// called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive (got %v)", s.interval)
	}
	for _, t := range s.tasks {
		if t.Pruner == nil || t.Retention <= 0 {
			return fmt.Errorf("task %q needs a pruner and a positive retention", t.Name)
		}
	}

	s.logger.Info("Starting scheduler", "interval", s.interval, "tasks", len(s.tasks))
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs every task once. A failing task does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		report, err := t.Pruner.Prune(ctx, t.Retention)
		if err != nil {
			s.logger.Error("Prune failed", "task", t.Name, "error", err)
			s.publish(EventFailed, map[string]any{"task": t.Name, "error": err.Error()})
			continue
		}
		if report.Removed == 0 {
			continue
		}
		s.logger.Info("Pruned stale data", "task", t.Name, "removed", report.Removed, "freed_bytes", report.FreedBytes)
		s.publish(EventPruned, map[string]any{
			"task":        t.Name,
			"removed":     report.Removed,
			"freed_bytes": report.FreedBytes,
		})
	}
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
