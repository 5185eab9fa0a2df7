// Package scheduler runs periodic maintenance tasks (history pruning, stale
// worktree sweeps) on a jittered interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runner/internal/events"
)

// Task is one maintenance job. Run returns details worth logging.
type Task struct {
	Name string
	Run  func(ctx context.Context) (map[string]any, error)
}

// Scheduler runs every task once per tick, in order.
type Scheduler struct {
	interval time.Duration
	jitter   time.Duration
	tasks    []Task
	events   *events.Hub
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. hub may be nil.
func New(interval, jitter time.Duration, tasks []Task, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		jitter:   jitter,
		tasks:    tasks,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop. The first tick happens one interval from now.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive (got %s)", s.interval)
	}
	s.logger.Info("starting scheduler", "interval", s.interval, "jitter", s.jitter, "tasks", len(s.tasks))

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(s.interval, s.jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(calculateJitteredInterval(s.interval, s.jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs every task immediately. A failing task does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	start := time.Now()
	details, err := safeRun(ctx, task)
	elapsed := time.Since(start)

	data := map[string]any{
		"task":        task.Name,
		"duration_ms": elapsed.Milliseconds(),
	}
	for k, v := range details {
		data[k] = v
	}

	if err != nil {
		data["error"] = err.Error()
		s.logger.Error("maintenance task failed", "task", task.Name, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		s.logger.Debug("maintenance task finished", "task", task.Name, "duration_ms", elapsed.Milliseconds())
	}
	s.events.Publish(events.TypeMaintenance, "", data)
}

func safeRun(ctx context.Context, task Task) (details map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	// Generate a random duration between 0 and jitter
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}
