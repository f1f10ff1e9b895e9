package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PeriodicTag names the periodic balance update task
	PeriodicTag = "power-update"

	// MinPeriodicInterval is the shortest interval a periodic task may run at
	MinPeriodicInterval = 30 * time.Minute
)

// RunFunc handles a trigger produced by the scheduler
type RunFunc func(ctx context.Context, trig Trigger) bool

// Scheduler produces periodic and one-shot sync triggers by tag
type Scheduler struct {
	run     RunFunc
	logger  *zap.Logger
	minimum time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*periodicTask
}

type periodicTask struct {
	interval time.Duration
	stop     context.CancelFunc
}

// NewScheduler creates a scheduler that hands every trigger to run
func NewScheduler(run RunFunc, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:     run,
		logger:  logger,
		minimum: MinPeriodicInterval,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*periodicTask),
	}
}

// Register starts a periodic task. Intervals below the minimum are raised to it.
// Registering an existing tag is a no-op and returns its interval.
func (s *Scheduler) Register(tag string, minInterval time.Duration) (time.Duration, error) {
	if tag == "" {
		return 0, errors.New("task tag is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return 0, errors.New("scheduler stopped")
	}
	if task, ok := s.tasks[tag]; ok {
		return task.interval, nil
	}

	interval := minInterval
	if interval < s.minimum {
		interval = s.minimum
	}

	ctx, stop := context.WithCancel(s.ctx)
	s.tasks[tag] = &periodicTask{interval: interval, stop: stop}

	s.wg.Add(1)
	go s.loop(ctx, tag, interval)

	s.logger.Info("periodic task registered",
		zap.String("tag", tag),
		zap.Duration("interval", interval),
	)
	return interval, nil
}

func (s *Scheduler) loop(ctx context.Context, tag string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, Trigger{Source: SourcePeriodic})
		}
	}
}

// Registered reports whether tag has a periodic task
func (s *Scheduler) Registered(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[tag]
	return ok
}

// Unregister stops the periodic task for tag
func (s *Scheduler) Unregister(tag string) {
	s.mu.Lock()
	task, ok := s.tasks[tag]
	delete(s.tasks, tag)
	s.mu.Unlock()

	if ok {
		task.stop()
	}
}

// Sync fires a one-shot trigger for tag and returns its outcome
func (s *Scheduler) Sync(ctx context.Context, tag string) bool {
	if tag != PeriodicTag {
		s.logger.Debug("ignoring sync for unknown tag", zap.String("tag", tag))
		return false
	}
	return s.run(ctx, Trigger{Source: SourceSync})
}

// SyncAsync fires a one-shot sync for tag on its own goroutine. Stop waits for it.
// It returns false once the scheduler is stopped.
func (s *Scheduler) SyncAsync(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Sync(s.ctx, tag)
	}()
	return true
}

// Stop cancels every periodic task and waits for running triggers to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.tasks = make(map[string]*periodicTask)
	s.mu.Unlock()
}
