// Package scheduler runs periodic jobs with an explicit Start/Stop
// lifecycle on an injected clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/funding-engine/internal/clock"
	"github.com/atmx/funding-engine/internal/metrics"
)

var (
	ErrRunning     = errors.New("scheduler: already running")
	ErrUnknownJob  = errors.New("scheduler: unknown job")
	ErrInvalidJob  = errors.New("scheduler: invalid job")
	errJobPanicked = errors.New("scheduler: job panicked")
)

// Job is one periodic unit of work. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Gate, when set, is consulted before every run; false skips the run.
	// The risk sweep uses it to run only on the leader.
	Gate func(ctx context.Context) bool
	// Immediate runs the job once at Start before the first tick.
	Immediate bool
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler.
func New(clk clock.Clock, log *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clk, log: log}
}

// Add registers a job. Jobs added after Start run from the next Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil || j.Interval <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidJob, j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches every job loop. Tickers are armed before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, j := range s.jobs {
		ticker := s.clock.NewTicker(j.Interval)
		s.wg.Add(1)
		go s.loop(ctx, j, ticker)
	}
	s.log.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow runs the named job once, synchronously, honoring its gate.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, *job)
}

func (s *Scheduler) loop(ctx context.Context, j Job, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	if j.Immediate {
		_ = s.run(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_ = s.run(ctx, j)
		}
	}
}

// run executes one job run. A panic is recovered and reported as an error
// so one bad run never kills the loop.
func (s *Scheduler) run(ctx context.Context, j Job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if j.Gate != nil && !j.Gate(ctx) {
		metrics.JobRuns.WithLabelValues(j.Name, "skipped").Inc()
		return nil
	}

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", errJobPanicked, j.Name, r)
			metrics.JobRuns.WithLabelValues(j.Name, "panic").Inc()
			s.log.Error("job panicked", "job", j.Name, "panic", r)
			return
		}
		if err != nil {
			metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
			s.log.Error("job failed", "job", j.Name, "err", err)
			return
		}
		metrics.JobRuns.WithLabelValues(j.Name, "ok").Inc()
		s.log.Debug("job complete", "job", j.Name, "took", s.clock.Now().Sub(start))
	}()
	return j.Run(ctx)
}
