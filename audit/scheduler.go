package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Run records one scheduled or manual audit pass.
type Run struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Summary     Summary   `json:"summary"`
	Exported    int       `json:"exported"`
	Error       string    `json:"error,omitempty"`
}

// Scheduler runs the verifier (and exporter, if set) on a fixed interval.
type Scheduler struct {
	verifier *Verifier
	exporter *Exporter
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	sched   gocron.Scheduler
	job     gocron.Job
	lastRun *Run
}

// NewScheduler builds a scheduler. exporter may be nil.
func NewScheduler(verifier *Verifier, exporter *Exporter, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{verifier: verifier, exporter: exporter, interval: interval, log: log}
}

// Start schedules the audit and runs it once immediately. A non-positive
// interval leaves the scheduler disabled.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.log.Info("audit scheduler disabled")
		return nil
	}
	if s.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	job, err := sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.RunNow(context.Background()) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule audit: %w", err)
	}
	sched.Start()
	s.sched, s.job = sched, job
	s.log.Info("audit scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched, s.job = nil, nil
	s.log.Info("audit scheduler stopped")
	return err
}

// RunNow performs one audit pass synchronously.
func (s *Scheduler) RunNow(ctx context.Context) Run {
	run := Run{StartedAt: time.Now()}

	sum, err := s.verifier.VerifyAll(ctx)
	run.Summary = sum
	if err != nil {
		run.Error = err.Error()
	}
	if s.exporter != nil && err == nil {
		keys, err := s.exporter.ExportAll(ctx)
		run.Exported = len(keys)
		if err != nil {
			run.Error = err.Error()
		}
	}
	run.CompletedAt = time.Now()

	s.log.Info("audit completed",
		"checked", sum.Checked, "mismatches", len(sum.Mismatches), "repaired", sum.Repaired,
		"exported", run.Exported, "error", run.Error)

	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()
	return run
}

// LastRun returns the most recent pass, or nil before the first one.
func (s *Scheduler) LastRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	r := *s.lastRun
	return &r
}

// NextRun reports when the job fires next. Zero when not started.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return time.Time{}
	}
	t, err := s.job.NextRun()
	if err != nil {
		return time.Time{}
	}
	return t
}
