package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/metrics"
)

// ErrBusy is returned by RunOnce while a run is already in progress
var ErrBusy = errors.New("a run is already in progress")

// Job is one unit of periodic work
type Job func(ctx context.Context) error

// Status is the externally visible state of a scheduler
type Status struct {
	Name            string        `json:"name"`
	Running         bool          `json:"running"`
	IntervalMinutes int           `json:"interval_minutes"`
	NextRun         time.Time     `json:"next_run"`
	LastRun         time.Time     `json:"last_run"`
	LastDuration    time.Duration `json:"last_duration"`
	LastError       string        `json:"last_error,omitempty"`
}

// Scheduler runs a job every N minutes. Runs never overlap: a tick that
// arrives while the previous run is still busy is skipped.
type Scheduler struct {
	name     string
	interval int
	job      Job
	metrics  *metrics.Metrics

	cron      *cron.Cron
	entryID   cron.EntryID
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	runMu        sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      error
}

// NewScheduler creates a stopped scheduler
func NewScheduler(name string, intervalMinutes int, job Job, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: intervalMinutes,
		job:      job,
		metrics:  m,
	}
}

func (s *Scheduler) schedule() string {
	if s.interval >= 60 {
		return fmt.Sprintf("@every %dm", s.interval)
	}
	return fmt.Sprintf("0 */%d * * * *", s.interval)
}

// Start starts the scheduler. A stopped scheduler can be started again.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler %s is already running", s.name)
	}
	if s.interval <= 0 {
		return fmt.Errorf("scheduler %s has invalid interval %d", s.name, s.interval)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithSeconds())

	entryID, err := s.cron.AddFunc(s.schedule(), s.tick)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true
	s.metrics.SchedulerRunning.WithLabelValues(s.name).Set(1)

	logrus.Infof("Scheduler %s started with interval: %d minutes", s.name, s.interval)
	return nil
}

// Stop cancels any in-flight run and waits up to 30s for it to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Infof("Scheduler %s stopped gracefully", s.name)
	case <-time.After(30 * time.Second):
		logrus.Warnf("Scheduler %s stop timeout, forcing shutdown", s.name)
	}

	s.isRunning = false
	s.metrics.SchedulerRunning.WithLabelValues(s.name).Set(0)
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) tick() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if err := s.run(ctx); errors.Is(err, ErrBusy) {
		logrus.Warnf("Scheduler %s: previous run still in progress, skipping tick", s.name)
	}
}

// RunOnce runs the job immediately, outside the schedule
func (s *Scheduler) RunOnce(ctx context.Context) error {
	logrus.Infof("Running %s once", s.name)
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) error {
	if !s.runMu.TryLock() {
		return ErrBusy
	}
	defer s.runMu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	err := s.job(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	s.lastRun = start
	s.lastDuration = duration
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logrus.Errorf("Scheduler %s run failed after %v: %v", s.name, duration, err)
	} else {
		logrus.Infof("Scheduler %s run completed in %v", s.name, duration)
	}
	return err
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the start time of the last run, scheduled or manual
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Status reports the scheduler state
func (s *Scheduler) Status() Status {
	st := Status{
		Name:            s.name,
		Running:         s.IsRunning(),
		IntervalMinutes: s.interval,
		NextRun:         s.GetNextRun(),
	}
	s.mu.RLock()
	st.LastRun = s.lastRun
	st.LastDuration = s.lastDuration
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()
	return st
}

// Wait waits for in-flight runs to return
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
