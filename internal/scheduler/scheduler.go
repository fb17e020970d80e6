// Package scheduler runs named maintenance jobs on cron schedules, such as
// the orchestrator's session reaper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResolution is how often the loop checks for due jobs.
const DefaultResolution = time.Second

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobFunc is the work performed on each run.
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      JobFunc

	nextRunAt     time.Time
	lastRunAt     *time.Time
	lastRunStatus string
}

// Scheduler runs registered jobs when they fall due.
type Scheduler struct {
	parser     cron.Parser
	logger     *slog.Logger
	resolution time.Duration
	now        func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResolution sets the polling interval of the loop.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// NewScheduler creates a new Scheduler. Specs use the five-field cron syntax
// or descriptors such as "@every 30s".
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		parser:     specParser,
		logger:     logger,
		resolution: DefaultResolution,
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[string]*job),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under name. Its first run is the next time spec matches.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:      name,
		spec:      spec,
		schedule:  schedule,
		run:       fn,
		nextRunAt: schedule.Next(s.now()),
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.due(now) {
		if !s.tryAcquire(j.name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

func (s *Scheduler) due(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !j.nextRunAt.After(now) {
			out = append(out, j)
		}
	}
	return out
}

// runJob executes a job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	s.logger.Debug("running scheduled job", slog.String("job", j.name))

	status := "success"
	if err := j.run(ctx); err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j.lastRunAt = &now
	j.lastRunStatus = status
	j.nextRunAt = j.schedule.Next(now)
}

// RunNow runs the named job immediately, outside its schedule. It returns
// false if the job is unknown or already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || !s.tryAcquire(name) {
		return false
	}
	defer s.releaseJob(name)
	s.runJob(ctx, j, s.now())
	return true
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// ValidateSpec reports whether spec is a schedule Add would accept.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return nil
}

// Jobs returns the status of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:          j.name,
			Spec:          j.spec,
			NextRunAt:     j.nextRunAt,
			LastRunAt:     j.lastRunAt,
			LastRunStatus: j.lastRunStatus,
		})
	}
	return out
}

// Stop gracefully shuts down the scheduler, waiting for a running job.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
