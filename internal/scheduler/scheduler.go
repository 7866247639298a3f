// Package scheduler runs the cron loop: due-job dispatch with execution
// tracking, bounded workers, heartbeats, and graceful drain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Event type constants published on the bus.
const (
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

// defaultMisfireGrace is how far behind a trigger may fire before the run
// is dropped, absent a per-job override.
const defaultMisfireGrace = 15 * time.Minute

type registeredJob struct {
	job      interfaces.Job
	schedule cron.Schedule
	opts     interfaces.RegisterConfig

	// trigger is the next un-jittered cron instant; nextRun is trigger plus
	// this fire's jitter offset.
	trigger time.Time
	nextRun time.Time
	running int
}

// CronScheduler is the production scheduler implementation.
type CronScheduler struct {
	store     interfaces.OperationalStore
	logger    *common.Logger
	bus       interfaces.EventBus
	clock     common.Clock
	location  *time.Location
	tick      time.Duration
	drain     time.Duration
	processID string

	mu         sync.Mutex
	jobs       map[string]*registeredJob
	generation int64
	started    bool

	workers chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
}

var _ interfaces.Scheduler = (*CronScheduler)(nil)

// Option configures the scheduler.
type Option func(*CronScheduler)

// WithEventBus attaches a bus for job lifecycle broadcasts.
func WithEventBus(bus interfaces.EventBus) Option {
	return func(s *CronScheduler) { s.bus = bus }
}

// WithClock overrides the wall clock.
func WithClock(clock common.Clock) Option {
	return func(s *CronScheduler) { s.clock = clock }
}

// WithTickInterval overrides the dispatch scan interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *CronScheduler) { s.tick = d }
}

// New creates a scheduler from config. The cron timezone falls back to UTC
// when the configured zone cannot be loaded.
func New(config *common.Config, store interfaces.OperationalStore, logger *common.Logger, opts ...Option) *CronScheduler {
	loc, err := time.LoadLocation(config.Scheduler.Timezone)
	if err != nil {
		logger.Warn().Str("timezone", config.Scheduler.Timezone).Err(err).Msg("Unknown scheduler timezone, using UTC")
		loc = time.UTC
	}

	s := &CronScheduler{
		store:     store,
		logger:    logger,
		clock:     common.SystemClock{},
		location:  loc,
		tick:      config.Scheduler.GetTickInterval(),
		drain:     config.Scheduler.GetDrainTimeout(),
		processID: uuid.New().String(),
		jobs:      make(map[string]*registeredJob),
		workers:   make(chan struct{}, config.Scheduler.GetMaxWorkers()),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job to the dispatch table. The cron expression is parsed
// eagerly so bad schedules fail at wiring time, not at dispatch time.
func (s *CronScheduler) Register(job interfaces.Job, opts ...interfaces.RegisterOption) error {
	schedule, err := cron.ParseStandard(job.Schedule())
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name(), job.Schedule(), err)
	}

	cfg := interfaces.RegisterConfig{
		MaxInstances: 1,
		MisfireGrace: defaultMisfireGrace,
		Coalesce:     true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxInstances < 1 {
		cfg.MaxInstances = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s: already registered", job.Name())
	}
	reg := &registeredJob{
		job:      job,
		schedule: schedule,
		opts:     cfg,
		trigger:  schedule.Next(s.clock.Now().In(s.location)),
	}
	reg.nextRun = s.jittered(reg)
	s.jobs[job.Name()] = reg
	s.logger.Info().Str("job", job.Name()).Str("schedule", job.Schedule()).Msg("Job registered")
	return nil
}

// jittered returns the fire time for the current trigger instant.
func (s *CronScheduler) jittered(reg *registeredJob) time.Time {
	if reg.opts.Jitter <= 0 {
		return reg.trigger
	}
	return reg.trigger.Add(time.Duration(rand.Int63n(int64(reg.opts.Jitter))))
}

// Registered returns the names of all registered jobs.
func (s *CronScheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start begins the tick loop. It returns immediately; dispatch runs in the
// background until Stop.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.checkPreviousProcess(ctx)
	s.beat(ctx)

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info().
		Str("process_id", s.processID).
		Str("timezone", s.location.String()).
		Dur("tick", s.tick).
		Int("max_workers", cap(s.workers)).
		Msg("Scheduler started")
	return nil
}

// Stop signals shutdown and waits up to the drain timeout for in-flight jobs.
// Jobs still running after the window are left to the watchdog's stale-run
// sweep on the next start.
func (s *CronScheduler) Stop(ctx context.Context) error {
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler drained cleanly")
		return nil
	case <-time.After(s.drain):
		s.logger.Warn().Dur("drain_timeout", s.drain).Msg("Scheduler drain timed out, abandoning in-flight jobs")
		return errors.New("scheduler drain timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerNow starts a registered job out of band. The duplicate-run guard is
// applied synchronously so the caller learns immediately whether the run was
// accepted; the job itself runs on the worker pool.
func (s *CronScheduler) TriggerNow(ctx context.Context, jobName, targetDate string) (string, error) {
	s.mu.Lock()
	reg, ok := s.jobs[jobName]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("job %s: not registered", jobName)
	}

	if targetDate == "" {
		targetDate = s.clock.Now().In(s.location).Format("2006-01-02")
	}

	exec := &models.JobExecution{JobName: jobName, TargetDate: targetDate}
	if err := s.store.MarkStarted(ctx, exec); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateRun) {
			return "", fmt.Errorf("job %s is already running for %s: %w", jobName, targetDate, err)
		}
		return "", fmt.Errorf("mark started: %w", err)
	}
	s.publish(EventJobStarted, exec, nil)

	s.mu.Lock()
	reg.running++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(reg)
		s.workers <- struct{}{}
		defer func() { <-s.workers }()
		s.execute(context.WithoutCancel(ctx), reg.job, exec)
	}()
	return exec.ID, nil
}

// release returns a job's concurrency slot after a run finishes.
func (s *CronScheduler) release(reg *registeredJob) {
	s.mu.Lock()
	reg.running--
	s.mu.Unlock()
}

// LogExecution appends a structured log line outside the tracking rows.
func (s *CronScheduler) LogExecution(ctx context.Context, jobName string, success bool, message string, duration time.Duration) error {
	return s.store.LogExecution(ctx, &models.ExecutionLogEntry{
		JobName:    jobName,
		Success:    success,
		Message:    message,
		DurationMS: duration.Milliseconds(),
		LoggedAt:   s.clock.Now().UTC(),
	})
}

func (s *CronScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue fires every job whose next scheduled time has passed. Pending
// trigger instants past the misfire grace are dropped; a backlog of pending
// instants coalesces into at most one run per (job, target_date).
func (s *CronScheduler) dispatchDue(ctx context.Context) {
	now := s.clock.Now().In(s.location)

	type firing struct {
		reg        *registeredJob
		targetDate string
	}

	s.mu.Lock()
	var due []firing
	for _, reg := range s.jobs {
		fired := map[string]bool{}
		for !reg.nextRun.After(now) {
			trigger := reg.trigger
			targetDate := trigger.Format("2006-01-02")

			if reg.running >= reg.opts.MaxInstances && !reg.opts.Coalesce {
				// Queued: leave the instant pending for the next tick.
				break
			}

			reg.trigger = reg.schedule.Next(trigger)
			reg.nextRun = s.jittered(reg)

			if reg.running >= reg.opts.MaxInstances {
				s.logger.Debug().Str("job", reg.job.Name()).Str("target_date", targetDate).
					Msg("Instance limit reached, skipping trigger")
				continue
			}
			if now.Sub(trigger) > reg.opts.MisfireGrace {
				s.logger.Warn().Str("job", reg.job.Name()).
					Time("trigger", trigger).
					Dur("late_by", now.Sub(trigger)).
					Msg("Dropped misfired trigger")
				continue
			}
			if reg.opts.Coalesce && fired[targetDate] {
				continue
			}
			fired[targetDate] = true
			reg.running++
			due = append(due, firing{reg: reg, targetDate: targetDate})
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		s.startRun(ctx, f.reg, f.targetDate)
	}
}

func (s *CronScheduler) startRun(ctx context.Context, reg *registeredJob, targetDate string) {
	job := reg.job
	exec := &models.JobExecution{JobName: job.Name(), TargetDate: targetDate}
	if err := s.store.MarkStarted(ctx, exec); err != nil {
		s.release(reg)
		if errors.Is(err, interfaces.ErrDuplicateRun) {
			s.logger.Debug().Str("job", job.Name()).Str("target_date", targetDate).Msg("Run already in flight, skipping dispatch")
			return
		}
		s.logger.Error().Str("job", job.Name()).Err(err).Msg("Failed to record job start")
		return
	}
	s.publish(EventJobStarted, exec, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(reg)
		s.workers <- struct{}{}
		defer func() { <-s.workers }()
		s.execute(ctx, job, exec)
	}()
}

// execute runs one job to a terminal status. Panics are contained and
// recorded as failures so one bad job cannot take down the loop.
func (s *CronScheduler) execute(ctx context.Context, job interfaces.Job, exec *models.JobExecution) {
	start := s.clock.Now()
	log := s.logger.With().Str("job", job.Name()).Str("target_date", exec.TargetDate).Str("execution_id", exec.ID).Logger()
	log.Info().Msg("Job starting")

	var result *models.JobResult
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
				log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Job panicked")
			}
		}()
		result, runErr = job.Run(ctx, exec.TargetDate)
	}()

	elapsed := s.clock.Now().Sub(start)
	if runErr != nil {
		if err := s.store.MarkCompleted(ctx, exec.ID, models.ExecStatusFailed, runErr.Error(), nil); err != nil {
			log.Error().Err(err).Msg("Failed to record job failure")
		}
		if err := s.LogExecution(ctx, job.Name(), false, runErr.Error(), elapsed); err != nil {
			log.Error().Err(err).Msg("Failed to append execution log")
		}
		exec.Status = models.ExecStatusFailed
		exec.Message = runErr.Error()
		s.publish(EventJobFailed, exec, nil)
		log.Error().Err(runErr).Dur("elapsed", elapsed).Msg("Job failed")
		return
	}

	message := ""
	var tickers []string
	if result != nil {
		message = result.Message
		tickers = result.TickersProcessed
	}
	if err := s.store.MarkCompleted(ctx, exec.ID, models.ExecStatusCompleted, message, tickers); err != nil {
		log.Error().Err(err).Msg("Failed to record job completion")
	}
	if err := s.LogExecution(ctx, job.Name(), true, message, elapsed); err != nil {
		log.Error().Err(err).Msg("Failed to append execution log")
	}
	exec.Status = models.ExecStatusCompleted
	exec.Message = message
	s.publish(EventJobCompleted, exec, nil)
	log.Info().Dur("elapsed", elapsed).Str("message", message).Msg("Job completed")
}

// beat records scheduler liveness.
func (s *CronScheduler) beat(ctx context.Context) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	hb := &models.SchedulerHeartbeat{
		ProcessID:       s.processID,
		LastHeartbeatAt: s.clock.Now().UTC(),
		Generation:      gen,
	}
	if err := s.store.UpsertHeartbeat(ctx, hb); err != nil {
		s.logger.Warn().Err(err).Msg("Heartbeat upsert failed")
	}
}

// checkPreviousProcess looks for a stale heartbeat from a prior process.
// Interrupted work is repaired by the watchdog; this only surfaces the
// restart in the log.
func (s *CronScheduler) checkPreviousProcess(ctx context.Context) {
	hb, err := s.store.LatestHeartbeat(ctx)
	if err != nil || hb == nil {
		return
	}
	age := s.clock.Now().UTC().Sub(hb.LastHeartbeatAt)
	if hb.ProcessID != s.processID && age > 2*s.tick {
		s.logger.Warn().
			Str("previous_process", hb.ProcessID).
			Dur("heartbeat_age", age).
			Msg("Previous scheduler process died; watchdog will recover interrupted runs")
	}
}

func (s *CronScheduler) publish(eventType string, exec *models.JobExecution, retry *models.RetryQueueEntry) {
	if s.bus == nil {
		return
	}
	depth, _ := s.store.PendingCount(context.Background())
	execCopy := *exec
	s.bus.Publish(&models.JobEvent{
		Type:       eventType,
		Execution:  &execCopy,
		Retry:      retry,
		Timestamp:  s.clock.Now().UTC(),
		QueueDepth: depth,
	})
}
