package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/model"
)

var _ Scheduler = (*CronScheduler)(nil)

// CronScheduler runs the process-wide periodic ticks
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu       sync.RWMutex
	ctx      context.Context
	jobs     map[string]*model.JobSchedule
	entryIDs map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	logger = logger.Named("scheduler")
	cl := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}

	return &CronScheduler{
		logger:   logger,
		cron:     cron.New(cronOptions...),
		ctx:      context.Background(),
		jobs:     make(map[string]*model.JobSchedule),
		entryIDs: make(map[string]cron.EntryID),
	}
}

// Every returns a cron descriptor running every d
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Start starts the scheduler. Jobs receive ctx.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.ListJobs())))
	return nil
}

// Stop stops the scheduler
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// AddJob adds a new job
func (s *CronScheduler) AddJob(name, expression string, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	schedule := &model.JobSchedule{
		Name:       name,
		Expression: expression,
		Status:     model.JobStatusIdle,
		CreatedAt:  time.Now(),
	}

	entryID, err := s.cron.AddJob(expression, &cronJob{
		scheduler: s,
		schedule:  schedule,
		run:       job,
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobs[name] = schedule
	s.entryIDs[name] = entryID

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("expression", expression))

	return nil
}

// RemoveJob removes a job
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, name)
	delete(s.jobs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// GetJob gets a job schedule by name
func (s *CronScheduler) GetJob(name string) (*model.JobSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	c := *schedule
	if entryID, ok := s.entryIDs[name]; ok {
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			c.NextRunTime = &next
		}
	}
	return &c, nil
}

// ListJobs lists all job schedules
func (s *CronScheduler) ListJobs() []*model.JobSchedule {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	jobs := make([]*model.JobSchedule, 0, len(names))
	for _, name := range names {
		if job, err := s.GetJob(name); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (s *CronScheduler) jobContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *CronScheduler) markRunning(schedule *model.JobSchedule, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule.Status = model.JobStatusRunning
	schedule.LastRunTime = &started
}

func (s *CronScheduler) markDone(schedule *model.JobSchedule, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule.Status = model.JobStatusIdle
	schedule.Runs++
	schedule.LastDuration = elapsed
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	schedule  *model.JobSchedule
	run       JobFunc
}

// Run implements cron.Job
func (j *cronJob) Run() {
	ctx := j.scheduler.jobContext()
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	j.scheduler.markRunning(j.schedule, started)
	defer func() {
		j.scheduler.markDone(j.schedule, time.Since(started))
	}()

	j.run(ctx)

	j.scheduler.logger.Debug("Executed job",
		zap.String("name", j.schedule.Name),
		zap.Duration("elapsed", time.Since(started)))
}
