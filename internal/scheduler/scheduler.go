// Package scheduler runs the periodic jobs on cron specs. Every job runs
// under a run log, recovers from panics and never stops the process.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Tracker records a run. *runlog.Log satisfies it.
type Tracker interface {
	Track(ctx context.Context, job string, fn func(ctx context.Context) (map[string]any, error)) error
}

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	// Timeout bounds a single run. Zero means ten minutes.
	Timeout time.Duration
	Run     func(ctx context.Context) (map[string]any, error)
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron *cron.Cron
	runs Tracker
	log  *zap.Logger

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// New creates a Scheduler. runs may be nil.
func New(runs Tracker) *Scheduler {
	log := zap.L().With(zap.String("component", "scheduler"))
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		runs: runs,
		log:  log,
		jobs: map[string]Job{},
		ctx:  context.Background(),
	}
}

// Add registers job. An empty spec leaves the job disabled.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return eris.New("scheduler: job needs a name and a run func")
	}
	if job.Spec == "" {
		s.log.Info("job disabled", zap.String("job", job.Name))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return eris.Errorf("scheduler: job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(s.baseContext(), job) }); err != nil {
		return eris.Wrapf(err, "scheduler: schedule %s (%q)", job.Name, job.Spec)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Trigger runs a registered job now, outside the cron timetable.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return eris.Errorf("scheduler: unknown job %s", name)
	}
	return s.execute(ctx, job)
}

// Run starts the timetable and blocks until ctx is done, then waits for
// in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", zap.Strings("jobs", s.Jobs()))
	<-ctx.Done()

	s.log.Info("scheduler stopping, waiting for running jobs")
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	log := s.log.With(zap.String("job", job.Name))
	defer func() {
		if rec := recover(); rec != nil {
			err = eris.Errorf("scheduler: job %s panicked: %v", job.Name, rec)
			log.Error("job panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	run := func(ctx context.Context) (meta map[string]any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				log.Error("job panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			}
		}()
		return job.Run(ctx)
	}
	if s.runs != nil {
		err = s.runs.Track(ctx, job.Name, run)
	} else {
		_, err = run(ctx)
	}
	if err != nil {
		log.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	log.Info("job complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
