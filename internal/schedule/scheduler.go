// Package schedule starts discovery runs on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
)

// Starter launches runs. *orchestrator.Orchestrator satisfies it.
type Starter interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*schemas.Run, error)
	Active() []string
}

// Accepts five fields or six with leading seconds, plus descriptors like @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Entry describes a registered schedule.
type Entry struct {
	Name    string
	Cron    string
	URL     string
	Next    time.Time
	LastRun string
}

type job struct {
	cfg     config.ScheduleConfig
	id      cron.EntryID
	lastRun string
}

// Scheduler fires StartRequests from config.ScheduleConfig entries. A
// schedule whose previous run is still active is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates an idle scheduler.
func New(starter Starter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		starter: starter,
		logger:  logger,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Load registers every schedule. Invalid entries are reported together and
// do not prevent the valid ones from being added.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	var errs []error
	for i, sc := range schedules {
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("schedule-%d", i)
		}
		if err := s.Add(sc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add registers sc, replacing any schedule with the same name.
func (s *Scheduler) Add(sc config.ScheduleConfig) error {
	if sc.Name == "" {
		return errors.New("schedule name is required")
	}
	if sc.URL == "" {
		return fmt.Errorf("schedule %q: url is required", sc.Name)
	}
	sched, err := parser.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("schedule %q: invalid cron expression %q: %w", sc.Name, sc.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[sc.Name]; ok {
		s.cron.Remove(old.id)
	}
	j := &job{cfg: sc}
	j.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[sc.Name] = j
	s.logger.Info("Schedule registered.", zap.String("name", sc.Name), zap.String("cron", sc.Cron), zap.String("url", sc.URL))
	return nil
}

// Remove drops the named schedule and reports whether it existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	delete(s.jobs, name)
	return true
}

// Entries lists the registered schedules sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, Entry{
			Name:    name,
			Cron:    j.cfg.Cron,
			URL:     j.cfg.URL,
			Next:    s.cron.Entry(j.id).Next,
			LastRun: j.lastRun,
		})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Run starts the cron loop and blocks until ctx is done. Jobs already
// firing are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("Scheduler started.", zap.Int("schedules", n))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped.")
	return nil
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	sc := j.cfg
	last := j.lastRun
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	log := s.logger.With(zap.String("name", sc.Name))
	if last != "" && slices.Contains(s.starter.Active(), last) {
		log.Info("Previous run still active, skipping tick.", zap.String("run_id", last))
		return
	}

	run, err := s.starter.Start(ctx, orchestrator.StartRequest{
		RootURL:  sc.URL,
		MaxDepth: sc.MaxDepth,
		MaxPages: sc.MaxPages,
	})
	if err != nil {
		log.Error("Scheduled run failed to start.", zap.Error(err))
		return
	}

	s.mu.Lock()
	j.lastRun = run.ID
	s.mu.Unlock()
	log.Info("Scheduled run started.", zap.String("run_id", run.ID), zap.String("url", run.RootURL))
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
