// Package cron runs the periodic housekeeping jobs: the idle-session reaper
// and the history retention sweep.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-amplifier/internal/persistence"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 1m" and "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const defaultPruneSchedule = "@daily"

// Sessions is the slice of the session registry the reaper needs.
type Sessions interface {
	Idle(now time.Time, threshold time.Duration) []string
	StopIdle(ctx context.Context, id string, now time.Time, threshold time.Duration) (bool, error)
}

// Retainer purges stored history past its retention window.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Sessions Sessions
	Store    Retainer
	Logger   *slog.Logger

	// ReapSchedule drives the idle reaper. IdleTimeout of zero disables it.
	ReapSchedule string
	IdleTimeout  time.Duration

	// PruneSchedule drives retention; defaults to daily. RetentionDays of
	// zero or a nil Store disables it.
	PruneSchedule string
	RetentionDays int

	Now func() time.Time
}

// Scheduler owns a robfig/cron runner with the housekeeping jobs registered.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron
	now    func() time.Time

	mu      sync.Mutex
	started bool
}

// NewScheduler validates the schedules and registers the enabled jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		now:    now,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
	}

	if cfg.Sessions != nil && cfg.IdleTimeout > 0 {
		if _, err := s.cron.AddFunc(cfg.ReapSchedule, func() { s.ReapIdle(context.Background()) }); err != nil {
			return nil, fmt.Errorf("reap schedule %q: %w", cfg.ReapSchedule, err)
		}
	}
	if cfg.Store != nil && cfg.RetentionDays > 0 {
		spec := cfg.PruneSchedule
		if spec == "" {
			spec = defaultPruneSchedule
		}
		if _, err := s.cron.AddFunc(spec, func() { s.Prune(context.Background()) }); err != nil {
			return nil, fmt.Errorf("prune schedule %q: %w", spec, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background. Cancelling ctx stops them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", s.Jobs())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// ReapIdle stops every session idle past the timeout and returns how many
// were reaped.
func (s *Scheduler) ReapIdle(ctx context.Context) int {
	if s.cfg.Sessions == nil || s.cfg.IdleTimeout <= 0 {
		return 0
	}
	reaped := 0
	now := s.now()
	for _, id := range s.cfg.Sessions.Idle(now, s.cfg.IdleTimeout) {
		stopped, err := s.cfg.Sessions.StopIdle(ctx, id, now, s.cfg.IdleTimeout)
		if err != nil {
			s.logger.Warn("cron: idle session stop failed", "session_id", id, "error", err)
		}
		if !stopped {
			s.logger.Debug("cron: session no longer idle, skipped", "session_id", id)
			continue
		}
		reaped++
		s.logger.Info("cron: reaped idle session", "session_id", id, "idle_timeout", s.cfg.IdleTimeout)
	}
	return reaped
}

// Prune applies the retention window to stored history.
func (s *Scheduler) Prune(ctx context.Context) (persistence.RetentionResult, error) {
	if s.cfg.Store == nil || s.cfg.RetentionDays <= 0 {
		return persistence.RetentionResult{}, nil
	}
	res, err := s.cfg.Store.RunRetention(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return res, err
	}
	s.logger.Info("cron: retention complete",
		"purged_sessions", res.PurgedSessions,
		"purged_audit_logs", res.PurgedAuditLogs,
	)
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
