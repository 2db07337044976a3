// Package schedule runs the service's clock-driven jobs on a cron
// scheduler pinned to UTC. The service has exactly two: the risk
// enforcer's daily-baseline reset and the event-log rotation check,
// both at UTC midnight. Job panics are recovered so a bad job cannot
// take down the process.
package schedule

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a UTC cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a stopped scheduler. Jobs added before Start run from the
// first matching instant after Start.
func New(logger *slog.Logger) *Scheduler {
	log := logger.With("component", "schedule")
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		logger: log,
	}
}

// AddDailyUTC registers fn to run every day at 00:00 UTC.
func (s *Scheduler) AddDailyUTC(name string, fn func()) error {
	_, err := s.cron.AddFunc("0 0 * * *", func() {
		s.logger.Debug("running job", "job", name)
		fn()
	})
	if err != nil {
		return err
	}
	s.logger.Info("job registered", "job", name, "schedule", "daily 00:00 UTC")
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to the cron.Logger interface the Recover
// wrapper wants.
type cronLogger struct {
	log *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
