// Package cronrunner schedules periodic maintenance jobs next to the
// lifecycle ticker.
package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner runs jobs on six-field cron specs (seconds first).
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New creates a runner whose jobs receive baseCtx. A job still running when
// its next slot fires is skipped, and a panicking job is logged and recovered.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers a named job on spec.
func (r *Runner) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.logger.Warn("cron: job failed", zap.String("job", name), zap.Error(err))
			return
		}
		r.logger.Debug("cron: job done", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	})
}

// Len returns the number of scheduled jobs.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", r.Len()))
	r.cron.Start()
}

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
