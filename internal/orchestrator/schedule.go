package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/model"
)

// Start runs the daily and cleanup cron jobs (UTC) and ticks every poll
// interval. It blocks until ctx is cancelled or a shutdown is requested,
// then waits for running jobs to return.
func (o *Orchestrator) Start(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "orchestrator"))
	cl := cronLogger{s: log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(o.cfg.DailyCron, func() {
		date := model.Yesterday(o.nowFunc())
		if err := o.Daily(ctx, date); err != nil && !eris.Is(err, ErrBusy) {
			log.Error("orchestrator: daily run failed", zap.String("date", date), zap.Error(err))
		}
	}); err != nil {
		return eris.Wrapf(err, "orchestrator: parse daily_cron %q", o.cfg.DailyCron)
	}

	if o.cfg.RetentionDays > 0 && o.cfg.CleanupCron != "" {
		if _, err := c.AddFunc(o.cfg.CleanupCron, func() {
			if _, err := o.Cleanup(); err != nil {
				log.Error("orchestrator: retention cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return eris.Wrapf(err, "orchestrator: parse cleanup_cron %q", o.cfg.CleanupCron)
		}
	}

	interval := o.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Info("orchestrator: starting",
		zap.String("daily_cron", o.cfg.DailyCron),
		zap.Duration("poll_interval", interval),
		zap.Int("retention_days", o.cfg.RetentionDays),
	)

	c.Start()
	defer func() {
		<-c.Stop().Done()
		log.Info("orchestrator: stopped")
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.opts.Shutdown.Done():
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// cronLogger routes cron's logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
