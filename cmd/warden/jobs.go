package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/suspension"
)

// jobTimeout bounds a single scheduled run
const jobTimeout = time.Minute

type historyTotal interface {
	Total(ctx context.Context) (int64, error)
}

type credentialSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// jobs are the scheduled maintenance tasks
type jobs struct {
	accounts    suspension.LockedCount
	history     historyTotal
	credentials credentialSweeper
	metrics     *observability.Metrics
	logger      *observability.Logger
}

// refreshGauges updates the locked account and history row gauges
func (j *jobs) refreshGauges(ctx context.Context) error {
	if j.metrics == nil {
		return nil
	}
	locked, err := suspension.CountLocked(ctx, j.accounts)
	if err != nil {
		return fmt.Errorf("failed to count locked accounts: %w", err)
	}
	total, err := j.history.Total(ctx)
	if err != nil {
		return fmt.Errorf("failed to count history entries: %w", err)
	}
	j.metrics.LockedAccounts.Set(float64(locked))
	j.metrics.HistoryEntriesTotal.Set(float64(total))
	return nil
}

// sweepCredentials revokes expired app credentials
func (j *jobs) sweepCredentials(ctx context.Context) error {
	n, err := j.credentials.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.WithField("revoked", n).Info("expired app credentials revoked")
	}
	return nil
}

// task adapts a job to a cron func
func (j *jobs) task(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		defer observability.RecoverPanic(j.logger, name)

		if err := fn(ctx); err != nil {
			j.logger.WithError(err).WithField("job", name).Warn("scheduled job failed")
		}
	}
}

// newScheduler registers the jobs with a non-empty schedule
func newScheduler(cfg config.JobsConfig, j *jobs) (*cron.Cron, error) {
	c := cron.New()

	entries := []struct {
		name     string
		schedule string
		fn       func(ctx context.Context) error
	}{
		{"refresh_gauges", cfg.GaugeSchedule, j.refreshGauges},
		{"sweep_app_credentials", cfg.CredentialSweepSchedule, j.sweepCredentials},
	}
	for _, e := range entries {
		if e.schedule == "" {
			j.logger.WithField("job", e.name).Info("scheduled job disabled")
			continue
		}
		if _, err := c.AddFunc(e.schedule, j.task(e.name, e.fn)); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", e.name, err)
		}
	}
	return c, nil
}

var _ credentialSweeper = (*auth.CredentialStore)(nil)
