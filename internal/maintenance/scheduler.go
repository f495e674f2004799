// Package maintenance runs periodic housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
)

// Default configuration values.
const (
	DefaultSchedule      = "@every 1h"
	DefaultRetentionDays = 14
)

// Options contains configuration for creating a Scheduler.
type Options struct {
	WebhookLogs   storage.WebhookLogStore
	RetentionDays int
	// Schedule is a five-field cron expression or a descriptor such as
	// "@daily" or "@every 30m".
	Schedule string
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// Scheduler prunes webhook log rows older than the retention period.
type Scheduler struct {
	logs      storage.WebhookLogStore
	retention time.Duration
	schedule  cron.Schedule
	expr      string
	metrics   *observability.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler. An unparsable schedule is an error.
func New(opts Options) (*Scheduler, error) {
	if opts.WebhookLogs == nil {
		return nil, fmt.Errorf("maintenance: webhook log store is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	schedule, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: parse schedule %q: %w", opts.Schedule, err)
	}

	s := &Scheduler{
		logs:      opts.WebhookLogs,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		schedule:  schedule,
		expr:      opts.Schedule,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "maintenance").Logger(),
		now:       time.Now,
	}
	if s.metrics == nil {
		s.metrics = observability.NewDiscard()
	}
	return s, nil
}

// Next returns the first run time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run schedules the jobs and blocks until ctx is cancelled. A job running
// at cancellation is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.PruneWebhookLogs(ctx); err != nil {
			s.log.Error().Err(err).Msg("webhook log prune failed")
		}
	}))

	c.Start()
	s.log.Info().Str("schedule", s.expr).Dur("retention", s.retention).Time("next_run", s.Next(s.now())).Msg("maintenance started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("maintenance stopped")
	return ctx.Err()
}

// PruneWebhookLogs deletes webhook log rows created before the retention cutoff.
func (s *Scheduler) PruneWebhookLogs(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook logs: %w", err)
	}
	s.metrics.WebhookLogsPruned.Add(float64(n))
	s.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("webhook logs pruned")
	return n, nil
}
