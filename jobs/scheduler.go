// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/relay"
)

// Runner executes one relay turn. Implemented by relay.Arbiter.
type Runner interface {
	RunTurn(ctx context.Context, request relay.Request) relay.TurnResult
}

// Poster publishes a turn result to a room. An empty roomID means the
// poster's default room. Implemented by messaging.Gateway.
type Poster interface {
	PostResult(ctx context.Context, roomID string, result relay.TurnResult)
}

// SchedulerConfig holds configuration for creating a Scheduler.
type SchedulerConfig struct {
	// Jobs is the validated job list, from LoadFile. Required to be
	// non-empty for the scheduler to do anything useful, but an empty
	// list is allowed.
	Jobs []Job
	// Runner executes due jobs. Required.
	Runner Runner
	// Poster publishes job output. Required.
	Poster Poster
	// Quiet suppresses non-exempt jobs inside the window. Nil means no
	// quiet hours.
	Quiet *QuietWindow
	// CheckInterval is how often due jobs are checked for.
	// Default: 30s.
	CheckInterval time.Duration
	// Clock abstracts time for testing. Default: the real clock.
	Clock clock.Clock
	// Logger is used for structured logging. Nil discards.
	Logger *slog.Logger
}

// Scheduler fires jobs at their scheduled times. Jobs run one at a
// time, in due order; a long turn delays later jobs rather than
// stacking them against the session lock.
type Scheduler struct {
	jobs          []Job
	runner        Runner
	poster        Poster
	quiet         *QuietWindow
	checkInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Runner == nil {
		return nil, fmt.Errorf("jobs: Runner is required")
	}
	if config.Poster == nil {
		return nil, fmt.Errorf("jobs: Poster is required")
	}
	for i := range config.Jobs {
		if config.Jobs[i].schedule == nil {
			return nil, fmt.Errorf("jobs: job %q was not loaded through LoadFile", config.Jobs[i].Name)
		}
	}

	checkInterval := config.CheckInterval
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Scheduler{
		jobs:          append([]Job(nil), config.Jobs...),
		runner:        config.Runner,
		poster:        config.Poster,
		quiet:         config.Quiet,
		checkInterval: checkInterval,
		clock:         clk,
		logger:        logger,
	}, nil
}

// Run fires jobs until ctx is cancelled. Returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now()
	for i := range s.jobs {
		if err := s.reschedule(&s.jobs[i], now); err != nil {
			return err
		}
	}
	s.logger.Info("job scheduler started", "jobs", len(s.jobs))

	ticker := s.clock.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.next.After(now) {
			continue
		}

		if s.quiet != nil && s.quiet.Contains(now) && !job.QuietExempt {
			s.logger.Info("skipping job in quiet hours",
				"job", job.Name, "scheduled", job.next)
		} else {
			s.runJob(ctx, job)
		}

		if err := s.reschedule(job, now); err != nil {
			s.logger.Error("rescheduling job failed", "job", job.Name, "error", err)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	s.logger.Info("running scheduled job", "job", job.Name, "context", job.Context)

	result := s.runner.RunTurn(ctx, relay.Request{
		Kind:        relay.ScheduledJob,
		ContextID:   job.Context,
		Destination: job.Room,
		Text:        job.Prompt,
	})
	s.logger.Info("scheduled job finished",
		"job", job.Name, "turn_id", result.TurnID, "outcome", result.Outcome)

	s.poster.PostResult(ctx, job.Room, result)
}

func (s *Scheduler) reschedule(job *Job, now time.Time) error {
	next, err := job.schedule.Next(now)
	if err != nil {
		return fmt.Errorf("jobs: job %q: %w", job.Name, err)
	}
	job.next = next
	return nil
}
