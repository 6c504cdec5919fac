// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobs runs scheduled turns against the agent session. Jobs
// are declared in a YAML file with a cron schedule; the scheduler
// fires each due job through the relay arbiter and posts the result
// to the job's room via the messaging gateway.
//
// Scheduled turns and conversational turns share the session lock, so
// a job that fires while a conversation is in flight comes back Busy
// and is skipped until its next occurrence. Jobs are fire-and-forget:
// there is no catch-up for occurrences missed while the relay was
// down.
package jobs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiller-foundation/tiller/lib/cron"
)

// Job is one scheduled request.
type Job struct {
	// Name identifies the job in logs and notices.
	Name string `yaml:"name"`
	// Schedule is a 5-field cron expression, evaluated in UTC.
	Schedule string `yaml:"schedule"`
	// Prompt is the request text submitted to the agent.
	Prompt string `yaml:"prompt"`
	// Context is the working context ID the turn runs under.
	Context string `yaml:"context"`
	// Room is the destination room for the job's output. Empty means
	// the scheduler's default room.
	Room string `yaml:"room"`
	// QuietExempt lets the job fire inside the quiet-hours window.
	QuietExempt bool `yaml:"quiet_exempt"`

	schedule *cron.Schedule
	next     time.Time
}

// jobFile is the YAML job file shape.
type jobFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadFile reads and validates a YAML job file.
func LoadFile(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobs: reading %s: %w", path, err)
	}
	jobs, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("jobs: %s: %w", path, err)
	}
	return jobs, nil
}

func parse(data []byte) ([]Job, error) {
	var file jobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing job file: %w", err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	for i := range file.Jobs {
		job := &file.Jobs[i]
		if job.Name == "" {
			return nil, fmt.Errorf("job %d: name is required", i)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("job %q: duplicate name", job.Name)
		}
		seen[job.Name] = true
		if job.Prompt == "" {
			return nil, fmt.Errorf("job %q: prompt is required", job.Name)
		}
		if job.Context == "" {
			return nil, fmt.Errorf("job %q: context is required", job.Name)
		}
		schedule, err := cron.Parse(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		job.schedule = schedule
	}
	return file.Jobs, nil
}
