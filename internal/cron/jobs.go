package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// Kind tells the job handler what a job does.
type Kind string

const (
	KindDigest   Kind = "digest"
	KindReminder Kind = "reminder"
)

// Schedule kinds.
const (
	ScheduleCron  = "cron"
	ScheduleEvery = "every"
)

// Job statuses recorded after each run.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// parser accepts the six-field (seconds first) expressions used by the
// scheduler, plus descriptors such as "@weekly".
var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleCron:
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
	case ScheduleEvery:
		if s.EveryMs < 1000 {
			return fmt.Errorf("interval must be at least 1s, got %dms", s.EveryMs)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next reports the next run after t, or the zero time if it cannot be
// determined.
func (s Schedule) Next(t time.Time, lastRunAtMs int64) time.Time {
	switch s.Kind {
	case ScheduleCron:
		sched, err := parser.Parse(s.Expr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(t)
	case ScheduleEvery:
		if lastRunAtMs == 0 {
			return t
		}
		return time.UnixMilli(lastRunAtMs + s.EveryMs)
	}
	return time.Time{}
}

type Payload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
