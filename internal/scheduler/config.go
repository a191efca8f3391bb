// Package scheduler drives the maintenance triggers: fixed intervals, cron
// expressions and one-shot runs at a point in time. A trigger never overlaps
// itself, neither within one process nor, with a Locker, across instances.
package scheduler

import (
	"context"
	"time"
)

// Job is the callback run by a trigger.
type Job func(ctx context.Context) error

// Locker takes a named cross-instance lock without waiting. The returned
// function releases it.
type Locker interface {
	TryLock(ctx context.Context, key string) (func(context.Context) error, error)
}

// LeaderChecker reports whether this instance should run periodic triggers.
type LeaderChecker interface {
	IsLeader() bool
}

// Options configures a Scheduler. All fields are optional.
type Options struct {
	// Location is the time zone cron expressions are evaluated in. Defaults to UTC.
	Location *time.Location

	// Locker guards each trigger across instances.
	Locker Locker

	// Leader gates periodic triggers. One-shot triggers always run; their
	// jobs are expected to be idempotent through their own state checks.
	Leader LeaderChecker
}

// Info describes one registered trigger.
type Info struct {
	Name    string    `json:"name"`
	OneShot bool      `json:"one_shot"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
}
