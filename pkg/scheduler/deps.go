package scheduler

import (
	"fmt"
	"time"
)

// Clock abstracts time so reconciliation and expiry are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AppInfo describes the running deployment.
type AppInfo interface {
	Version() string
	IsCanary() bool
	IsLocalDevServer() bool
}

// StaticAppInfo is a fixed AppInfo, suitable for configuration-driven
// deployments and tests.
type StaticAppInfo struct {
	AppVersion string
	Canary     bool
	LocalDev   bool
}

// Version implements AppInfo
func (a StaticAppInfo) Version() string { return a.AppVersion }

// IsCanary implements AppInfo
func (a StaticAppInfo) IsCanary() bool { return a.Canary }

// IsLocalDevServer implements AppInfo
func (a StaticAppInfo) IsLocalDevServer() bool { return a.LocalDev }

// Config carries the tunables the scheduler core honors.
type Config struct {
	// ReusableTaskAge is the dedupe window: a prior successful run older
	// than this is not reused.
	ReusableTaskAge time.Duration

	// BotPingTolerance is how long a RUNNING task may go without a bot
	// update before the dead-bot cron acts on it.
	BotPingTolerance time.Duration
}

// Defaults for Config fields left zero.
const (
	DefaultReusableTaskAge  = 7 * 24 * time.Hour
	DefaultBotPingTolerance = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.ReusableTaskAge <= 0 {
		c.ReusableTaskAge = DefaultReusableTaskAge
	}
	if c.BotPingTolerance <= 0 {
		c.BotPingTolerance = DefaultBotPingTolerance
	}
	return c
}

// RejectedError is the distinguished non-fatal outcome of an operation the
// state machine refuses: the caller's view of the task was stale or the
// caller is not entitled to the mutation. No state was changed.
type RejectedError struct {
	Op     string
	Reason string
}

// Error implements error
func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}
