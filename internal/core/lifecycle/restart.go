package lifecycle

import (
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
)

// =============================================================================
// Restart Policy
// =============================================================================

// RestartConfig holds the backoff and the default attempt cap.
type RestartConfig struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	DefaultMaxAttempts int
}

// DefaultRestartConfig returns a 1s base delay doubling up to 30s, 3 attempts.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		DefaultMaxAttempts: 3,
	}
}

// Outcome describes why a launch attempt ended.
type Outcome struct {
	// ExitCode is the container's exit status; ignored when Err is set.
	ExitCode int64
	// Err is set when the attempt failed before the container ran
	// (resource acquisition or launch).
	Err error
}

// Clean reports whether the container exited with status 0.
func (o Outcome) Clean() bool {
	return o.Err == nil && o.ExitCode == 0
}

// Decision is what to do after an attempt ends.
type Decision struct {
	Restart bool
	Delay   time.Duration
	// Final is the resting state when Restart is false: stopped or failed.
	Final State
	// Err explains a failed resting state.
	Err error
}

// DecideRestart applies a restart policy to the outcome of attempt number attempts (1-based).
//
//   - never: clean exit rests in stopped, anything else in failed
//   - on-failure: clean exit rests in stopped; otherwise restart with backoff
//     until attempts reaches the cap, then failed with ErrRestartsExhausted
//   - always: restart with backoff, no cap
func DecideRestart(policy compose.RestartPolicy, cfg RestartConfig, attempts int, outcome Outcome) Decision {
	failure := outcome.Err
	if failure == nil && !outcome.Clean() {
		failure = ErrExited
	}

	switch policy.Mode {
	case compose.RestartAlways:
		return Decision{Restart: true, Delay: Backoff(cfg, attempts)}

	case compose.RestartOnFailure:
		if failure == nil {
			return Decision{Final: StateStopped}
		}
		limit := policy.MaxAttempts
		if limit <= 0 {
			limit = cfg.DefaultMaxAttempts
		}
		if attempts >= limit {
			return Decision{Final: StateFailed, Err: ErrRestartsExhausted}
		}
		return Decision{Restart: true, Delay: Backoff(cfg, attempts)}

	default:
		if failure == nil {
			return Decision{Final: StateStopped}
		}
		return Decision{Final: StateFailed, Err: failure}
	}
}

// Backoff returns the delay before attempt+1: BaseDelay doubled per
// previous attempt, capped at MaxDelay.
func Backoff(cfg RestartConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
