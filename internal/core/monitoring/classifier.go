package monitoring

import "time"

// =============================================================================
// Probe Classification
// =============================================================================

// ProbePolicy is the part of a health probe that decides classification.
type ProbePolicy struct {
	StartPeriod time.Duration
	// Retries is the number of consecutive failures, counted after the start
	// period, that turn an unknown service unhealthy. 0 behaves like 1.
	Retries int
	// HealthyFailureThreshold is the number of consecutive failures that turn a
	// healthy service unhealthy. 0 behaves like 1.
	HealthyFailureThreshold int
}

// ProbeResult is the outcome of one probe attempt.
type ProbeResult struct {
	At  time.Time
	Err error // nil on success
}

// Classifier turns a sequence of probe results into health classifications.
// It is not safe for concurrent use; each probe task owns one.
type Classifier struct {
	policy    ProbePolicy
	startedAt time.Time
	status    HealthStatus
	failures  int
}

// NewClassifier returns a classifier for a container started at startedAt.
func NewClassifier(policy ProbePolicy, startedAt time.Time) *Classifier {
	return &Classifier{
		policy:    policy,
		startedAt: startedAt,
		status:    HealthStatusUnknown,
	}
}

// Status returns the current classification.
func (c *Classifier) Status() HealthStatus {
	return c.status
}

// ConsecutiveFailures returns the failures counted toward the next threshold.
func (c *Classifier) ConsecutiveFailures() int {
	return c.failures
}

// Observe records a result and reports the new classification and whether it changed.
//
// Rules:
//   - any success makes the service healthy, even during the start period
//   - while unknown, failures at or before the end of the start period are ignored
//   - unknown becomes unhealthy after Retries counted consecutive failures
//   - healthy becomes unhealthy after HealthyFailureThreshold consecutive failures
func (c *Classifier) Observe(r ProbeResult) (HealthStatus, bool) {
	if r.Err == nil {
		c.failures = 0
		return c.set(HealthStatusHealthy)
	}

	switch c.status {
	case HealthStatusUnknown:
		if r.At.Sub(c.startedAt) <= c.policy.StartPeriod {
			return c.status, false
		}
		c.failures++
		if c.failures >= atLeastOne(c.policy.Retries) {
			return c.set(HealthStatusUnhealthy)
		}
	case HealthStatusHealthy:
		c.failures++
		if c.failures >= atLeastOne(c.policy.HealthyFailureThreshold) {
			return c.set(HealthStatusUnhealthy)
		}
	default:
		c.failures++
	}
	return c.status, false
}

func (c *Classifier) set(s HealthStatus) (HealthStatus, bool) {
	if c.status == s {
		return s, false
	}
	c.status = s
	c.failures = 0
	return s, true
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
