// Package retry turns a model.RetryConfig into concrete backoff delays
// using github.com/cenkalti/backoff/v5, the same
// dependency the example pack promotes from an indirect requirement to a
// direct one for exactly this purpose.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

// Decision is the loop's choice of what to do after a trap: retry right
// away, retry after a delay, tear the instance down and reacquire
// permits before retrying (OOM), or give up.
type Decision uint8

const (
	DecisionImmediate Decision = iota
	DecisionDelayed
	DecisionReacquirePermits
	DecisionNone
)

func (d Decision) String() string {
	switch d {
	case DecisionImmediate:
		return "Immediate"
	case DecisionDelayed:
		return "Delayed"
	case DecisionReacquirePermits:
		return "ReacquirePermits"
	case DecisionNone:
		return "None"
	default:
		return "Unknown"
	}
}

// DefaultRetryConfig mirrors the implied sane default: a handful of
// attempts with capped exponential backoff, no unbounded retry loop
// (resolving the open question in  about update-failure
// retries having no stated ceiling).
func DefaultRetryConfig() model.RetryConfig {
	return model.RetryConfig{
		MaxAttempts:     5,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		MaxJitterFactor: 0.25,
	}
}

// newBackOff builds a cenkalti/backoff/v5 ExponentialBackOff from cfg.
func newBackOff(cfg model.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.MinDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.MaxJitterFactor
	return b
}

// Decide chooses what the loop should do after the attempt-th trap
// (1-based) under cfg. oom selects the ReacquirePermits path regardless
// of attempt count, capped at cfg.MaxAttempts the same as any other
// trap.
func Decide(cfg model.RetryConfig, attempt int, oom bool) (Decision, time.Duration) {
	if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
		return DecisionNone, 0
	}
	if oom {
		return DecisionReacquirePermits, 0
	}
	if attempt <= 1 {
		return DecisionImmediate, 0
	}

	b := newBackOff(cfg)
	var delay time.Duration
	for i := 0; i < attempt-1; i++ {
		delay = b.NextBackOff()
	}
	return DecisionDelayed, delay
}

// EffectiveConfig resolves overridden against def,
// "overridden_retry_config ∨ global default".
func EffectiveConfig(overridden *model.RetryConfig, def model.RetryConfig) model.RetryConfig {
	if overridden != nil {
		return *overridden
	}
	return def
}
