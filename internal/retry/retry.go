package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/omnierp/event-runtime/internal/apperrors"
)

// Policy selects the backoff curve.
type Policy string

const (
	PolicyNone                  Policy = "none"
	PolicyFixed                 Policy = "fixed"
	PolicyLinear                Policy = "linear"
	PolicyExponential           Policy = "exponential"
	PolicyExponentialWithJitter Policy = "exponential_with_jitter"
)

// defaultRetryableTags apply when the config lists none.
var defaultRetryableTags = []apperrors.Tag{
	apperrors.TagTransient,
	apperrors.TagExternalService,
	apperrors.TagTimeout,
	apperrors.TagDatabase,
}

// neverRetryable tags are excluded regardless of configuration.
var neverRetryable = map[apperrors.Tag]bool{
	apperrors.TagSchemaValidation: true,
	apperrors.TagValidation:       true,
	apperrors.TagDuplicateEvent:   true,
	apperrors.TagUnrecoverable:    true,
}

// Config is the pure retry policy: a function of (attempt, error class) only.
type Config struct {
	Policy            Policy
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64 // in [0,1]
	RetryableTags     []apperrors.Tag
}

// DefaultConfig mirrors the runtime defaults: exponential, 3 attempts,
// 1s initial delay capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		Policy:            PolicyExponential,
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// IsRetryable reports whether the policy may retry err. Uncategorized errors
// classify as transient, which is retryable under the defaults.
func (c *Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	ce := apperrors.Classify(err)
	if neverRetryable[ce.Tag] {
		return false
	}

	tags := c.RetryableTags
	if len(tags) == 0 {
		tags = defaultRetryableTags
	}
	for _, tag := range tags {
		if ce.Tag == tag {
			return true
		}
	}
	return false
}

// DelayFor returns the delay preceding the next try after `attempt` failures.
// attempt is 1-based; attempt <= 0 yields the initial delay.
func (c *Config) DelayFor(attempt int) time.Duration {
	if c.Policy == PolicyNone {
		return 0
	}
	if attempt <= 0 {
		return c.InitialDelay
	}

	var d time.Duration
	switch c.Policy {
	case PolicyFixed:
		d = c.InitialDelay
	case PolicyLinear:
		d = c.InitialDelay + time.Duration(attempt-1)*c.InitialDelay/2
	case PolicyExponential:
		d = c.exponential(attempt)
	case PolicyExponentialWithJitter:
		base := c.exponential(attempt)
		jitter := float64(base) * c.JitterFactor
		d = base + time.Duration((rand.Float64()*2-1)*jitter)
	default:
		d = c.InitialDelay
	}

	if d < 0 {
		d = 0
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func (c *Config) exponential(attempt int) time.Duration {
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	return time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1)))
}

// CanRetry reports whether attempt number `attempt` (1-based) is allowed.
func (c *Config) CanRetry(attempt int) bool {
	return attempt <= c.MaxAttempts
}
