// Package executor drives a task through planning, execution, validation
// and recovery.
package executor

import (
	"fmt"
	"time"
)

// Decision is the retry policy's verdict after a validation attempt.
type Decision int

const (
	DecisionComplete Decision = iota
	DecisionRetry
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionComplete:
		return "complete"
	case DecisionRetry:
		return "retry"
	case DecisionFail:
		return "fail"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// RetryConfig controls the validation/recovery loop.
type RetryConfig struct {
	MaxRetries               int           // Recovery attempts before giving up
	RetryOnValidationFailure bool          // Retry when validation reports failures
	RetryOnExecutionError    bool          // Retry when the attempt itself errored
	AllowPartialSuccess      bool          // Complete on partial success once retries run out
	BaseDelay                time.Duration // Delay before the first retry
	MaxDelay                 time.Duration // Upper bound on any delay
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:               3,
		RetryOnValidationFailure: true,
		RetryOnExecutionError:    false,
		AllowPartialSuccess:      false,
		BaseDelay:                5 * time.Second,
		MaxDelay:                 60 * time.Second,
	}
}

// RetryPolicy decides whether a failed validation is retried.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg}
}

// Config returns the policy's configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// ShouldRetry decides what follows a validation attempt. retryCount is the
// number of recoveries already performed; executionErr is non-empty when the
// attempt itself failed rather than producing a verdict.
func (p *RetryPolicy) ShouldRetry(retryCount int, validationPassed bool, executionErr string, partialSuccess bool) Decision {
	if validationPassed {
		return DecisionComplete
	}
	if retryCount >= p.cfg.MaxRetries {
		if partialSuccess && p.cfg.AllowPartialSuccess {
			return DecisionComplete
		}
		return DecisionFail
	}
	if executionErr != "" {
		if p.cfg.RetryOnExecutionError {
			return DecisionRetry
		}
		return DecisionFail
	}
	if p.cfg.RetryOnValidationFailure {
		return DecisionRetry
	}
	return DecisionFail
}

// RetryDelay returns BaseDelay * 2^retryCount capped at MaxDelay.
func (p *RetryPolicy) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay >= p.cfg.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	return delay
}

// Message describes a decision for logs and results.
func (p *RetryPolicy) Message(d Decision, retryCount int, reason string) string {
	switch d {
	case DecisionComplete:
		if retryCount > 0 {
			return fmt.Sprintf("Task completed successfully after %d retries", retryCount)
		}
		return "Task completed successfully"
	case DecisionRetry:
		msg := fmt.Sprintf("Retrying (attempt %d of %d)", retryCount+1, p.cfg.MaxRetries)
		if reason != "" {
			msg += ": " + reason
		}
		return msg
	default:
		if retryCount >= p.cfg.MaxRetries {
			msg := fmt.Sprintf("Task failed after %d retries", retryCount)
			if reason != "" {
				msg += ": " + reason
			}
			return msg
		}
		if reason != "" {
			return "Task failed: " + reason
		}
		return "Task failed"
	}
}
