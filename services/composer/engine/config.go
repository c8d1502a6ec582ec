// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

// Exhaustion is the terminal decision once a row cannot be retried.
type Exhaustion string

const (
	// ExhaustSkip stores null at the row and continues.
	ExhaustSkip Exhaustion = "skip"

	// ExhaustAbort fails the whole column.
	ExhaustAbort Exhaustion = "abort"
)

// Action is what the engine does after a failed attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionSkip
	ActionAbort
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// RetryPolicy bounds per-row retries and names the terminal decision.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff is the delay before the second attempt. It doubles per retry.
	Backoff time.Duration `yaml:"backoff" json:"backoff"`

	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// OnExhausted applies once attempts run out or the error is permanent.
	OnExhausted Exhaustion `yaml:"on_exhausted" json:"on_exhausted"`
}

// Decide evaluates a failed attempt.
//
// Inputs:
//
//	attempt - The 1-based attempt that just failed.
//	err - The normalized failure. Only Retryable is consulted.
//
// Outputs:
//
//	Decision - Retry after Delay, skip the row, or abort the column.
func (p RetryPolicy) Decide(attempt int, err *tasks.ExecutionError) Decision {
	if err != nil && err.Retryable && attempt < p.MaxAttempts {
		return Decision{Action: ActionRetry, Delay: p.delay(attempt)}
	}
	if p.OnExhausted == ExhaustAbort {
		return Decision{Action: ActionAbort}
	}
	return Decision{Action: ActionSkip}
}

// delay returns the backoff before attempt+1: Backoff * 2^(attempt-1).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	backoff := p.Backoff * time.Duration(1<<shift)
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Config configures an Engine.
type Config struct {
	// Concurrency bounds in-flight invocations across the whole run.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// InvocationTimeout bounds a single executor call.
	InvocationTimeout time.Duration `yaml:"invocation_timeout" json:"invocation_timeout"`

	// Retry is the per-row failure policy.
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// FailFast stops the run at the first column failure. When false,
	// branches independent of the failure keep running.
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		InvocationTimeout: 60 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			OnExhausted: ExhaustSkip,
		},
		FailFast: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string

	if c.Concurrency <= 0 {
		errs = append(errs, "Concurrency must be positive")
	}
	if c.InvocationTimeout <= 0 {
		errs = append(errs, "InvocationTimeout must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "Retry.MaxAttempts must be positive")
	}
	if c.Retry.Backoff < 0 {
		errs = append(errs, "Retry.Backoff must be non-negative")
	}
	if c.Retry.MaxBackoff < 0 {
		errs = append(errs, "Retry.MaxBackoff must be non-negative")
	}
	switch c.Retry.OnExhausted {
	case ExhaustSkip, ExhaustAbort:
	default:
		errs = append(errs, fmt.Sprintf("Retry.OnExhausted must be %q or %q", ExhaustSkip, ExhaustAbort))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid engine config: %s", ErrInvalidInput, strings.Join(errs, "; "))
	}
	return nil
}
