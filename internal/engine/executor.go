// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/playbookd/playbookd/internal/handler"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// defaultGrace is how long the executor waits, after a timeout has
// cancelled the handler context, for the handler to come home before
// declaring it misbehaving.
const defaultGrace = 5 * time.Second

// Disposition classifies a finished step invocation.
type Disposition int

const (
	DispositionSuccess Disposition = iota
	DispositionFailed
	DispositionSkipped
	DispositionCancelled
)

// ExecResult is the outcome of executing one step through its full
// retry budget and failure policy.
type ExecResult struct {
	Disposition Disposition

	// Abort is set when on_failure=abort demands run termination.
	Abort bool

	Output   handler.Output
	Err      error
	Attempts int
}

// Executor invokes a step's handler under the step's timeout, retries
// per policy, and applies the on_failure disposition.
type Executor struct {
	registry *handler.Registry
	logger   *slog.Logger
	grace    time.Duration
}

// NewExecutor creates a step executor over a handler registry.
func NewExecutor(registry *handler.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger, grace: defaultGrace}
}

// Execute runs one step to its disposition. ctx carries run-level
// cancellation; when it fires mid-attempt or mid-retry-sleep the
// result is DispositionCancelled and the caller decides the terminal
// state.
func (e *Executor) Execute(ctx context.Context, step *playbook.StepSpec, params map[string]interface{}, rc *handler.RunContext) ExecResult {
	return e.ExecuteWithAttempts(ctx, step, params, rc, nil)
}

// ExecuteWithAttempts is Execute with a per-attempt callback, invoked
// just before each handler invocation with the 1-based attempt number.
func (e *Executor) ExecuteWithAttempts(ctx context.Context, step *playbook.StepSpec, params map[string]interface{}, rc *handler.RunContext, onAttempt func(attempt int)) ExecResult {
	total := step.RetryCount + 1
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < total; attempt++ {
		if ctx.Err() != nil {
			return ExecResult{Disposition: DispositionCancelled, Err: ctx.Err(), Attempts: attempts}
		}
		attempts++
		if onAttempt != nil {
			onAttempt(attempts)
		}

		output, err := e.invoke(ctx, step, params, rc)
		if err == nil {
			return ExecResult{Disposition: DispositionSuccess, Output: output, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return ExecResult{Disposition: DispositionCancelled, Err: ctx.Err(), Attempts: attempts}
		}
		lastErr = err

		if attempt < total-1 {
			e.logger.Warn("step attempt failed, retrying",
				"step_id", step.ID,
				"attempt", attempts,
				"remaining", total-attempts,
				"error", err)
			if !sleepOrCancel(ctx, time.Duration(step.RetryDelaySeconds)*time.Second) {
				return ExecResult{Disposition: DispositionCancelled, Err: ctx.Err(), Attempts: attempts}
			}
		}
	}

	switch step.OnFailure {
	case playbook.OnFailureSkip:
		return ExecResult{Disposition: DispositionSkipped, Err: lastErr, Attempts: attempts}
	case playbook.OnFailureContinue:
		return ExecResult{Disposition: DispositionFailed, Err: lastErr, Attempts: attempts}
	default:
		return ExecResult{Disposition: DispositionFailed, Abort: true, Err: lastErr, Attempts: attempts}
	}
}

// invoke runs one handler attempt bounded by the step timeout.
func (e *Executor) invoke(ctx context.Context, step *playbook.StepSpec, params map[string]interface{}, rc *handler.RunContext) (handler.Output, error) {
	h, ok := e.registry.Get(step.Type)
	if !ok {
		return nil, &pberrors.ValidationError{
			Field:   "type",
			Message: "unknown step type " + step.Type,
		}
	}

	timeout := time.Duration(step.EffectiveTimeoutSeconds()) * time.Second
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attempt struct {
		output handler.Output
		err    error
	}
	done := make(chan attempt, 1)
	go func() {
		output, err := h.Execute(stepCtx, params, rc)
		done <- attempt{output, err}
	}()

	select {
	case a := <-done:
		if a.err != nil && ctx.Err() == nil && stepCtx.Err() == context.DeadlineExceeded {
			return nil, e.timeoutErr(step, timeout, a.err)
		}
		return a.output, a.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			// Run-level cancellation, not a timeout.
			return nil, ctx.Err()
		}
		// Timed out. Give the handler the grace window to observe
		// cancellation; a handler that overstays has violated its
		// contract and its side effects are undefined.
		select {
		case <-done:
		case <-time.After(e.grace):
			e.logger.Warn("handler ignored cancellation past grace period",
				"step_id", step.ID,
				"step_type", step.Type,
				"timeout", timeout)
		}
		return nil, e.timeoutErr(step, timeout, nil)
	}
}

func (e *Executor) timeoutErr(step *playbook.StepSpec, timeout time.Duration, cause error) error {
	return &pberrors.TimeoutError{
		Operation: "step " + step.ID,
		Duration:  timeout,
		Cause:     cause,
	}
}

// sleepOrCancel waits d, returning false if ctx fires first.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
