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

// Package errors defines the error taxonomy shared by the playbook
// execution runtime. Every step failure surfaced to users carries one
// of these kinds so the UI can render a stable error category.
package errors

import (
	"fmt"
	"time"
)

// Kind is the stable error category surfaced in step results and events.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindReference          Kind = "ReferenceError"
	KindTimeout            Kind = "TimeoutError"
	KindHandler            Kind = "HandlerError"
	KindCancellation       Kind = "CancellationError"
	KindVerification       Kind = "VerificationError"
	KindNestingDepth       Kind = "NestingDepthError"
	KindCircularDependency Kind = "CircularDependencyError"
	KindNotFound           Kind = "NotFoundError"
	KindInternal           Kind = "InternalError"
)

// ValidationError represents pre-flight validation failures: playbook
// parse errors, missing required parameters, unknown step types.
// A run that fails validation never reaches the running state.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ReferenceError represents an undefined {{ ... }} expansion at
// execution time. It is contained at the step and subject to the
// step's on_failure policy.
type ReferenceError struct {
	// Reference is the unresolved reference path (e.g. "step.login.token")
	Reference string
}

// Error implements the error interface.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("undefined reference: %s", e.Reference)
}

// TimeoutError represents a step exceeding its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "step gateway.login")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// HandlerError represents a failure raised by a step handler: an HTTP
// non-2xx, a browser selector miss, a desktop-automation fault.
type HandlerError struct {
	// StepType is the handler's dotted type tag (e.g. "browser.click")
	StepType string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.StepType != "" {
		return fmt.Sprintf("handler %s: %s", e.StepType, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// CancellationError represents cooperative cancellation of a step or
// run. It propagates to the cancelled terminal status.
type CancellationError struct {
	// Reason describes what triggered the cancellation
	Reason string
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return "cancelled"
}

// VerificationError is returned when a nested playbook.run step
// targets a playbook whose metadata does not mark it verified.
type VerificationError struct {
	// Playbook is the path of the unverified playbook
	Playbook string
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	return fmt.Sprintf("playbook %s is not verified for nested execution", e.Playbook)
}

// NestingDepthError is returned when a nested playbook.run step would
// exceed the maximum nesting depth.
type NestingDepthError struct {
	Depth int
	Max   int
}

// Error implements the error interface.
func (e *NestingDepthError) Error() string {
	return fmt.Sprintf("nesting depth %d exceeds maximum %d", e.Depth, e.Max)
}

// CircularDependencyError is returned when a nested playbook.run step
// targets a playbook already present in the parent chain.
type CircularDependencyError struct {
	// Playbook is the path that would close the cycle
	Playbook string

	// Chain is the parent chain leading to this invocation
	Chain []string
}

// Error implements the error interface.
func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular playbook dependency: %s already in chain %v", e.Playbook, e.Chain)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "execution", "playbook", "credential")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InternalError represents an unexpected fault in the engine, executor
// or manager. The run is marked failed; the process continues.
type InternalError struct {
	// Message describes the fault
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}
