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

// Package handler defines the step handler contract, the registry that
// dispatches step types to handlers, and the built-in handler suites.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Output is the result map a handler produces. The engine merges it
// into the run's step-output table keyed by the step's id.
type Output map[string]interface{}

// Handler executes one step type. Implementations must honor ctx
// cancellation promptly at I/O boundaries and must not retry
// internally; retry is the executor's responsibility.
type Handler interface {
	// Type returns the dotted step-type tag, e.g. "utility.log".
	Type() string

	// Execute runs the step with resolved parameters.
	Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error)
}

// Registry maps step-type tags to handlers. Registration happens at
// startup; after Freeze the registry is immutable and reads are
// lock-free for practical purposes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate types and post-freeze
// registration are errors.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: registry is frozen", h.Type())
	}
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("register %q: duplicate handler type", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the handler for a step type.
func (r *Registry) Get(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Has reports whether a step type is registered.
func (r *Registry) Has(stepType string) bool {
	_, ok := r.Get(stepType)
	return ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
