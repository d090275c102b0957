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

package handler

import (
	"context"
	"log/slog"
)

// NestedRunner starts a child playbook on behalf of a playbook.run
// step and blocks until it reaches a terminal state.
type NestedRunner interface {
	RunPlaybook(ctx context.Context, name string, params map[string]interface{}, parent *RunContext) (Output, error)
}

// RunContext is what the engine hands a handler for one step
// invocation: run identity, a read snapshot of parameters and
// variables, a variable mutator, lazy shared resources, and the
// screenshot sink.
type RunContext struct {
	executionID  string
	playbookName string
	stepID       string
	depth        int
	parentChain  []string

	logger    *slog.Logger
	resources *Resources

	params  map[string]interface{}
	getVars func() map[string]interface{}
	setVar  func(name string, value interface{})

	saveScreenshot func(jpeg []byte) (string, error)
	nested         NestedRunner
}

// RunContextConfig assembles a RunContext. All callback fields are
// optional; nil callbacks degrade to no-ops or errors at the call site.
type RunContextConfig struct {
	ExecutionID  string
	PlaybookName string
	StepID       string
	Depth        int
	ParentChain  []string

	Logger    *slog.Logger
	Resources *Resources

	Parameters   map[string]interface{}
	GetVariables func() map[string]interface{}
	SetVariable  func(name string, value interface{})

	SaveScreenshot func(jpeg []byte) (string, error)
	Nested         NestedRunner
}

// NewRunContext builds a RunContext from the config.
func NewRunContext(cfg RunContextConfig) *RunContext {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		executionID:    cfg.ExecutionID,
		playbookName:   cfg.PlaybookName,
		stepID:         cfg.StepID,
		depth:          cfg.Depth,
		parentChain:    cfg.ParentChain,
		logger:         logger,
		resources:      cfg.Resources,
		params:         cfg.Parameters,
		getVars:        cfg.GetVariables,
		setVar:         cfg.SetVariable,
		saveScreenshot: cfg.SaveScreenshot,
		nested:         cfg.Nested,
	}
}

// ExecutionID returns the owning run's identifier.
func (rc *RunContext) ExecutionID() string { return rc.executionID }

// PlaybookName returns the owning run's playbook name.
func (rc *RunContext) PlaybookName() string { return rc.playbookName }

// StepID returns the id of the step being executed.
func (rc *RunContext) StepID() string { return rc.stepID }

// Depth returns the nesting depth of the owning run; 0 for top level.
func (rc *RunContext) Depth() int { return rc.depth }

// ParentChain returns the playbook names from the top-level run down
// to (and including) the owning run.
func (rc *RunContext) ParentChain() []string {
	chain := make([]string, len(rc.parentChain))
	copy(chain, rc.parentChain)
	return chain
}

// Logger returns a logger carrying execution context fields.
func (rc *RunContext) Logger() *slog.Logger { return rc.logger }

// Resources returns the run's lazy shared resources.
func (rc *RunContext) Resources() *Resources { return rc.resources }

// Parameters returns a copy of the run's resolved parameters.
func (rc *RunContext) Parameters() map[string]interface{} {
	out := make(map[string]interface{}, len(rc.params))
	for k, v := range rc.params {
		out[k] = v
	}
	return out
}

// Variables returns a snapshot of the run's variables map.
func (rc *RunContext) Variables() map[string]interface{} {
	if rc.getVars == nil {
		return map[string]interface{}{}
	}
	return rc.getVars()
}

// SetVariable writes one run variable. Later steps observe the value
// through variable.* references.
func (rc *RunContext) SetVariable(name string, value interface{}) {
	if rc.setVar != nil {
		rc.setVar(name, value)
	}
}

// SaveScreenshot persists a captured frame, records its path on the
// current step result, and returns the path.
func (rc *RunContext) SaveScreenshot(jpeg []byte) (string, error) {
	if rc.saveScreenshot == nil {
		return "", nil
	}
	return rc.saveScreenshot(jpeg)
}

// Nested returns the nested playbook runner, or nil when nested
// execution is unavailable in this context.
func (rc *RunContext) Nested() NestedRunner { return rc.nested }
