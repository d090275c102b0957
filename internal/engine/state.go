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

// Package engine drives a single playbook run to a terminal state:
// step execution with timeout and retry policy, interactive control
// signals, lazy shared resources, and event emission.
package engine

import (
	"sync"
	"time"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is one step result's state.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

// StepResult records the outcome of one step.
type StepResult struct {
	StepID         string
	Name           string
	Status         StepStatus
	Error          string
	ErrorKind      string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Output         map[string]interface{}
	ScreenshotPath string
	Attempts       int
}

func (r StepResult) clone() StepResult {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Output != nil {
		out.Output = make(map[string]interface{}, len(r.Output))
		for k, v := range r.Output {
			out.Output[k] = v
		}
	}
	return out
}

// State is the mutable record of one run. The engine owns all
// mutation; observers take deep-copied snapshots under the lock.
type State struct {
	mu sync.Mutex

	executionID  string
	playbookName string
	playbookPath string

	status      Status
	currentStep int
	stepResults []StepResult

	parameters map[string]interface{}
	variables  map[string]interface{}
	debugMode  bool
	errMsg     string

	startedAt   time.Time
	completedAt *time.Time

	metadata map[string]interface{}
}

// NewState creates a pending run state with one pending step result
// per playbook step.
func NewState(executionID, path string, pb *playbook.Playbook, params map[string]interface{}, debug bool, metadata map[string]interface{}) *State {
	results := make([]StepResult, len(pb.Steps))
	for i, step := range pb.Steps {
		name := step.Name
		if name == "" {
			name = step.ID
		}
		results[i] = StepResult{StepID: step.ID, Name: name, Status: StepPending}
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &State{
		executionID:  executionID,
		playbookName: pb.Name,
		playbookPath: path,
		status:       StatusPending,
		stepResults:  results,
		parameters:   params,
		variables:    make(map[string]interface{}),
		debugMode:    debug,
		startedAt:    time.Now().UTC(),
		metadata:     metadata,
	}
}

// ExecutionID returns the run identifier.
func (s *State) ExecutionID() string { return s.executionID }

// Snapshot is a deep-copied, immutable view of a run.
type Snapshot struct {
	ExecutionID      string
	PlaybookName     string
	PlaybookPath     string
	Status           Status
	CurrentStepIndex int
	TotalSteps       int
	StepResults      []StepResult
	Parameters       map[string]interface{}
	Variables        map[string]interface{}
	DebugMode        bool
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Metadata         map[string]interface{}
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	results := make([]StepResult, len(s.stepResults))
	for i, r := range s.stepResults {
		results[i] = r.clone()
	}

	params := make(map[string]interface{}, len(s.parameters))
	for k, v := range s.parameters {
		params[k] = v
	}
	vars := make(map[string]interface{}, len(s.variables))
	for k, v := range s.variables {
		vars[k] = v
	}
	meta := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}

	snap := Snapshot{
		ExecutionID:      s.executionID,
		PlaybookName:     s.playbookName,
		PlaybookPath:     s.playbookPath,
		Status:           s.status,
		CurrentStepIndex: s.currentStep,
		TotalSteps:       len(s.stepResults),
		StepResults:      results,
		Parameters:       params,
		Variables:        vars,
		DebugMode:        s.debugMode,
		Error:            s.errMsg,
		StartedAt:        s.startedAt,
		Metadata:         meta,
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// Status returns the current run status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CompletedAt returns the terminal timestamp, or nil for a live run.
func (s *State) CompletedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completedAt == nil {
		return nil
	}
	t := *s.completedAt
	return &t
}

// update runs fn with the state locked and returns a snapshot taken
// before the lock is released, so emitted events are consistent with
// the state at the moment of mutation.
func (s *State) update(fn func(*State)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	return s.snapshotLocked()
}

// setVariable writes one run variable.
func (s *State) setVariable(name string, value interface{}) {
	s.mu.Lock()
	s.variables[name] = value
	s.mu.Unlock()
}

// variablesCopy returns a copy of the variables map.
func (s *State) variablesCopy() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// resolveContext builds a template resolution context from the current
// run state and the given credentials.
func (s *State) resolveContext(creds map[string]*playbook.Credential) *playbook.ResolveContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := playbook.NewResolveContext()
	for k, v := range s.parameters {
		ctx.Parameters[k] = v
	}
	for k, v := range s.variables {
		ctx.Variables[k] = v
	}
	for _, r := range s.stepResults {
		if r.Status == StepSuccess && r.Output != nil {
			out := make(map[string]interface{}, len(r.Output))
			for k, v := range r.Output {
				out[k] = v
			}
			ctx.StepOutputs[r.StepID] = out
		}
	}
	for k, v := range creds {
		ctx.Credentials[k] = v
	}
	return ctx
}

// Update converts a snapshot into its broadcast representation.
func (s Snapshot) Update() *broadcast.ExecutionUpdate {
	results := make([]broadcast.StepResultView, len(s.StepResults))
	for i, r := range s.StepResults {
		results[i] = broadcast.StepResultView{
			StepID:         r.StepID,
			Name:           r.Name,
			Status:         string(r.Status),
			Error:          r.Error,
			ErrorKind:      r.ErrorKind,
			StartedAt:      r.StartedAt,
			CompletedAt:    r.CompletedAt,
			Output:         r.Output,
			ScreenshotPath: r.ScreenshotPath,
			Attempts:       r.Attempts,
		}
	}

	started := s.StartedAt
	return &broadcast.ExecutionUpdate{
		Type:             broadcast.EventExecutionUpdate,
		ID:               s.ExecutionID,
		PlaybookName:     s.PlaybookName,
		Status:           string(s.Status),
		CurrentStepIndex: s.CurrentStepIndex,
		TotalSteps:       s.TotalSteps,
		StepResults:      results,
		Error:            s.Error,
		DebugMode:        s.DebugMode,
		StartedAt:        &started,
		CompletedAt:      s.CompletedAt,
	}
}
