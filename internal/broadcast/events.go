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

// Package broadcast fans execution updates and screenshot frames out
// to live subscribers with bounded buffers and drop-on-overflow.
package broadcast

import "time"

// EventType discriminates the messages sent to subscribers.
type EventType string

const (
	// EventExecutionUpdate carries a run's state snapshot.
	EventExecutionUpdate EventType = "execution_update"

	// EventScreenshotFrame carries one browser screenshot.
	EventScreenshotFrame EventType = "screenshot_frame"

	// EventKeepalive is sent to subscribers idle past the heartbeat
	// interval so intermediaries do not tear the connection down.
	EventKeepalive EventType = "keepalive"
)

// Event is a message deliverable to subscribers.
type Event interface {
	// EventType returns the message discriminator.
	EventType() EventType

	// ExecutionID returns the run this event belongs to, or "" for
	// connection-level messages.
	ExecutionID() string
}

// StepResultView is the wire representation of one step result inside
// an ExecutionUpdate.
type StepResultView struct {
	StepID         string                 `json:"step_id"`
	Name           string                 `json:"name"`
	Status         string                 `json:"status"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      string                 `json:"error_kind,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	ScreenshotPath string                 `json:"screenshot_path,omitempty"`
	Attempts       int                    `json:"attempts,omitempty"`
}

// ExecutionUpdate is emitted on every status or cursor change of a run.
type ExecutionUpdate struct {
	Type             EventType        `json:"type"`
	ID               string           `json:"execution_id"`
	PlaybookName     string           `json:"playbook_name"`
	Status           string           `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	TotalSteps       int              `json:"total_steps"`
	StepResults      []StepResultView `json:"step_results"`
	Error            string           `json:"error,omitempty"`
	DebugMode        bool             `json:"debug_mode"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// EventType implements Event.
func (u *ExecutionUpdate) EventType() EventType { return EventExecutionUpdate }

// ExecutionID implements Event.
func (u *ExecutionUpdate) ExecutionID() string { return u.ID }

// ScreenshotFrame is emitted by the browser driver callback at <= 2 Hz.
type ScreenshotFrame struct {
	Type       EventType `json:"type"`
	ID         string    `json:"execution_id"`
	JPEGBase64 string    `json:"jpeg_base64"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType implements Event.
func (f *ScreenshotFrame) EventType() EventType { return EventScreenshotFrame }

// ExecutionID implements Event.
func (f *ScreenshotFrame) ExecutionID() string { return f.ID }

// Keepalive is a connection-level heartbeat message.
type Keepalive struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (k *Keepalive) EventType() EventType { return EventKeepalive }

// ExecutionID implements Event.
func (k *Keepalive) ExecutionID() string { return "" }
