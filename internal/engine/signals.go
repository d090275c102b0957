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

import "sync"

// Decision is the outcome of polling the control signals at a step
// boundary. Signals are consumed in priority order: cancel, then
// skip-back, then skip-forward, then pause.
type Decision int

const (
	// DecisionProceed means no signal is pending; execute the step.
	DecisionProceed Decision = iota

	// DecisionCancel terminates the run as cancelled.
	DecisionCancel

	// DecisionSkipBack moves the cursor one step back.
	DecisionSkipBack

	// DecisionSkipForward marks the current step skipped and advances.
	DecisionSkipForward

	// DecisionPause blocks the loop until resume or cancel.
	DecisionPause
)

// Signals is the per-run control signal latch. Pause, cancel, and
// debug are latched; skip-forward and skip-back are one-shot and
// consumed by Poll.
type Signals struct {
	mu   sync.Mutex
	cond *sync.Cond

	paused      bool
	skipForward bool
	skipBack    bool
	cancelled   bool
	debug       bool

	// interrupt is replaced each time a step begins; signal
	// assertions close it so the in-flight step observes mid-step
	// cancel and skip requests.
	interrupt chan struct{}
}

// NewSignals creates an empty signal latch, optionally starting with
// debug mode enabled.
func NewSignals(debug bool) *Signals {
	s := &Signals{debug: debug, interrupt: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Pause latches the pause flag. It takes effect at the next step
// boundary and never interrupts an in-flight step.
func (s *Signals) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Resume clears the pause flag and wakes a blocked loop.
func (s *Signals) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// SkipForward asserts the one-shot skip-forward signal. An in-flight
// step is interrupted and recorded as skipped.
func (s *Signals) SkipForward() {
	s.mu.Lock()
	s.skipForward = true
	s.closeInterruptLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// SkipBack asserts the one-shot skip-back signal. An in-flight step
// is interrupted and the cursor moves back one step.
func (s *Signals) SkipBack() {
	s.mu.Lock()
	s.skipBack = true
	s.closeInterruptLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Cancel latches cancellation and wakes everything.
func (s *Signals) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.closeInterruptLocked()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// SetDebug toggles debug mode.
func (s *Signals) SetDebug(on bool) {
	s.mu.Lock()
	s.debug = on
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Debug reports whether debug mode is enabled.
func (s *Signals) Debug() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug
}

// Cancelled reports whether cancellation has been latched.
func (s *Signals) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Paused reports whether the pause flag is latched.
func (s *Signals) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SkipPending reports whether a skip signal is asserted but not yet
// consumed.
func (s *Signals) SkipPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipForward || s.skipBack
}

// Poll consumes the highest-priority pending signal without blocking.
// DecisionPause leaves the pause latch set; the caller blocks in
// AwaitResume and re-polls.
func (s *Signals) Poll() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.cancelled:
		return DecisionCancel
	case s.skipBack:
		s.skipBack = false
		return DecisionSkipBack
	case s.skipForward:
		s.skipForward = false
		return DecisionSkipForward
	case s.paused:
		return DecisionPause
	default:
		return DecisionProceed
	}
}

// AwaitResume blocks while paused, returning when the run is resumed
// or cancelled. Skip signals asserted while paused stay pending and
// take effect after resume.
func (s *Signals) AwaitResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused && !s.cancelled {
		s.cond.Wait()
	}
}

// StepInterrupt arms and returns a channel that closes if cancel or a
// skip signal arrives while the step runs. Call once per step, before
// invoking the executor.
func (s *Signals) StepInterrupt() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interrupt = make(chan struct{})
	if s.cancelled || s.skipForward || s.skipBack {
		s.closeInterruptLocked()
	}
	return s.interrupt
}

func (s *Signals) closeInterruptLocked() {
	select {
	case <-s.interrupt:
		// already closed
	default:
		close(s.interrupt)
	}
}
