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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalPriorityOrder(t *testing.T) {
	s := NewSignals(false)
	s.Pause()
	s.SkipForward()
	s.SkipBack()
	s.Cancel()

	// cancel beats everything and is latched, not consumed
	assert.Equal(t, DecisionCancel, s.Poll())
	assert.Equal(t, DecisionCancel, s.Poll())
}

func TestSkipBackBeatsSkipForward(t *testing.T) {
	s := NewSignals(false)
	s.SkipForward()
	s.SkipBack()

	assert.Equal(t, DecisionSkipBack, s.Poll())
	assert.Equal(t, DecisionSkipForward, s.Poll())
	assert.Equal(t, DecisionProceed, s.Poll())
}

func TestSkipSignalsAreOneShot(t *testing.T) {
	s := NewSignals(false)
	s.SkipForward()
	assert.Equal(t, DecisionSkipForward, s.Poll())
	assert.Equal(t, DecisionProceed, s.Poll())
}

func TestPauseIsLatchedUntilResume(t *testing.T) {
	s := NewSignals(false)
	s.Pause()
	assert.Equal(t, DecisionPause, s.Poll())
	assert.Equal(t, DecisionPause, s.Poll())

	s.Resume()
	assert.Equal(t, DecisionProceed, s.Poll())
}

func TestAwaitResumeWakesOnResume(t *testing.T) {
	s := NewSignals(false)
	s.Pause()

	released := make(chan struct{})
	go func() {
		s.AwaitResume()
		close(released)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-released:
		t.Fatal("AwaitResume returned while still paused")
	default:
	}

	s.Resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not wake on resume")
	}
}

func TestAwaitResumeWakesOnCancel(t *testing.T) {
	s := NewSignals(false)
	s.Pause()

	released := make(chan struct{})
	go func() {
		s.AwaitResume()
		close(released)
	}()

	s.Cancel()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not wake on cancel")
	}
}

func TestStepInterruptFiresOnSkip(t *testing.T) {
	s := NewSignals(false)
	ch := s.StepInterrupt()

	select {
	case <-ch:
		t.Fatal("interrupt fired without a signal")
	default:
	}

	s.SkipForward()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("interrupt did not fire on skip")
	}
}

func TestStepInterruptRearmsPerStep(t *testing.T) {
	s := NewSignals(false)
	first := s.StepInterrupt()
	s.SkipForward()
	<-first
	assert.Equal(t, DecisionSkipForward, s.Poll())

	second := s.StepInterrupt()
	select {
	case <-second:
		t.Fatal("fresh interrupt channel must not be closed")
	default:
	}
}

func TestStepInterruptImmediateWhenAlreadyCancelled(t *testing.T) {
	s := NewSignals(false)
	s.Cancel()

	select {
	case <-s.StepInterrupt():
	case <-time.After(time.Second):
		t.Fatal("interrupt must fire immediately when already cancelled")
	}
}

func TestDebugToggle(t *testing.T) {
	s := NewSignals(true)
	assert.True(t, s.Debug())
	s.SetDebug(false)
	assert.False(t, s.Debug())
}
