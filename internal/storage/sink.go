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

package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/playbookd/playbookd/internal/engine"
)

const (
	sinkQueueSize    = 1024
	sinkWriteRetries = 3
	sinkRetryDelay   = 100 * time.Millisecond
	sinkWriteTimeout = 10 * time.Second
)

type sinkOp struct {
	executionID string
	step        *engine.StepResult
	snapshot    *engine.Snapshot
}

// Sink writes engine state transitions to the store asynchronously.
// A single worker goroutine preserves write order per execution, and
// enqueueing never blocks the engine: when the queue is full the
// write is dropped and logged. Dropped step writes are recovered by
// the full-snapshot write at finalize.
type Sink struct {
	store  *Store
	logger *slog.Logger

	queue    chan sinkOp
	done     chan struct{}
	stopOnce sync.Once
}

// NewSink starts the writer goroutine.
func NewSink(store *Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		store:  store,
		logger: logger,
		queue:  make(chan sinkOp, sinkQueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// RecordStep implements engine.Sink.
func (s *Sink) RecordStep(executionID string, result engine.StepResult) {
	r := result
	s.enqueue(sinkOp{executionID: executionID, step: &r})
}

// Finalize implements engine.Sink.
func (s *Sink) Finalize(snapshot engine.Snapshot) {
	s.enqueue(sinkOp{executionID: snapshot.ExecutionID, snapshot: &snapshot})
}

// SaveSnapshot enqueues a full snapshot write outside the engine
// lifecycle, e.g. the initial pending row when a run is started.
func (s *Sink) SaveSnapshot(snapshot engine.Snapshot) {
	s.enqueue(sinkOp{executionID: snapshot.ExecutionID, snapshot: &snapshot})
}

func (s *Sink) enqueue(op sinkOp) {
	select {
	case s.queue <- op:
	default:
		s.logger.Warn("persistence queue full, dropping write",
			"execution_id", op.executionID)
	}
}

// Close stops accepting writes, drains the queue, and blocks until
// the worker has flushed everything already enqueued.
func (s *Sink) Close() {
	s.stopOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *Sink) run() {
	defer close(s.done)
	for op := range s.queue {
		s.write(op)
	}
}

func (s *Sink) write(op sinkOp) {
	var lastErr error
	for attempt := 0; attempt < sinkWriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(sinkRetryDelay * time.Duration(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if op.snapshot != nil {
			lastErr = s.store.SaveExecution(ctx, *op.snapshot)
		} else {
			lastErr = s.store.SaveStepResult(ctx, op.executionID, *op.step)
		}
		cancel()
		if lastErr == nil {
			return
		}
	}
	// Persistence failures never fail the run.
	s.logger.Error("failed to persist execution state",
		"execution_id", op.executionID,
		"error", lastErr)
}
