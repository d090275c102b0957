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

// Package manager owns the live execution registry: starting runs,
// routing control signals, merging live state with history, and
// evicting finished runs after their retention window.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/engine"
	"github.com/playbookd/playbookd/internal/handler"
	"github.com/playbookd/playbookd/internal/metrics"
	"github.com/playbookd/playbookd/internal/storage"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// Signal is a control signal kind accepted by Signal.
type Signal string

const (
	SignalPause       Signal = "pause"
	SignalResume      Signal = "resume"
	SignalSkipForward Signal = "skip_forward"
	// SignalSkip is the short form clients may send for skip_forward.
	SignalSkip     Signal = "skip"
	SignalSkipBack Signal = "skip_back"
	SignalCancel   Signal = "cancel"
	SignalDebugOn  Signal = "debug_on"
	SignalDebugOff Signal = "debug_off"
)

const reaperInterval = time.Minute

// Config assembles a Manager.
type Config struct {
	Loader      *playbook.Loader
	Registry    *handler.Registry
	Broadcaster *broadcast.Broadcaster
	Store       *storage.Store
	Sink        *storage.Sink
	Credentials engine.CredentialSource
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// DataDir holds per-execution screenshot directories.
	DataDir string

	// ExecutionTTL keeps terminal runs in the live registry for
	// late-joining subscribers before eviction.
	ExecutionTTL time.Duration

	// WatchdogTimeout cancels runs that exceed it.
	WatchdogTimeout time.Duration

	BrowserFactory handler.BrowserFactory
	DesktopFactory handler.DesktopFactory
	GatewayFactory handler.GatewayFactory
}

// StartOptions carries per-run options.
type StartOptions struct {
	Parameters map[string]interface{}
	DebugMode  bool
}

// Manager is the live execution registry.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*engine.Engine

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	reaperDone chan struct{}
	closeOnce  sync.Once
}

// New creates a manager and starts its eviction loop.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExecutionTTL <= 0 {
		cfg.ExecutionTTL = 60 * time.Minute
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		live:       make(map[string]*engine.Engine),
		baseCtx:    ctx,
		cancel:     cancel,
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Start loads the playbook and launches a new execution. The returned
// id is valid immediately for Get, Signal, and event filtering.
func (m *Manager) Start(ctx context.Context, playbookPath string, opts StartOptions) (string, error) {
	pb, err := m.cfg.Loader.Load(playbookPath)
	if err != nil {
		return "", &pberrors.ValidationError{
			Field:   "playbook_path",
			Message: err.Error(),
		}
	}

	id := uuid.NewString()
	eng := engine.New(engine.Config{
		ExecutionID:    id,
		Playbook:       pb,
		PlaybookPath:   playbookPath,
		Parameters:     opts.Parameters,
		DebugMode:      opts.DebugMode,
		Registry:       m.cfg.Registry,
		Broadcaster:    m.cfg.Broadcaster,
		Sink:           m.cfg.Sink,
		Credentials:    m.cfg.Credentials,
		Loader:         m.cfg.Loader,
		Registrar:      m,
		Logger:         m.logger,
		DataDir:        m.cfg.DataDir,
		BrowserFactory: m.cfg.BrowserFactory,
		DesktopFactory: m.cfg.DesktopFactory,
		GatewayFactory: m.cfg.GatewayFactory,
	})

	m.mu.Lock()
	m.live[id] = eng
	m.mu.Unlock()

	// The pending row exists before the first event so late history
	// reads never miss the run.
	m.cfg.Sink.SaveSnapshot(eng.Snapshot())
	metrics.RecordExecutionStarted(pb.Name)

	m.wg.Add(1)
	go m.drive(eng, pb.Name)

	m.logger.Info("execution started",
		"execution_id", id,
		"playbook", playbookPath,
		"debug_mode", opts.DebugMode)
	return id, nil
}

// drive runs the engine to completion with the watchdog armed.
func (m *Manager) drive(eng *engine.Engine, playbookName string) {
	defer m.wg.Done()

	runCtx := m.baseCtx
	var span trace.Span
	if m.cfg.Tracer != nil {
		runCtx, span = m.cfg.Tracer.Start(runCtx, "playbook.execute",
			trace.WithAttributes(
				attribute.String("execution.id", eng.ExecutionID()),
				attribute.String("playbook.name", playbookName),
			))
	}

	watchdog := time.AfterFunc(m.cfg.WatchdogTimeout, func() {
		m.logger.Warn("watchdog cancelling execution",
			"execution_id", eng.ExecutionID(),
			"timeout", m.cfg.WatchdogTimeout)
		eng.CancelWithReason("execution timeout")
	})
	defer watchdog.Stop()

	start := time.Now()
	eng.Run(runCtx)

	snap := eng.Snapshot()
	metrics.RecordExecutionCompleted(playbookName, string(snap.Status), time.Since(start).Seconds())
	if span != nil {
		span.SetAttributes(attribute.String("execution.status", string(snap.Status)))
		span.End()
	}
}

// RegisterChild implements engine.ChildRegistrar: nested executions
// surface in the registry so they are listable and signalable while
// the parent step runs.
func (m *Manager) RegisterChild(eng *engine.Engine) {
	m.mu.Lock()
	m.live[eng.ExecutionID()] = eng
	m.mu.Unlock()

	snap := eng.Snapshot()
	m.cfg.Sink.SaveSnapshot(snap)
	metrics.RecordExecutionStarted(snap.PlaybookName)

	// The parent runs the child synchronously; only completion
	// accounting happens here.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		<-eng.Done()
		final := eng.Snapshot()
		metrics.RecordExecutionCompleted(final.PlaybookName, string(final.Status), time.Since(start).Seconds())
	}()
}

// Get returns the execution's state, preferring live state over the
// persisted row.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Snapshot, error) {
	m.mu.Lock()
	eng, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		snap := eng.Snapshot()
		return &snap, nil
	}
	return m.cfg.Store.GetExecution(ctx, id)
}

// List merges live executions with history, newest first. A run
// present in both appears once with its live state.
func (m *Manager) List(ctx context.Context, limit int) ([]engine.Snapshot, error) {
	stored, err := m.cfg.Store.ListExecutions(ctx, limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	liveSnaps := make(map[string]engine.Snapshot, len(m.live))
	for id, eng := range m.live {
		liveSnaps[id] = eng.Snapshot()
	}
	m.mu.Unlock()

	out := make([]engine.Snapshot, 0, len(stored)+len(liveSnaps))
	for _, snap := range stored {
		if liveSnap, ok := liveSnaps[snap.ExecutionID]; ok {
			out = append(out, liveSnap)
			delete(liveSnaps, snap.ExecutionID)
			continue
		}
		out = append(out, snap)
	}
	for _, snap := range liveSnaps {
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// Signal routes a control signal to a live execution.
func (m *Manager) Signal(ctx context.Context, id string, sig Signal) error {
	m.mu.Lock()
	eng, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return &pberrors.NotFoundError{Resource: "execution", ID: id}
	}
	if status := eng.Status(); status.Terminal() {
		return &pberrors.ValidationError{
			Field:   "signal",
			Message: fmt.Sprintf("execution already %s", status),
		}
	}

	switch sig {
	case SignalPause:
		eng.Pause()
	case SignalResume:
		eng.Resume()
	case SignalSkipForward, SignalSkip:
		eng.SkipForward()
	case SignalSkipBack:
		eng.SkipBack()
	case SignalCancel:
		eng.Cancel()
	case SignalDebugOn:
		eng.SetDebug(true)
	case SignalDebugOff:
		eng.SetDebug(false)
	default:
		return &pberrors.ValidationError{
			Field:   "signal",
			Message: fmt.Sprintf("unknown signal %q", sig),
		}
	}

	metrics.RecordSignal(string(sig))
	m.logger.Info("signal delivered", "execution_id", id, "signal", string(sig))
	return nil
}

// Delete removes a terminal execution: registry entry, history row,
// and screenshot directory. Live runs must be cancelled first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	eng, ok := m.live[id]
	if ok && !eng.Status().Terminal() {
		m.mu.Unlock()
		return &pberrors.ValidationError{
			Field:   "execution_id",
			Message: fmt.Sprintf("execution %s is still %s; cancel it first", id, eng.Status()),
		}
	}
	delete(m.live, id)
	m.mu.Unlock()

	if err := m.cfg.Store.DeleteExecution(ctx, id); err != nil {
		return err
	}
	shotDir := filepath.Join(m.cfg.DataDir, "screenshots", id)
	if err := os.RemoveAll(shotDir); err != nil {
		m.logger.Warn("remove screenshot dir", "execution_id", id, "error", err)
	}
	m.logger.Info("execution deleted", "execution_id", id)
	return nil
}

// ActiveCount returns the number of non-terminal registry entries.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, eng := range m.live {
		if !eng.Status().Terminal() {
			n++
		}
	}
	return n
}

// Close cancels all live runs and waits for them to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.reaperDone)
		m.cancel()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.reaperDone:
			return
		}
	}
}

// reap evicts terminal runs whose retention window has passed. State
// stays queryable through storage after eviction.
func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, eng := range m.live {
		completed := eng.CompletedAt()
		if completed == nil {
			continue
		}
		if now.Sub(*completed) >= m.cfg.ExecutionTTL {
			delete(m.live, id)
			m.logger.Debug("evicted finished execution", "execution_id", id)
		}
	}
}
