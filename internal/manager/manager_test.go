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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/engine"
	"github.com/playbookd/playbookd/internal/handler"
	"github.com/playbookd/playbookd/internal/storage"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

const quickPlaybook = `
name: quick
steps:
  - id: one
    type: utility.set_variable
    parameters:
      name: mode
      value: wet
  - id: two
    type: utility.log
    parameters:
      message: done
`

const waitingPlaybook = `
name: waiting
steps:
  - id: linger
    type: utility.wait
    parameters:
      seconds: 300
`

type fixture struct {
	manager *Manager
	store   *storage.Store
	sink    *storage.Sink
	dataDir string
}

func newFixture(t *testing.T, playbooks map[string]string) *fixture {
	t.Helper()

	libDir := t.TempDir()
	for name, body := range playbooks {
		require.NoError(t, os.WriteFile(filepath.Join(libDir, name), []byte(body), 0o644))
	}
	loader, err := playbook.NewLoader(libDir)
	require.NoError(t, err)

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	sink := storage.NewSink(store, nil)

	reg := handler.NewRegistry()
	handler.RegisterBuiltins(reg, nil)

	bc := broadcast.New(nil)
	dataDir := t.TempDir()

	m := New(Config{
		Loader:          loader,
		Registry:        reg,
		Broadcaster:     bc,
		Store:           store,
		Sink:            sink,
		DataDir:         dataDir,
		ExecutionTTL:    time.Hour,
		WatchdogTimeout: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
		sink.Close()
		bc.Close()
		store.Close()
	})
	return &fixture{manager: m, store: store, sink: sink, dataDir: dataDir}
}

func waitTerminal(t *testing.T, m *Manager, id string) engine.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Get(context.Background(), id)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return *snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return engine.Snapshot{}
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.yaml": quickPlaybook})

	id, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitTerminal(t, f.manager, id)
	assert.Equal(t, engine.StatusCompleted, snap.Status)
	assert.Equal(t, "quick", snap.PlaybookName)
	assert.Len(t, snap.StepResults, 2)
}

func TestStartUnknownPlaybook(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.Start(context.Background(), "nope.yaml", StartOptions{})
	var verr *pberrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetFallsBackToHistory(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.yaml": quickPlaybook})

	id, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	waitTerminal(t, f.manager, id)

	// drain the async writer, then evict from the live registry
	f.sink.Close()
	f.manager.reap(time.Now().Add(2 * time.Hour))

	snap, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, snap.Status)
}

func TestListPrefersLiveState(t *testing.T) {
	f := newFixture(t, map[string]string{"waiting.yaml": waitingPlaybook})

	id, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.manager.Get(context.Background(), id)
		require.NoError(t, err)
		if snap.Status == engine.StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	list, err := f.manager.List(context.Background(), 0)
	require.NoError(t, err)

	found := 0
	for _, snap := range list {
		if snap.ExecutionID == id {
			found++
			assert.Equal(t, engine.StatusRunning, snap.Status)
		}
	}
	assert.Equal(t, 1, found, "live execution must appear exactly once")

	require.NoError(t, f.manager.Signal(context.Background(), id, SignalCancel))
	waitTerminal(t, f.manager, id)
}

func TestSignalPauseResume(t *testing.T) {
	f := newFixture(t, map[string]string{"waiting.yaml": waitingPlaybook})

	id, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Signal(context.Background(), id, SignalPause))
	require.NoError(t, f.manager.Signal(context.Background(), id, SignalResume))
	require.NoError(t, f.manager.Signal(context.Background(), id, SignalCancel))

	snap := waitTerminal(t, f.manager, id)
	assert.Equal(t, engine.StatusCancelled, snap.Status)
}

func TestSignalUnknownKind(t *testing.T) {
	f := newFixture(t, map[string]string{"waiting.yaml": waitingPlaybook})

	id, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)
	defer func() {
		f.manager.Signal(context.Background(), id, SignalCancel)
		waitTerminal(t, f.manager, id)
	}()

	err = f.manager.Signal(context.Background(), id, Signal("explode"))
	var verr *pberrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSignalUnknownExecution(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.Signal(context.Background(), "missing", SignalPause)
	var nf *pberrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSignalTerminalExecutionRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.yaml": quickPlaybook})

	id, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	waitTerminal(t, f.manager, id)

	err = f.manager.Signal(context.Background(), id, SignalPause)
	var verr *pberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "already")
}

func TestDeleteLiveExecutionRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"waiting.yaml": waitingPlaybook})

	id, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)

	err = f.manager.Delete(context.Background(), id)
	var verr *pberrors.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, f.manager.Signal(context.Background(), id, SignalCancel))
	waitTerminal(t, f.manager, id)
}

func TestDeleteRemovesRowAndScreenshots(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.yaml": quickPlaybook})

	id, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	waitTerminal(t, f.manager, id)
	f.sink.Close()

	shotDir := filepath.Join(f.dataDir, "screenshots", id)
	require.NoError(t, os.MkdirAll(shotDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shotDir, "one-1.jpg"), []byte("jpeg"), 0o644))

	require.NoError(t, f.manager.Delete(context.Background(), id))

	_, err = f.manager.Get(context.Background(), id)
	var nf *pberrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	_, err = os.Stat(shotDir)
	assert.True(t, os.IsNotExist(err))
}

func TestWatchdogCancelsLongRun(t *testing.T) {
	f := newFixture(t, map[string]string{"waiting.yaml": waitingPlaybook})
	f.manager.cfg.WatchdogTimeout = 50 * time.Millisecond

	id, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)

	snap := waitTerminal(t, f.manager, id)
	assert.Equal(t, engine.StatusCancelled, snap.Status)
	assert.Equal(t, "execution timeout", snap.Error)
}

func TestReapEvictsOnlyExpiredTerminalRuns(t *testing.T) {
	f := newFixture(t, map[string]string{
		"quick.yaml":   quickPlaybook,
		"waiting.yaml": waitingPlaybook,
	})

	done, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	live, err := f.manager.Start(context.Background(), "waiting.yaml", StartOptions{})
	require.NoError(t, err)
	waitTerminal(t, f.manager, done)

	f.manager.reap(time.Now().Add(2 * time.Hour))

	f.manager.mu.Lock()
	_, doneLive := f.manager.live[done]
	_, stillLive := f.manager.live[live]
	f.manager.mu.Unlock()
	assert.False(t, doneLive, "terminal run past TTL must be evicted")
	assert.True(t, stillLive, "running execution must never be evicted")

	require.NoError(t, f.manager.Signal(context.Background(), live, SignalCancel))
	waitTerminal(t, f.manager, live)
}

func TestActiveCountExcludesTerminal(t *testing.T) {
	f := newFixture(t, map[string]string{"quick.yaml": quickPlaybook})

	id, err := f.manager.Start(context.Background(), "quick.yaml", StartOptions{})
	require.NoError(t, err)
	waitTerminal(t, f.manager, id)
	assert.Equal(t, 0, f.manager.ActiveCount())
}
