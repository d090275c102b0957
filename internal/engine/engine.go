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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/handler"
	"github.com/playbookd/playbookd/internal/log"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// Sink receives run and step state for durable storage. Implementations
// must never block the caller; persistence failures are logged and
// swallowed downstream.
type Sink interface {
	RecordStep(executionID string, result StepResult)
	Finalize(snapshot Snapshot)
}

// CredentialSource resolves credential names to records.
type CredentialSource interface {
	Get(ctx context.Context, name string) (*playbook.Credential, error)
}

// ChildRegistrar lets nested child engines appear in the live
// registry so their snapshots are listable and signalable.
type ChildRegistrar interface {
	RegisterChild(e *Engine)
}

// Config assembles an Engine.
type Config struct {
	ExecutionID  string
	Playbook     *playbook.Playbook
	PlaybookPath string
	Parameters   map[string]interface{}
	DebugMode    bool

	// Nesting context; zero values for a top-level run.
	Depth             int
	ParentChain       []string
	ParentExecutionID string

	Registry    *handler.Registry
	Broadcaster *broadcast.Broadcaster
	Sink        Sink
	Credentials CredentialSource
	Loader      *playbook.Loader
	Registrar   ChildRegistrar
	Logger      *slog.Logger

	DataDir string

	BrowserFactory handler.BrowserFactory
	DesktopFactory handler.DesktopFactory
	GatewayFactory handler.GatewayFactory
}

// Engine drives one run to a terminal state.
type Engine struct {
	cfg      Config
	state    *State
	signals  *Signals
	executor *Executor
	logger   *slog.Logger

	resources *handler.Resources
	shots     *screenshotPublisher

	credsMu sync.Mutex
	creds   map[string]*playbook.Credential

	shotSeqMu sync.Mutex
	shotSeq   map[string]int

	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	preflightErr error

	done    chan struct{}
	runOnce sync.Once
}

// New builds an engine for one run. Static validation failures
// (missing required parameters, unknown step types) are deferred: the
// run starts, never reaches running, and is finalized as failed with
// the validation message.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithExecutionContext(logger, cfg.ExecutionID, cfg.Playbook.Name)

	metadata := map[string]interface{}{
		"debug_mode":    cfg.DebugMode,
		"nesting_depth": cfg.Depth,
		"parent_chain":  append([]string(nil), cfg.ParentChain...),
	}
	if cfg.ParentExecutionID != "" {
		metadata["parent_execution_id"] = cfg.ParentExecutionID
	}

	params, err := cfg.Playbook.ResolveParameters(cfg.Parameters)
	if err == nil {
		for _, step := range cfg.Playbook.Steps {
			if !cfg.Registry.Has(step.Type) {
				err = &pberrors.ValidationError{
					Field:   "steps." + step.ID + ".type",
					Message: "unknown step type " + step.Type,
				}
				break
			}
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	e := &Engine{
		cfg:          cfg,
		state:        NewState(cfg.ExecutionID, cfg.PlaybookPath, cfg.Playbook, params, cfg.DebugMode, metadata),
		signals:      NewSignals(cfg.DebugMode),
		executor:     NewExecutor(cfg.Registry, logger),
		logger:       logger,
		creds:        make(map[string]*playbook.Credential),
		shotSeq:      make(map[string]int),
		preflightErr: err,
		done:         make(chan struct{}),
	}
	e.shots = newScreenshotPublisher(cfg.ExecutionID, cfg.Broadcaster)
	e.resources = handler.NewResources(handler.ResourcesConfig{
		Browser: cfg.BrowserFactory,
		Desktop: cfg.DesktopFactory,
		Gateway: cfg.GatewayFactory,
		OnBrowser: func(d handler.BrowserDriver) {
			d.SetFrameCallback(e.shots.publish)
		},
	})
	return e
}

// ExecutionID returns the run identifier.
func (e *Engine) ExecutionID() string { return e.state.ExecutionID() }

// Snapshot returns a deep copy of the run state.
func (e *Engine) Snapshot() Snapshot { return e.state.Snapshot() }

// Status returns the current run status.
func (e *Engine) Status() Status { return e.state.Status() }

// CompletedAt returns the terminal timestamp, nil while live.
func (e *Engine) CompletedAt() *time.Time { return e.state.CompletedAt() }

// Done is closed when the run reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Pause requests a pause at the next step boundary.
func (e *Engine) Pause() { e.signals.Pause() }

// Resume clears a pause.
func (e *Engine) Resume() { e.signals.Resume() }

// SkipForward skips the current step.
func (e *Engine) SkipForward() { e.signals.SkipForward() }

// SkipBack rewinds the cursor one step.
func (e *Engine) SkipBack() { e.signals.SkipBack() }

// SetDebug toggles debug stepping.
func (e *Engine) SetDebug(on bool) {
	e.signals.SetDebug(on)
	snap := e.state.update(func(s *State) {
		s.debugMode = on
		s.metadata["debug_mode"] = on
	})
	e.emit(snap)
}

// Cancel latches cancellation and interrupts the in-flight step.
func (e *Engine) Cancel() {
	e.signals.Cancel()
	e.cancelMu.Lock()
	cancel := e.cancelRun
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelWithReason cancels the run and records a run-level error
// message, e.g. the watchdog's "execution timeout".
func (e *Engine) CancelWithReason(reason string) {
	e.state.update(func(s *State) {
		if s.errMsg == "" {
			s.errMsg = reason
		}
	})
	e.Cancel()
}

// Run drives the playbook to a terminal state. It must be called
// exactly once, on its own goroutine for top-level runs.
func (e *Engine) Run(ctx context.Context) {
	e.runOnce.Do(func() { e.run(ctx) })
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancelRun = cancel
	e.cancelMu.Unlock()
	if e.signals.Cancelled() {
		cancel()
	}

	// Context cancellation (watchdog, shutdown, parent step cancel)
	// latches the cancel signal so a paused loop wakes up too.
	go func() {
		select {
		case <-runCtx.Done():
			e.signals.Cancel()
		case <-e.done:
		}
	}()

	if e.preflightErr != nil {
		e.finalize(StatusFailed, e.preflightErr.Error())
		return
	}
	if err := e.loadCredentials(runCtx); err != nil {
		e.finalize(StatusFailed, err.Error())
		return
	}

	steps := e.cfg.Playbook.Steps

	// Debug runs hold at pending until the first resume, so the first
	// emitted event is the transition to running.
	if e.signals.Debug() && len(steps) > 0 {
		e.signals.Pause()
		e.signals.AwaitResume()
		if e.signals.Cancelled() {
			e.finalize(StatusCancelled, "")
			return
		}
	}

	snap := e.state.update(func(s *State) { s.status = StatusRunning })
	if len(steps) == 0 {
		// No step attempt will carry the running transition.
		e.emit(snap)
	}
	e.logger.Info("execution started",
		"total_steps", len(steps),
		"debug_mode", e.cfg.DebugMode)

	i := 0
steps:
	for i < len(steps) {
		// Step boundary: consume signals in priority order.
	boundary:
		for {
			switch e.signals.Poll() {
			case DecisionCancel:
				break steps
			case DecisionSkipBack:
				i = e.rewind(i)
				continue boundary
			case DecisionSkipForward:
				e.markSkipped(i, "skipped by user")
				i++
				continue steps
			case DecisionPause:
				if !e.awaitResume() {
					break steps
				}
				continue boundary
			case DecisionProceed:
				break boundary
			}
		}

		step := &steps[i]

		if step.When != "" {
			met, err := e.evalCondition(step)
			if err != nil {
				e.failStep(i, err, step.OnFailure == playbook.OnFailureAbort)
				if step.OnFailure == playbook.OnFailureAbort {
					break steps
				}
				i++
				continue
			}
			if !met {
				e.markSkipped(i, "condition not met")
				i++
				continue
			}
		}

		resolved, err := e.resolveStep(step)
		if err != nil {
			e.failStep(i, err, step.OnFailure == playbook.OnFailureAbort)
			if step.OnFailure == playbook.OnFailureAbort {
				break steps
			}
			i++
			continue
		}

		res := e.executeStep(runCtx, i, step, resolved)
		switch res.Disposition {
		case DispositionSuccess:
			e.completeStep(i, StepSuccess, res.Output, "", "", res.Attempts)
			i++
		case DispositionSkipped:
			msg := ""
			if res.Err != nil {
				msg = res.Err.Error()
			}
			e.completeStep(i, StepSkipped, nil, msg, errorKind(res.Err), res.Attempts)
			i++
		case DispositionFailed:
			e.completeStep(i, StepFailed, nil, res.Err.Error(), errorKind(res.Err), res.Attempts)
			if res.Abort {
				e.state.update(func(s *State) {
					s.status = StatusFailed
					s.errMsg = res.Err.Error()
				})
				break steps
			}
			i++
		case DispositionCancelled:
			if e.signals.SkipPending() {
				// A mid-step skip interrupted the handler; the step is
				// recorded skipped and the boundary moves the cursor.
				e.completeStep(i, StepSkipped, nil, "skipped by user", "", res.Attempts)
				continue
			}
			// The interrupted step is recorded before the run goes
			// terminal: a terminal run never carries a running step.
			cancelErr := &pberrors.CancellationError{}
			e.completeStep(i, StepFailed, nil, cancelErr.Error(), string(pberrors.KindCancellation), res.Attempts)
			e.state.update(func(s *State) { s.status = StatusCancelled })
			break steps
		}

		// Debug stepping: pause after every completed step. After the
		// final step the resume leads straight to the terminal state,
		// with no intermediate running event.
		if e.signals.Debug() && !e.signals.Cancelled() {
			e.signals.Pause()
			if !e.pauseUntilResume(i < len(steps)) {
				break steps
			}
		}
	}

	switch {
	case e.signals.Cancelled():
		e.finalize(StatusCancelled, e.state.Snapshot().Error)
	case e.state.Status() == StatusFailed:
		snap := e.state.Snapshot()
		e.finalize(StatusFailed, snap.Error)
	default:
		e.finalize(StatusCompleted, "")
	}
}

// executeStep runs one step under the executor, wiring mid-step
// interrupts into the step context.
func (e *Engine) executeStep(runCtx context.Context, i int, step *playbook.StepSpec, resolved map[string]interface{}) ExecResult {
	stepCtx, stepCancel := context.WithCancel(runCtx)
	defer stepCancel()

	interrupt := e.signals.StepInterrupt()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-interrupt:
			stepCancel()
		case <-watchDone:
		}
	}()

	rc := e.runContext(step)
	logger := log.WithStepContext(e.logger, step.ID, step.Type)

	onAttempt := func(attempt int) {
		snap := e.state.update(func(s *State) {
			s.currentStep = i
			r := &s.stepResults[i]
			if attempt == 1 {
				now := time.Now().UTC()
				*r = StepResult{StepID: r.StepID, Name: r.Name, Status: StepRunning, StartedAt: &now}
			}
			r.Status = StepRunning
			r.Attempts = attempt
		})
		e.emit(snap)
		e.cfg.Sink.RecordStep(e.ExecutionID(), snap.StepResults[i])
	}

	logger.Info("step started", "timeout_seconds", step.EffectiveTimeoutSeconds())
	start := time.Now()
	res := e.executor.ExecuteWithAttempts(stepCtx, step, resolved, rc, onAttempt)
	logger.Info("step finished",
		log.DurationKey, time.Since(start).Seconds(),
		"disposition", res.Disposition,
		"attempts", res.Attempts)
	return res
}

// completeStep records a terminal step result. The transition is
// persisted immediately and surfaces in the next emitted event.
func (e *Engine) completeStep(i int, status StepStatus, output handler.Output, errMsg, errKind string, attempts int) {
	snap := e.state.update(func(s *State) {
		now := time.Now().UTC()
		r := &s.stepResults[i]
		r.Status = status
		r.Error = errMsg
		r.ErrorKind = errKind
		r.Output = output
		if attempts > 0 {
			r.Attempts = attempts
		}
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		r.CompletedAt = &now
	})
	e.cfg.Sink.RecordStep(e.ExecutionID(), snap.StepResults[i])
}

// failStep records a pre-invocation failure (condition or resolution
// error) as a failed step result.
func (e *Engine) failStep(i int, err error, abort bool) {
	e.completeStep(i, StepFailed, nil, err.Error(), errorKind(err), 0)
	if abort {
		e.state.update(func(s *State) {
			s.status = StatusFailed
			s.errMsg = err.Error()
		})
	}
}

// markSkipped records a skipped step and emits the cursor change.
func (e *Engine) markSkipped(i int, reason string) {
	snap := e.state.update(func(s *State) {
		now := time.Now().UTC()
		r := &s.stepResults[i]
		if r.Status == StepPending || r.Status == StepRunning {
			r.Status = StepSkipped
			r.Error = reason
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			r.CompletedAt = &now
		}
		s.currentStep = i
	})
	e.emit(snap)
	e.cfg.Sink.RecordStep(e.ExecutionID(), snap.StepResults[i])
}

// rewind moves the cursor one step back and restores the revisited
// step to pending so it runs afresh.
func (e *Engine) rewind(i int) int {
	target := i - 1
	if target < 0 {
		target = 0
	}
	snap := e.state.update(func(s *State) {
		s.currentStep = target
		r := &s.stepResults[target]
		*r = StepResult{StepID: r.StepID, Name: r.Name, Status: StepPending}
	})
	e.emit(snap)
	e.logger.Info("skip back", "from", i, "to", target)
	return target
}

// awaitResume flips the run to paused, blocks until resume or cancel,
// and flips back. Returns false when cancelled.
func (e *Engine) awaitResume() bool { return e.pauseUntilResume(true) }

// pauseUntilResume emits the paused transition and blocks until resume
// or cancel. When resumeRunning is false the caller moves the run to
// its terminal state immediately, so no running transition is emitted.
func (e *Engine) pauseUntilResume(resumeRunning bool) bool {
	snap := e.state.update(func(s *State) { s.status = StatusPaused })
	e.emit(snap)
	e.logger.Info("execution paused")

	e.signals.AwaitResume()
	if e.signals.Cancelled() {
		return false
	}
	if resumeRunning {
		snap = e.state.update(func(s *State) { s.status = StatusRunning })
		e.emit(snap)
		e.logger.Info("execution resumed")
	}
	return true
}

// errorKind classifies an error for the step result record.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return string(pberrors.KindOf(err))
}

// finalize reaches the terminal state: release resources, stop
// screenshots, emit the final event, persist the final row.
func (e *Engine) finalize(status Status, errMsg string) {
	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.resources.Teardown(teardownCtx); err != nil {
		e.logger.Warn("resource teardown", "error", err)
	}

	// No screenshot may follow the terminal event.
	e.shots.close()

	snap := e.state.update(func(s *State) {
		if !s.status.Terminal() {
			s.status = status
		}
		if s.errMsg == "" {
			s.errMsg = errMsg
		}
		now := time.Now().UTC()
		s.completedAt = &now
	})
	e.emit(snap)
	e.cfg.Sink.Finalize(snap)

	e.logger.Info("execution finished",
		log.StatusKey, string(snap.Status),
		log.DurationKey, time.Since(snap.StartedAt).Seconds())
}

// emit publishes a state snapshot to all subscribers.
func (e *Engine) emit(snap Snapshot) {
	if e.cfg.Broadcaster != nil {
		e.cfg.Broadcaster.Publish(snap.Update())
	}
}

// loadCredentials fetches every credential the playbook references.
// A missing credential fails the run before it reaches running.
func (e *Engine) loadCredentials(ctx context.Context) error {
	if e.cfg.Credentials == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, step := range e.cfg.Playbook.Steps {
		for _, name := range playbook.CredentialNames(step.Parameters) {
			seen[name] = true
		}
	}
	for name := range seen {
		cred, err := e.cfg.Credentials.Get(ctx, name)
		if err != nil {
			return &pberrors.ValidationError{
				Field:   "credential." + name,
				Message: fmt.Sprintf("credential %q is not available: %v", name, err),
			}
		}
		e.credsMu.Lock()
		e.creds[name] = cred
		e.credsMu.Unlock()
	}
	return nil
}

// resolveStep expands template references in the step's parameters.
func (e *Engine) resolveStep(step *playbook.StepSpec) (map[string]interface{}, error) {
	e.credsMu.Lock()
	creds := make(map[string]*playbook.Credential, len(e.creds))
	for k, v := range e.creds {
		creds[k] = v
	}
	e.credsMu.Unlock()

	resolved, err := playbook.ResolveParameters(step.Parameters, e.state.resolveContext(creds))
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	return resolved, nil
}

// evalCondition evaluates a step's when expression against the run's
// parameters, variables, and step outputs.
func (e *Engine) evalCondition(step *playbook.StepSpec) (bool, error) {
	snap := e.state.Snapshot()
	outputs := make(map[string]interface{})
	for _, r := range snap.StepResults {
		if r.Status == StepSuccess && r.Output != nil {
			outputs[r.StepID] = r.Output
		}
	}
	env := map[string]interface{}{
		"parameter": snap.Parameters,
		"variable":  snap.Variables,
		"step":      outputs,
	}

	program, err := expr.Compile(step.When, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("step %s: compile condition: %w", step.ID, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("step %s: evaluate condition: %w", step.ID, err)
	}
	met, _ := out.(bool)
	return met, nil
}

// runContext builds the handler-facing context for one step.
func (e *Engine) runContext(step *playbook.StepSpec) *handler.RunContext {
	stepID := step.ID
	return handler.NewRunContext(handler.RunContextConfig{
		ExecutionID:  e.ExecutionID(),
		PlaybookName: e.cfg.Playbook.Name,
		StepID:       stepID,
		Depth:        e.cfg.Depth,
		ParentChain:  e.parentChain(),
		Logger:       log.WithStepContext(e.logger, stepID, step.Type),
		Resources:    e.resources,
		Parameters:   e.state.Snapshot().Parameters,
		GetVariables: e.state.variablesCopy,
		SetVariable:  e.state.setVariable,
		SaveScreenshot: func(jpeg []byte) (string, error) {
			return e.saveScreenshot(stepID, jpeg)
		},
		Nested: &nestedRunner{parent: e},
	})
}

// parentChain returns the chain of playbook paths from the top-level
// run down to this one, this run included.
func (e *Engine) parentChain() []string {
	chain := append([]string(nil), e.cfg.ParentChain...)
	return append(chain, e.cfg.PlaybookPath)
}

// saveScreenshot persists a frame under the run's screenshot
// directory, records the path on the step result, and forwards the
// frame to subscribers.
func (e *Engine) saveScreenshot(stepID string, jpeg []byte) (string, error) {
	dir := filepath.Join(e.cfg.DataDir, "screenshots", e.ExecutionID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}

	e.shotSeqMu.Lock()
	e.shotSeq[stepID]++
	n := e.shotSeq[stepID]
	e.shotSeqMu.Unlock()

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.jpg", stepID, n))
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}

	e.state.update(func(s *State) {
		for i := range s.stepResults {
			if s.stepResults[i].StepID == stepID {
				s.stepResults[i].ScreenshotPath = path
				break
			}
		}
	})
	e.shots.publish(jpeg)
	return path, nil
}
