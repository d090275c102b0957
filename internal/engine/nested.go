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

	"github.com/google/uuid"

	"github.com/playbookd/playbookd/internal/handler"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
)

// MaxNestingDepth caps how deep playbook.run steps may nest.
const MaxNestingDepth = 3

// nestedRunner executes a child playbook as a single step of its
// parent. The child gets its own execution id and engine but shares
// the parent's broadcaster, sink, registry, and credential source, so
// its events stream to the same subscribers.
type nestedRunner struct {
	parent *Engine
}

// RunPlaybook implements handler.NestedRunner.
func (n *nestedRunner) RunPlaybook(ctx context.Context, name string, params map[string]interface{}, parentRC *handler.RunContext) (handler.Output, error) {
	e := n.parent
	if e.cfg.Loader == nil {
		return nil, &pberrors.HandlerError{
			StepType: "playbook.run",
			Message:  "no playbook loader configured",
		}
	}

	pb, err := e.cfg.Loader.Load(name)
	if err != nil {
		return nil, &pberrors.HandlerError{
			StepType: "playbook.run",
			Message:  "load playbook " + name,
			Cause:    err,
		}
	}
	if !pb.Verified() {
		return nil, &pberrors.VerificationError{Playbook: name}
	}

	depth := e.cfg.Depth + 1
	if depth > MaxNestingDepth {
		return nil, &pberrors.NestingDepthError{Depth: depth, Max: MaxNestingDepth}
	}

	chain := e.parentChain()
	for _, p := range chain {
		if p == name {
			return nil, &pberrors.CircularDependencyError{Playbook: name, Chain: chain}
		}
	}

	// Only declared parameters cross the boundary; extras are dropped.
	// Missing required parameters fail fast inside the child engine.
	childParams := make(map[string]interface{})
	for _, spec := range pb.Parameters {
		if v, ok := params[spec.Name]; ok {
			childParams[spec.Name] = v
		}
	}

	child := New(Config{
		ExecutionID:       uuid.NewString(),
		Playbook:          pb,
		PlaybookPath:      name,
		Parameters:        childParams,
		Depth:             depth,
		ParentChain:       chain,
		ParentExecutionID: e.ExecutionID(),
		Registry:          e.cfg.Registry,
		Broadcaster:       e.cfg.Broadcaster,
		Sink:              e.cfg.Sink,
		Credentials:       e.cfg.Credentials,
		Loader:            e.cfg.Loader,
		Registrar:         e.cfg.Registrar,
		Logger:            e.cfg.Logger,
		DataDir:           e.cfg.DataDir,
		BrowserFactory:    e.cfg.BrowserFactory,
		DesktopFactory:    e.cfg.DesktopFactory,
		GatewayFactory:    e.cfg.GatewayFactory,
	})
	if e.cfg.Registrar != nil {
		e.cfg.Registrar.RegisterChild(child)
	}

	e.logger.Info("starting nested playbook",
		"child_execution_id", child.ExecutionID(),
		"child_playbook", name,
		"nesting_depth", depth)

	// The child runs synchronously on the parent's step; cancelling
	// the parent step cancels the child.
	child.Run(ctx)

	snap := child.Snapshot()
	executed := 0
	for _, r := range snap.StepResults {
		if r.Status.Terminal() {
			executed++
		}
	}

	if snap.Status != StatusCompleted {
		msg := fmt.Sprintf("child playbook %s %s", name, snap.Status)
		if snap.Error != "" {
			msg += ": " + snap.Error
		}
		if snap.Status == StatusCancelled && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &pberrors.HandlerError{StepType: "playbook.run", Message: msg}
	}

	return handler.Output{
		"status":         string(snap.Status),
		"steps_executed": executed,
		"completed":      true,
	}, nil
}
