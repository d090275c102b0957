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

import "context"

// PlaybookRun executes a child playbook inline and reports its
// aggregate outcome as this step's output. Depth limits, cycle
// detection, and the verified-flag gate live in the nested runner.
type PlaybookRun struct{}

// Type implements Handler.
func (PlaybookRun) Type() string { return "playbook.run" }

// Execute implements Handler.
func (PlaybookRun) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	name, err := stringParam(params, "playbook")
	if err != nil {
		return nil, err
	}
	childParams, err := mapParam(params, "parameters")
	if err != nil {
		return nil, err
	}

	runner := rc.Nested()
	if runner == nil {
		return nil, handlerErr("playbook.run", "nested execution is not available in this context", nil)
	}
	return runner.RunPlaybook(ctx, name, childParams, rc)
}
