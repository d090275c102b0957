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

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AIComplete sends a prompt to the configured AI provider and returns
// the raw response text.
type AIComplete struct {
	Provider AIProvider
}

// Type implements Handler.
func (AIComplete) Type() string { return "ai.complete" }

// Execute implements Handler.
func (h AIComplete) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	prompt, err := stringParam(params, "prompt")
	if err != nil {
		return nil, err
	}
	if h.Provider == nil {
		return nil, handlerErr("ai.complete", "no AI provider configured", nil)
	}

	response, err := h.Provider.Complete(ctx, prompt)
	if err != nil {
		return nil, handlerErr("ai.complete", "completion", err)
	}
	return Output{"response": response}, nil
}

// AIExtract asks the provider to pull structured fields out of input
// text, returning the parsed JSON object.
type AIExtract struct {
	Provider AIProvider
}

// Type implements Handler.
func (AIExtract) Type() string { return "ai.extract" }

// Execute implements Handler.
func (h AIExtract) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	input, err := stringParam(params, "input")
	if err != nil {
		return nil, err
	}
	fields, err := stringParam(params, "fields")
	if err != nil {
		return nil, err
	}
	if h.Provider == nil {
		return nil, handlerErr("ai.extract", "no AI provider configured", nil)
	}

	prompt := fmt.Sprintf(
		"Extract the following fields from the text below and respond with a single JSON object containing exactly those keys: %s\n\nText:\n%s",
		fields, input)
	response, err := h.Provider.Complete(ctx, prompt)
	if err != nil {
		return nil, handlerErr("ai.extract", "completion", err)
	}

	var extracted map[string]interface{}
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &extracted); err != nil {
		return nil, handlerErr("ai.extract", "provider returned non-JSON response", err)
	}
	return Output{"extracted": extracted}, nil
}
