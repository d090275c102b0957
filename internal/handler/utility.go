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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// UtilityLog writes a message to the run log and echoes it as output.
type UtilityLog struct{}

// Type implements Handler.
func (UtilityLog) Type() string { return "utility.log" }

// Execute implements Handler.
func (UtilityLog) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	msg, ok := params["message"]
	if !ok {
		msg = ""
	}
	text := fmt.Sprintf("%v", msg)
	rc.Logger().Info(text, "source", "playbook")
	return Output{"message": text}, nil
}

// UtilitySetVariable writes one run variable, visible to later steps
// through variable.* references.
type UtilitySetVariable struct{}

// Type implements Handler.
func (UtilitySetVariable) Type() string { return "utility.set_variable" }

// Execute implements Handler.
func (UtilitySetVariable) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	value, ok := params["value"]
	if !ok {
		return nil, handlerErr("utility.set_variable", "parameter \"value\" is required", nil)
	}
	rc.SetVariable(name, value)
	return Output{"name": name, "value": value}, nil
}

// UtilityWait sleeps for a number of seconds, aborting promptly on
// cancellation.
type UtilityWait struct{}

// Type implements Handler.
func (UtilityWait) Type() string { return "utility.wait" }

// Execute implements Handler.
func (UtilityWait) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	d, err := durationParam(params, "seconds", 0)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return Output{"waited_seconds": d.Seconds()}, nil
}

// UtilityJQ applies a jq expression to an input value.
type UtilityJQ struct{}

// Type implements Handler.
func (UtilityJQ) Type() string { return "utility.jq" }

// Execute implements Handler.
func (UtilityJQ) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	expr, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	input := params["input"]

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, handlerErr("utility.jq", "parse query", err)
	}

	// gojq only accepts JSON-shaped values; round-trip anything else.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return nil, handlerErr("utility.jq", "normalize input", err)
	}

	var results []interface{}
	iter := query.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, handlerErr("utility.jq", "evaluate query", err)
		}
		results = append(results, v)
	}

	var result interface{}
	switch len(results) {
	case 0:
		result = nil
	case 1:
		result = results[0]
	default:
		result = results
	}
	return Output{"result": result}, nil
}

// normalizeJSON coerces a value to the types encoding/json produces.
func normalizeJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UtilityHTTP issues one HTTP request outside the gateway session, for
// playbooks that talk to auxiliary services.
type UtilityHTTP struct {
	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// Type implements Handler.
func (h UtilityHTTP) Type() string { return "utility.http" }

// Execute implements Handler.
func (h UtilityHTTP) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	rawURL, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(optionalString(params, "method", http.MethodGet))
	headers, err := mapParam(params, "headers")
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body, ok := params["body"]; ok && body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, handlerErr("utility.http", "encode body", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, handlerErr("utility.http", "build request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, handlerErr("utility.http", method+" "+rawURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, handlerErr("utility.http", "read response", err)
	}

	var body interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	}

	if resp.StatusCode >= 400 {
		return nil, handlerErr("utility.http", fmt.Sprintf("%s %s: status %d", method, rawURL, resp.StatusCode), nil)
	}
	return Output{"status": resp.StatusCode, "body": body}, nil
}
