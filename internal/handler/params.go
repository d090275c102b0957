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
	"fmt"
	"time"

	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// stringParam extracts a required string parameter.
func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q is required", name),
		}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q must be a non-empty string", name),
		}
	}
	return s, nil
}

// optionalString extracts an optional string parameter.
func optionalString(params map[string]interface{}, name, fallback string) string {
	if s, ok := params[name].(string); ok && s != "" {
		return s
	}
	return fallback
}

// numberParam extracts a numeric parameter, accepting the types YAML
// and JSON decoding produce.
func numberParam(params map[string]interface{}, name string) (float64, error) {
	v, ok := params[name]
	if !ok {
		return 0, &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q is required", name),
		}
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q must be a number", name),
		}
	}
}

// durationParam converts a seconds-valued parameter into a duration,
// defaulting when absent.
func durationParam(params map[string]interface{}, name string, fallback time.Duration) (time.Duration, error) {
	if _, ok := params[name]; !ok {
		return fallback, nil
	}
	secs, err := numberParam(params, name)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q must not be negative", name),
		}
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// mapParam extracts an optional map parameter.
func mapParam(params map[string]interface{}, name string) (map[string]interface{}, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &pberrors.ValidationError{
			Field:   name,
			Message: fmt.Sprintf("parameter %q must be a map", name),
		}
	}
	return m, nil
}

// credentialParam extracts a required credential parameter, as
// produced by a pure credential.* template reference.
func credentialParam(params map[string]interface{}, name string) (*playbook.Credential, error) {
	v, ok := params[name]
	if !ok {
		return nil, &pberrors.ValidationError{
			Field:      name,
			Message:    fmt.Sprintf("parameter %q is required", name),
			Suggestion: "pass a credential reference, e.g. \"{{ credential.plc_main }}\"",
		}
	}
	cred, ok := v.(*playbook.Credential)
	if !ok {
		return nil, &pberrors.ValidationError{
			Field:      name,
			Message:    fmt.Sprintf("parameter %q must be a credential reference", name),
			Suggestion: "use \"{{ credential.<name> }}\" without surrounding text",
		}
	}
	return cred, nil
}

// handlerErr wraps an underlying failure as a HandlerError for a step
// type.
func handlerErr(stepType, msg string, cause error) error {
	return &pberrors.HandlerError{StepType: stepType, Message: msg, Cause: cause}
}
