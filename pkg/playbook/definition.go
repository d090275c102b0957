// Package playbook provides the declarative playbook model: YAML
// parsing, defaulting, and validation for parameterized sequences of
// automation steps executed against live targets.
//
// A playbook file declares a name, typed parameters, and an ordered
// list of steps. Each step carries a dotted type tag (gateway.login,
// browser.navigate, utility.set_variable, playbook.run, ...) plus
// per-step timeout/retry/on-failure policy. The metadata map holds
// small flags such as "verified", which gates nested execution.
package playbook

import (
	"fmt"
	"strings"

	"github.com/playbookd/playbookd/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParameterType enumerates the declared types a playbook parameter may have.
type ParameterType string

const (
	ParameterString     ParameterType = "string"
	ParameterInteger    ParameterType = "integer"
	ParameterFloat      ParameterType = "float"
	ParameterBoolean    ParameterType = "boolean"
	ParameterFile       ParameterType = "file"
	ParameterCredential ParameterType = "credential"
	ParameterList       ParameterType = "list"
	ParameterDict       ParameterType = "dict"
)

var validParameterTypes = map[ParameterType]bool{
	ParameterString:     true,
	ParameterInteger:    true,
	ParameterFloat:      true,
	ParameterBoolean:    true,
	ParameterFile:       true,
	ParameterCredential: true,
	ParameterList:       true,
	ParameterDict:       true,
}

// OnFailure controls what the engine does when a step exhausts its retries.
type OnFailure string

const (
	// OnFailureAbort terminates the run with status failed.
	OnFailureAbort OnFailure = "abort"
	// OnFailureContinue records the failure and proceeds to the next step.
	OnFailureContinue OnFailure = "continue"
	// OnFailureSkip records the step as skipped and proceeds.
	OnFailureSkip OnFailure = "skip"
)

// Playbook is a parsed playbook definition. It is immutable during a run.
type Playbook struct {
	// Name is the playbook identifier
	Name string `yaml:"name" json:"name"`

	// Version tracks the playbook revision (optional, defaults to "1.0")
	Version string `yaml:"version" json:"version"`

	// Description provides human-readable context
	Description string `yaml:"description" json:"description"`

	// Parameters declare the expected user inputs
	Parameters []ParameterSpec `yaml:"parameters" json:"parameters"`

	// Steps are the executable units, ordered
	Steps []StepSpec `yaml:"steps" json:"steps"`

	// Metadata holds small key/value flags (e.g. verified: true)
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ParameterSpec describes one declared playbook parameter.
// Parameters marked required and lacking a default must be supplied at start.
type ParameterSpec struct {
	// Name is the parameter identifier
	Name string `yaml:"name" json:"name"`

	// Type is the declared data type
	Type ParameterType `yaml:"type" json:"type"`

	// Required marks the parameter as mandatory
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default provides a fallback value when the user omits the parameter
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`

	// Description explains what this parameter is for
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepSpec represents a single step in a playbook.
//
// Template variables in Parameters support run parameters, credentials,
// variables and prior step outputs for data flow between steps; see the
// template resolver for the reference grammar.
type StepSpec struct {
	// ID is the unique step identifier within this playbook
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable display name (optional, defaults to ID)
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type is the dotted handler tag (e.g. "gateway.login", "browser.navigate")
	Type string `yaml:"type" json:"type"`

	// Parameters is the free-form input map passed to the handler after
	// template resolution
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// When is an optional condition expression; when it evaluates false
	// the step is recorded as skipped without invoking the handler
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// TimeoutSeconds bounds one handler invocation. Zero selects the
	// step-kind default.
	TimeoutSeconds int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RetryCount is the number of additional attempts after a failure
	RetryCount int `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`

	// RetryDelaySeconds is the cancellable wait between attempts
	RetryDelaySeconds int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// OnFailure selects the policy applied when retries are exhausted
	OnFailure OnFailure `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Kind returns the step type's family prefix ("gateway", "browser", ...).
func (s *StepSpec) Kind() string {
	if i := strings.IndexByte(s.Type, '.'); i > 0 {
		return s.Type[:i]
	}
	return s.Type
}

// defaultTimeouts maps step families to their default timeout in
// seconds. Families absent from the map fall back to 30.
var defaultTimeouts = map[string]int{
	"gateway":  30,
	"utility":  30,
	"designer": 60,
	"browser":  60,
	"ai":       120,
	"desktop":  120,
	"playbook": 300,
}

const fallbackTimeoutSeconds = 30

// DefaultTimeoutSeconds returns the step-kind default timeout.
func (s *StepSpec) DefaultTimeoutSeconds() int {
	if t, ok := defaultTimeouts[s.Kind()]; ok {
		return t
	}
	return fallbackTimeoutSeconds
}

// EffectiveTimeoutSeconds returns the configured timeout, or the
// step-kind default when unset.
func (s *StepSpec) EffectiveTimeoutSeconds() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return s.DefaultTimeoutSeconds()
}

// Parse parses a playbook definition from YAML, applies defaults and
// validates it. The input must be UTF-8 text.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, &errors.ValidationError{
			Field:      "playbook",
			Message:    fmt.Sprintf("invalid YAML: %v", err),
			Suggestion: "check the playbook file syntax",
		}
	}

	pb.ApplyDefaults()

	if err := pb.Validate(); err != nil {
		return nil, err
	}

	return &pb, nil
}

// ApplyDefaults fills zero-valued optional fields.
func (p *Playbook) ApplyDefaults() {
	if p.Version == "" {
		p.Version = "1.0"
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Name == "" {
			step.Name = step.ID
		}
		if step.OnFailure == "" {
			step.OnFailure = OnFailureAbort
		}
		if step.RetryDelaySeconds == 0 {
			step.RetryDelaySeconds = 1
		}
	}
}

// Validate checks structural invariants: a name, at least the fields
// each step needs, unique step IDs, and known parameter types.
func (p *Playbook) Validate() error {
	if p.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "playbook name is required",
			Suggestion: "add a top-level 'name' field",
		}
	}

	seen := make(map[string]bool, len(p.Parameters))
	for i := range p.Parameters {
		param := &p.Parameters[i]
		if err := param.Validate(); err != nil {
			return err
		}
		if seen[param.Name] {
			return &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("duplicate parameter name %q", param.Name),
			}
		}
		seen[param.Name] = true
	}

	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := step.Validate(); err != nil {
			return err
		}
		if ids[step.ID] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		ids[step.ID] = true
	}

	return nil
}

// Validate checks one parameter spec.
func (p *ParameterSpec) Validate() error {
	if p.Name == "" {
		return &errors.ValidationError{
			Field:   "parameters",
			Message: "parameter name is required",
		}
	}
	if p.Type == "" {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("parameters.%s", p.Name),
			Message:    "parameter type is required",
			Suggestion: "use one of: string, integer, float, boolean, file, credential, list, dict",
		}
	}
	if !validParameterTypes[p.Type] {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("parameters.%s", p.Name),
			Message:    fmt.Sprintf("unknown parameter type %q", p.Type),
			Suggestion: "use one of: string, integer, float, boolean, file, credential, list, dict",
		}
	}
	return nil
}

// Validate checks one step spec.
func (s *StepSpec) Validate() error {
	if s.ID == "" {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "step id is required",
		}
	}
	if s.Type == "" {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps.%s", s.ID),
			Message: "step type is required",
		}
	}
	if s.RetryCount < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps.%s", s.ID),
			Message: "retry_count must not be negative",
		}
	}
	if s.TimeoutSeconds < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps.%s", s.ID),
			Message: "timeout must not be negative",
		}
	}
	switch s.OnFailure {
	case "", OnFailureAbort, OnFailureContinue, OnFailureSkip:
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps.%s", s.ID),
			Message:    fmt.Sprintf("unknown on_failure policy %q", s.OnFailure),
			Suggestion: "use one of: abort, continue, skip",
		}
	}
	return nil
}

// Verified reports whether the playbook's metadata allows it to be
// invoked as a step of another playbook.
func (p *Playbook) Verified() bool {
	if p.Metadata == nil {
		return false
	}
	switch v := p.Metadata["verified"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// ResolveParameters merges user-supplied values over declared defaults
// and verifies every required parameter is present. The returned map is
// a fresh copy; unknown user keys pass through untouched so nested
// invocations can forward extra values.
func (p *Playbook) ResolveParameters(user map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(p.Parameters)+len(user))

	for i := range p.Parameters {
		param := &p.Parameters[i]
		if v, ok := user[param.Name]; ok {
			resolved[param.Name] = v
			continue
		}
		if param.Default != nil {
			resolved[param.Name] = param.Default
			continue
		}
		if param.Required {
			return nil, &errors.ValidationError{
				Field:      fmt.Sprintf("parameters.%s", param.Name),
				Message:    "required parameter missing",
				Suggestion: "supply the parameter when starting the execution",
			}
		}
	}

	for k, v := range user {
		if _, ok := resolved[k]; !ok {
			resolved[k] = v
		}
	}

	return resolved, nil
}
