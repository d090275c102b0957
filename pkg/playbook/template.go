package playbook

import (
	"fmt"
	"strings"

	"github.com/playbookd/playbookd/pkg/errors"
)

// ResolveContext holds the data available for template reference
// resolution: run parameters, the credential records the run may use,
// variables set during the run, and the outputs of completed steps.
type ResolveContext struct {
	// Parameters are the resolved user inputs, {{ parameter.name }}
	Parameters map[string]interface{}

	// Credentials are accessible as {{ credential.name }} or
	// {{ credential.name.username }}
	Credentials map[string]*Credential

	// Variables are set during the run, {{ variable.name }}
	Variables map[string]interface{}

	// StepOutputs maps completed step IDs to their output maps,
	// {{ step.step_id.output_key }}
	StepOutputs map[string]map[string]interface{}
}

// NewResolveContext creates a context with empty maps.
func NewResolveContext() *ResolveContext {
	return &ResolveContext{
		Parameters:  make(map[string]interface{}),
		Credentials: make(map[string]*Credential),
		Variables:   make(map[string]interface{}),
		StepOutputs: make(map[string]map[string]interface{}),
	}
}

// Resolve expands {{ ... }} references in a value. Resolution is
// structural: strings are scanned for placeholders, sequences and
// mappings are resolved recursively, all other scalars pass through.
//
// A placeholder occupying an entire string preserves the substituted
// value's native type; a placeholder embedded in a larger string is
// stringified and spliced. The escape {{{{ }}}} yields literal {{ }}.
// Undefined references fail with a ReferenceError.
func Resolve(value interface{}, ctx *ResolveContext) (interface{}, error) {
	if ctx == nil {
		ctx = NewResolveContext()
	}

	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for k, val := range v {
			rv, err := Resolve(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			resolved[k] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			rv, err := Resolve(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// ResolveParameters resolves every value of a step's parameter map.
func ResolveParameters(params map[string]interface{}, ctx *ResolveContext) (map[string]interface{}, error) {
	resolved, err := Resolve(params, ctx)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return map[string]interface{}{}, nil
	}
	return resolved.(map[string]interface{}), nil
}

// resolveString scans a string for placeholders and expands them.
func resolveString(s string, ctx *ResolveContext) (interface{}, error) {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "}}") {
		return s, nil
	}

	// Whole-string placeholder preserves the native type.
	if ref, ok := pureReference(s); ok {
		return lookupReference(ref, ctx)
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "{{{{") {
			b.WriteString("{{")
			i += 4
			continue
		}
		if strings.HasPrefix(s[i:], "}}}}") {
			b.WriteString("}}")
			i += 4
			continue
		}
		if strings.HasPrefix(s[i:], "{{") {
			end := strings.Index(s[i+2:], "}}")
			if end < 0 {
				// Unterminated placeholder passes through literally.
				b.WriteString(s[i:])
				break
			}
			ref := strings.TrimSpace(s[i+2 : i+2+end])
			val, err := lookupReference(ref, ctx)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(val))
			i += 2 + end + 2
			continue
		}
		b.WriteByte(s[i])
		i++
	}

	return b.String(), nil
}

// pureReference reports whether the string is exactly one placeholder
// with no surrounding text and returns its inner reference.
func pureReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if len(t) < 5 || !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	// The escape form {{{{ ... }}}} is never a reference.
	if strings.HasPrefix(t, "{{{{") || strings.HasSuffix(t, "}}}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// lookupReference resolves one reference path against the context.
func lookupReference(ref string, ctx *ResolveContext) (interface{}, error) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return nil, &errors.ReferenceError{Reference: ref}
	}

	var root interface{}
	var rest []string

	switch parts[0] {
	case "parameter":
		v, ok := ctx.Parameters[parts[1]]
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		root, rest = v, parts[2:]
	case "variable":
		v, ok := ctx.Variables[parts[1]]
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		root, rest = v, parts[2:]
	case "credential":
		cred, ok := ctx.Credentials[parts[1]]
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		if len(parts) == 2 {
			return cred, nil
		}
		field, ok := cred.Field(parts[2])
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		root, rest = field, parts[3:]
	case "step":
		// A referenced step that has not completed is a resolution failure.
		out, ok := ctx.StepOutputs[parts[1]]
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		if len(parts) == 2 {
			return out, nil
		}
		v, ok := out[parts[2]]
		if !ok {
			return nil, &errors.ReferenceError{Reference: ref}
		}
		root, rest = v, parts[3:]
	default:
		return nil, &errors.ReferenceError{Reference: ref}
	}

	return descend(root, rest, ref)
}

// descend walks remaining path segments through nested maps.
func descend(v interface{}, parts []string, ref string) (interface{}, error) {
	for _, part := range parts {
		switch m := v.(type) {
		case map[string]interface{}:
			next, ok := m[part]
			if !ok {
				return nil, &errors.ReferenceError{Reference: ref}
			}
			v = next
		case map[string]string:
			next, ok := m[part]
			if !ok {
				return nil, &errors.ReferenceError{Reference: ref}
			}
			v = next
		default:
			return nil, &errors.ReferenceError{Reference: ref}
		}
	}
	return v, nil
}

// CredentialNames collects the names of all credential.* references
// inside a value, recursively. Callers use it to fetch the referenced
// credentials before resolution begins.
func CredentialNames(value interface{}) []string {
	seen := make(map[string]bool)
	collectCredentialNames(value, seen)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

func collectCredentialNames(value interface{}, seen map[string]bool) {
	switch v := value.(type) {
	case string:
		for i := 0; i < len(v); {
			if strings.HasPrefix(v[i:], "{{{{") {
				i += 4
				continue
			}
			if !strings.HasPrefix(v[i:], "{{") {
				i++
				continue
			}
			end := strings.Index(v[i+2:], "}}")
			if end < 0 {
				return
			}
			ref := strings.TrimSpace(v[i+2 : i+2+end])
			if parts := strings.Split(ref, "."); len(parts) >= 2 && parts[0] == "credential" {
				seen[parts[1]] = true
			}
			i += 2 + end + 2
		}
	case map[string]interface{}:
		for _, val := range v {
			collectCredentialNames(val, seen)
		}
	case []interface{}:
		for _, val := range v {
			collectCredentialNames(val, seen)
		}
	}
}

// stringify converts a substituted value for splicing into a larger
// string. Credentials stringify to their redacted form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
