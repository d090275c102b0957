package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbookd/playbookd/pkg/errors"
)

func resolveCtx() *ResolveContext {
	ctx := NewResolveContext()
	ctx.Parameters["line"] = "L3"
	ctx.Parameters["count"] = 7
	ctx.Variables["mode"] = "wet"
	ctx.StepOutputs["read"] = map[string]interface{}{
		"value": 42.5,
		"nested": map[string]interface{}{
			"unit": "bar",
		},
	}
	ctx.Credentials["scada"] = &Credential{
		Name:       "scada",
		Username:   "operator",
		Password:   "s3cret",
		GatewayURL: "https://gw.local",
		Extra:      map[string]string{"realm": "plant-a"},
	}
	return ctx
}

func TestResolvePureReferenceKeepsNativeType(t *testing.T) {
	v, err := Resolve("{{ step.read.value }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)

	v, err = Resolve("{{ parameter.count }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestResolveEmbeddedReferenceStringifies(t *testing.T) {
	v, err := Resolve("line {{ parameter.line }} reads {{ step.read.value }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "line L3 reads 42.5", v)
}

func TestResolveNestedStructures(t *testing.T) {
	in := map[string]interface{}{
		"tag":  "{{ parameter.line }}/speed",
		"meta": []interface{}{"{{ variable.mode }}", 3},
	}
	v, err := Resolve(in, resolveCtx())
	require.NoError(t, err)
	out := v.(map[string]interface{})
	assert.Equal(t, "L3/speed", out["tag"])
	assert.Equal(t, []interface{}{"wet", 3}, out["meta"])
}

func TestResolveDeepStepPath(t *testing.T) {
	v, err := Resolve("{{ step.read.nested.unit }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "bar", v)
}

func TestResolveCredentialWholeRecord(t *testing.T) {
	v, err := Resolve("{{ credential.scada }}", resolveCtx())
	require.NoError(t, err)
	cred, ok := v.(*Credential)
	require.True(t, ok)
	assert.Equal(t, "operator", cred.Username)
}

func TestResolveCredentialSubfields(t *testing.T) {
	v, err := Resolve("{{ credential.scada.password }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = Resolve("{{ credential.scada.realm }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "plant-a", v)
}

func TestCredentialRedactsWhenEmbedded(t *testing.T) {
	v, err := Resolve("token={{ credential.scada }}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "token=***", v)
}

func TestResolveEscapeSequence(t *testing.T) {
	v, err := Resolve("literal {{{{ parameter.line }}}}", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "literal {{ parameter.line }}", v)
}

func TestResolveUndefinedReferenceFails(t *testing.T) {
	for _, ref := range []string{
		"{{ parameter.missing }}",
		"{{ variable.missing }}",
		"{{ step.missing.value }}",
		"{{ step.read.missing }}",
		"{{ credential.missing }}",
		"{{ credential.scada.missing }}",
		"{{ bogus.root }}",
	} {
		_, err := Resolve(ref, resolveCtx())
		var rerr *errors.ReferenceError
		require.ErrorAs(t, err, &rerr, "ref %s", ref)
	}
}

func TestResolveUnterminatedPlaceholderPassesThrough(t *testing.T) {
	v, err := Resolve("broken {{ parameter.line", resolveCtx())
	require.NoError(t, err)
	assert.Equal(t, "broken {{ parameter.line", v)
}

func TestResolveParametersWrapsFieldErrors(t *testing.T) {
	_, err := ResolveParameters(map[string]interface{}{
		"tag": "{{ parameter.missing }}",
	}, resolveCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"tag"`)
}

func TestCredentialNames(t *testing.T) {
	params := map[string]interface{}{
		"credential": "{{ credential.scada }}",
		"nested": map[string]interface{}{
			"auth": "user={{ credential.backup.username }}",
		},
		"list":    []interface{}{"{{ credential.scada.password }}"},
		"escaped": "{{{{ credential.fake }}}}",
		"plain":   "{{ parameter.line }}",
	}
	names := CredentialNames(params)
	assert.ElementsMatch(t, []string{"scada", "backup"}, names)
}

func TestCredentialNamesEmpty(t *testing.T) {
	assert.Empty(t, CredentialNames(map[string]interface{}{"a": "no refs"}))
}
