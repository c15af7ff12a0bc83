package overrides

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	current := map[string]any{"replicas": float64(3), "env": "prod", "secret": "«redacted»"}
	allowed := []string{"replicas", "env"}

	d, err := Compute(current, map[string]any{"replicas": "5", "env": "prod"}, allowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"replicas"}, d.Keys())
	assert.Equal(t, Change{Before: float64(3), After: float64(5)}, d["replicas"])

	_, err = Compute(current, map[string]any{"replicas": 3}, allowed)
	assert.ErrorIs(t, err, ErrNoChanges)

	_, err = Compute(current, map[string]any{"secret": "x"}, allowed)
	assert.ErrorIs(t, err, ErrKeyNotAllowed)
	assert.Equal(t, "key_not_allowed", Reason(err))
}

func TestValidator_Limits(t *testing.T) {
	v := NewValidator("", Limits{MaxKeys: 2, MaxChars: 20})

	three := Diff{"a": {After: 1}, "b": {After: 2}, "c": {After: 3}}
	err := v.Validate("deploy", three)
	assert.ErrorIs(t, err, ErrTooManyKeys)
	assert.Equal(t, "limit_exceeded", Reason(err))

	big := Diff{"note": {After: strings.Repeat("x", 30)}}
	err = v.Validate("deploy", big)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, "diff_size_exceeded", Reason(err))

	assert.NoError(t, v.Validate("deploy", Diff{"a": {After: 1}}))
}

func TestValidator_Schema(t *testing.T) {
	dir := t.TempDir()
	schema := `{
		"type": "object",
		"required": ["replicas", "env"],
		"properties": {
			"replicas": {"type": "integer", "minimum": 1, "maximum": 10},
			"env": {"type": "string", "enum": ["staging", "prod"]}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.json"), []byte(schema), 0o600))
	v := NewValidator(dir, Limits{})

	// Partial submissions pass even though the schema marks both keys required.
	assert.NoError(t, v.Validate("deploy", Diff{"replicas": {After: float64(4)}}))

	err := v.Validate("deploy", Diff{"replicas": {After: float64(40)}})
	assert.ErrorIs(t, err, ErrSchema)
	assert.Equal(t, "schema_validation", Reason(err))

	assert.ErrorIs(t, v.Validate("deploy", Diff{"env": {After: "dev"}}), ErrSchema)

	raw, ok := v.Schema("deploy")
	require.True(t, ok)
	assert.Contains(t, string(raw), "replicas")

	_, ok = v.Schema("unknown")
	assert.False(t, ok)
	assert.NoError(t, v.Validate("unknown", Diff{"x": {After: "y"}}))
	assert.NoError(t, v.Validate("../etc", Diff{"x": {After: "y"}}))
}

func TestValidator_BadSchema(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.json"), []byte(`{not json`), 0o600))
	v := NewValidator(dir, Limits{})
	assert.Error(t, v.Validate("deploy", Diff{"a": {After: 1}}))
}
