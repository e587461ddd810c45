package assistant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergedConfig(t *testing.T) {
	t.Parallel()
	a := &Assistant{Config: map[string]any{"model": "base", "temperature": 0.2}}

	merged := a.MergedConfig(map[string]any{"temperature": 0.7, "depth": 3})
	require.Equal(t, "base", merged["model"])
	require.Equal(t, 0.7, merged["temperature"])
	require.Equal(t, 3, merged["depth"])

	// Inputs stay untouched.
	require.Equal(t, 0.2, a.Config["temperature"])
}

func TestMergedConfigEmpty(t *testing.T) {
	t.Parallel()
	a := &Assistant{}
	require.Nil(t, a.MergedConfig(nil))
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	a := &Assistant{ConfigSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"temperature": {"type": "number", "maximum": 1}},
		"additionalProperties": false
	}`)}

	require.NoError(t, a.ValidateConfig(map[string]any{"temperature": 0.5}))
	require.Error(t, a.ValidateConfig(map[string]any{"temperature": 2.0}))
	require.Error(t, a.ValidateConfig(map[string]any{"unknown": true}))
	require.NoError(t, a.ValidateConfig(nil))
}

func TestValidateConfigNoSchema(t *testing.T) {
	t.Parallel()
	a := &Assistant{}
	require.NoError(t, a.ValidateConfig(map[string]any{"anything": "goes"}))
}

func TestValidateInput(t *testing.T) {
	t.Parallel()
	a := &Assistant{InputSchema: json.RawMessage(`{
		"type": "object",
		"required": ["question"],
		"properties": {"question": {"type": "string"}}
	}`)}

	require.NoError(t, a.ValidateInput(json.RawMessage(`{"question":"why"}`)))
	require.Error(t, a.ValidateInput(json.RawMessage(`{"question":42}`)))
	require.Error(t, a.ValidateInput(json.RawMessage(`{}`)))
	require.NoError(t, a.ValidateInput(nil))
}

func TestValidateInputBadSchema(t *testing.T) {
	t.Parallel()
	a := &Assistant{InputSchema: json.RawMessage(`{"type": 12}`)}
	require.Error(t, a.ValidateInput(json.RawMessage(`{}`)))
}
