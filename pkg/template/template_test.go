package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always come back as float64
	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ObjectConstruction(t *testing.T) {
	data := map[string]any{
		"record": map[string]any{"email": "alice@example.com"},
		"vars":   map[string]any{"proxies": []any{"p1", "p2"}},
	}

	result, err := Render(`{
		"login": "{{ .record.email }}",
		"proxies": {{ len .vars.proxies }}
	}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)

	require.True(t, ok)
	assert.Equal(t, "alice@example.com", resultMap["login"])
	assert.Equal(t, 2.0, resultMap["proxies"])
}

func TestRender_MissingValue(t *testing.T) {
	result, err := Render("{{ .record.phone }}", map[string]any{"record": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "", result)

	result, err = Render(`{{ default "unknown" .record.phone }}`, map[string]any{"record": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "unknown", result)
}

func TestRender_Errors(t *testing.T) {
	_, err := Render("{{ .name ", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")

	_, err = Render(`{"broken": {{ .value }}}`, map[string]any{"value": "not json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")
}

func TestRenderConfig(t *testing.T) {
	config := map[string]any{
		"text":    "Hello {{ .record.name }}",
		"plain":   "123",
		"retries": 3,
		"nested": map[string]any{
			"field": "{{ .record.email }}",
			"list":  []any{"{{ .iteration }}", "static"},
		},
	}

	data := map[string]any{
		"record":    map[string]any{"name": "Ana", "email": "ana@example.com"},
		"iteration": 2,
	}

	rendered, err := RenderConfig(config, data)
	require.NoError(t, err)

	assert.Equal(t, "Hello Ana", rendered["text"])
	assert.Equal(t, "123", rendered["plain"])
	assert.Equal(t, 3, rendered["retries"])

	nested, ok := rendered["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", nested["field"])
	assert.Equal(t, []any{2.0, "static"}, nested["list"])

	// the source config is left untouched
	assert.Equal(t, "Hello {{ .record.name }}", config["text"])

	empty, err := RenderConfig(nil, data)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = RenderConfig(map[string]any{"bad": "{{ .x "}, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `config "bad"`)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(map[string]any{
		"text":   "{{ .record.name }}",
		"nested": []any{map[string]any{"x": "{{ now }}"}},
	}))

	err := Validate(map[string]any{"nested": map[string]any{"x": "{{ if }}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `config "nested"`)
}
