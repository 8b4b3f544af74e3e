// Package template renders node configuration against the data a task runs with.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const noValue = "<no value>"

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)

		_, err := rand.Read(num)
		if err != nil {
			return 0
		}

		return int(num[0]) % max
	},
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
}

// NeedsTemplating reports whether input carries template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Render executes templateStr against data. JSON objects and arrays, numbers
// and booleans in the output are decoded into their Go values.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.New("config").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(strings.ReplaceAll(buf.String(), noValue, ""))

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderConfig returns a copy of config with every templated string rendered
// against data. Other values are copied as they are.
func RenderConfig(config map[string]any, data any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}

	out := make(map[string]any, len(config))

	for key, value := range config {
		rendered, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		return RenderConfig(v, data)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}

// Validate parses every templated string of config without executing it.
func Validate(config map[string]any) error {
	for key, value := range config {
		err := validateValue(value)
		if err != nil {
			return fmt.Errorf("config %q: %w", key, err)
		}
	}

	return nil
}

func validateValue(value any) error {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return nil
		}

		_, err := template.New("config").Funcs(funcs).Parse(v)
		if err != nil {
			return fmt.Errorf("failed to parse template '%s': %w", v, err)
		}
	case map[string]any:
		return Validate(v)
	case []any:
		for _, item := range v {
			err := validateValue(item)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
