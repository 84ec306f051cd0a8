package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplate substitutes session state into an instruction string using
// text/template. Plain strings without template markers pass through
// untouched.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("instruction").Funcs(template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join": func(sep string, items []any) string {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(parts, sep)
		},
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse instruction template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, state); err != nil {
		return "", fmt.Errorf("render instruction template: %w", err)
	}
	return buf.String(), nil
}
