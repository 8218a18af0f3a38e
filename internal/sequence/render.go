package sequence

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/followup-core/internal/model"
)

// Renderer turns a step's template key into outbound message text. Template
// authoring lives outside the core; this contract is all the engine needs.
type Renderer interface {
	Render(ctx context.Context, templateKey string, lead *model.Lead, vars map[string]any) (string, error)
}

// MapRenderer renders from an in-memory template table with {placeholder}
// substitution. Used as the default and in tests.
type MapRenderer struct {
	Templates map[string]string
}

// NewMapRenderer creates a renderer over a fixed template table.
func NewMapRenderer(templates map[string]string) *MapRenderer {
	return &MapRenderer{Templates: templates}
}

func (r *MapRenderer) Render(_ context.Context, templateKey string, lead *model.Lead, vars map[string]any) (string, error) {
	tmpl, ok := r.Templates[templateKey]
	if !ok {
		return "", fmt.Errorf("unknown template %q", templateKey)
	}

	replacements := map[string]string{
		"name": lead.Name,
	}
	for k, v := range vars {
		replacements[k] = fmt.Sprint(v)
	}

	out := tmpl
	for k, v := range replacements {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, nil
}
