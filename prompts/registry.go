// Package prompts loads and renders the prompt templates used across the
// workflow. Templates live in YAML files embedded at build time, one file per
// prompt, so they can be tuned without touching node code.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Registry holds named prompt templates with {param} placeholders.
type Registry struct {
	templates map[string]string
}

// NewRegistry loads the embedded template set. A malformed template file is a
// programming error and fails loudly.
func NewRegistry() (*Registry, error) {
	return loadFS(templateFS, "templates")
}

func loadFS(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading prompt templates: %w", err)
	}

	r := &Registry{templates: make(map[string]string, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading prompt template %s: %w", entry.Name(), err)
		}
		var doc struct {
			Template string `yaml:"template"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parsing prompt template %s: %w", entry.Name(), err)
		}
		if strings.TrimSpace(doc.Template) == "" {
			return nil, fmt.Errorf("prompt template %s has no template key", entry.Name())
		}
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		r.templates[name] = doc.Template
	}
	return r, nil
}

// Render substitutes {param} placeholders in the named template. Unknown
// template names are an error; placeholders without a matching param are left
// in place, which makes a missing argument visible in the prompt itself.
func (r *Registry) Render(name string, params map[string]string) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	out := tmpl
	for key, value := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out, nil
}

// Names returns the loaded template names, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}
