// Package prompt renders the phase prompts sent to the agent.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"
)

// Template names, one per phase.
const (
	Planning   = "planning"
	Execution  = "execution"
	Validation = "validation"
	Recovery   = "recovery"
)

// Subdir is the directory under the state root holding template overrides.
const Subdir = "prompts"

//go:embed templates/*.md
var builtin embed.FS

// Vars are the values substituted into a template.
type Vars map[string]any

// Renderer resolves templates from an override directory first, then the
// built-in set. Parsed templates are cached.
type Renderer struct {
	overrideDir string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewRenderer creates a renderer. An empty overrideDir uses only the
// built-in templates.
func NewRenderer(overrideDir string) *Renderer {
	return &Renderer{
		overrideDir: overrideDir,
		cache:       make(map[string]*template.Template),
	}
}

// Render executes the named template. Variables the template references but
// vars lacks are an error.
func (r *Renderer) Render(name string, vars Vars) (string, error) {
	tmpl, err := r.load(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(vars)); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *Renderer) load(name string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tmpl, ok := r.cache[name]; ok {
		return tmpl, nil
	}

	text, err := r.source(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	r.cache[name] = tmpl
	return tmpl, nil
}

func (r *Renderer) source(name string) (string, error) {
	if r.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(r.overrideDir, name+".md"))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read prompt override %s: %w", name, err)
		}
	}
	data, err := builtin.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	return string(data), nil
}
