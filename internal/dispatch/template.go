package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

var (
	// ErrTemplateNotFound is returned when no template is registered under
	// the requested id.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrRender wraps template parse and execution failures.
	ErrRender = errors.New("template render failed")
)

const templateExt = ".tmpl"

// TemplateRenderer renders message templates written in text/template
// syntax against the reminder field map ({{.title}}, {{.start}}, ...).
// Missing keys render as empty strings.
//
// Templates come from two places:
//   - inline bodies registered with Add (config "templates" map)
//   - files named <id>.tmpl under a directory, loaded lazily on first use
//
// Parsed templates are cached per renderer instance.
type TemplateRenderer struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewTemplateRenderer creates a renderer that falls back to dir for ids not
// registered inline. dir may be empty.
func NewTemplateRenderer(dir string) *TemplateRenderer {
	return &TemplateRenderer{
		dir:   dir,
		cache: make(map[string]*template.Template),
	}
}

// Add parses body and registers it under id, replacing any previous entry.
func (r *TemplateRenderer) Add(id, body string) error {
	t, err := parseTemplate(id, body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[id] = t
	r.mu.Unlock()
	return nil
}

// Has reports whether id resolves to a template, loading it from disk if
// needed. Used for startup validation.
func (r *TemplateRenderer) Has(id string) bool {
	_, err := r.lookup(id)
	return err == nil
}

// Render executes template id with fields.
func (r *TemplateRenderer) Render(id string, fields map[string]string) (string, error) {
	t, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := t.Execute(&b, fields); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRender, id, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *TemplateRenderer) lookup(id string) (*template.Template, error) {
	r.mu.RLock()
	t, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	if r.dir == "" || id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(r.dir, id+templateExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, id, err)
	}

	t, err = parseTemplate(id, string(data))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = t
	r.mu.Unlock()
	return t, nil
}

func parseTemplate(id, body string) (*template.Template, error) {
	t, err := template.New(id).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, id, err)
	}
	return t, nil
}
