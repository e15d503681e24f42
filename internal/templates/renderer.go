package templates

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles text templates with sprig helpers. Helpers that read the
// process environment or filesystem are removed.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restricted = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer binds a renderer to an optional override sandbox.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restricted {
		delete(funcs, name)
	}
	funcs["xml"] = escapeXML
	funcs["httpdate"] = func(t time.Time) string { return t.UTC().Format(httpTimeFormat) }
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Sandbox returns the override sandbox, which may be nil.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources yield a nil template.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads name from the sandbox.
func (r *Renderer) CompileFile(name string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, err := r.sandbox.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(path.Base(name), string(contents))
}

// CompileFS reads name from fsys, typically an embedded default.
func (r *Renderer) CompileFS(fsys fs.FS, name string) (*Template, error) {
	contents, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", name, err)
	}
	return r.CompileInline(path.Base(name), string(contents))
}

// Resolve prefers an override named name in the sandbox and falls back to
// the copy in defaults.
func (r *Renderer) Resolve(defaults fs.FS, name string) (*Template, error) {
	if r.sandbox.Exists(path.Base(name)) {
		return r.CompileFile(path.Base(name))
	}
	return r.CompileFS(defaults, name)
}

// Render executes the template.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the template's logical name.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

func escapeXML(v any) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(fmt.Sprint(v)))
	return buf.String()
}
