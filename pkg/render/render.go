package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names shipped with the package.
const (
	PromptTemplate  = "prompt.tmpl"
	ReadmeTemplate  = "readme.md.tmpl"
	LicenseTemplate = "license.tmpl"
)

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"trim": strings.TrimSpace,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}

	return buf.String(), nil
}

// Prompt renders the synthesis instructions for a brief.
func (e *Engine) Prompt(brief string) (string, error) {
	return e.Render(PromptTemplate, map[string]string{"Brief": brief})
}

// Readme renders the README for a task. The output depends only on task and brief.
func (e *Engine) Readme(task, brief string) (string, error) {
	return e.Render(ReadmeTemplate, map[string]string{"Task": task, "Brief": brief})
}

// License renders the fixed license text shared by every task.
func (e *Engine) License() (string, error) {
	return e.Render(LicenseTemplate, nil)
}
