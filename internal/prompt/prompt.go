package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
)

// Data fills a project template's slots. Values are inserted verbatim; template
// actions inside them are never evaluated.
type Data struct {
	DisplayName   string
	Context       string
	Query         string
	MediaKeywords []string
}

// Template is a parsed project prompt.
type Template struct {
	name string
	tpl  *template.Template
}

func Parse(name, text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("template %s is empty", name)
	}
	tpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return &Template{name: name, tpl: tpl}, nil
}

// MustParse is Parse for compiled-in templates.
func MustParse(name, text string) *Template {
	t, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Name() string { return t.name }

// Render produces the full instruction text for one generation call.
func Render(t *Template, data Data) (string, error) {
	if t == nil {
		return "", fmt.Errorf("nil template")
	}
	if data.MediaKeywords == nil {
		data.MediaKeywords = []string{}
	}
	var b strings.Builder
	if err := t.tpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", t.name, err)
	}
	return b.String(), nil
}
