package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Esekyi/mailSage/internal/models"
)

// varPattern matches {{variable_name}} placeholders
var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// MissingVariableError is returned when a referenced variable has no value
// and no declared default
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable: %s", e.Name)
}

// SyntaxError is returned when a template pattern cannot be parsed
type SyntaxError struct {
	Part   string // subject, html or text
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error in %s: %s", e.Part, e.Reason)
}

// Source is the content to render: either a stored template or inline
// subject/body supplied with the request
type Source struct {
	Subject   string
	HTML      string
	Text      string
	Variables []models.TemplateVariable

	// Set when the source is a stored template
	TemplateID string
	Version    int
}

// FromTemplate builds a render source from a stored template
func FromTemplate(t *models.Template) Source {
	return Source{
		Subject:    t.Subject,
		HTML:       t.HTMLBody,
		Text:       t.TextBody,
		Variables:  t.Variables,
		TemplateID: t.ID,
		Version:    t.Version,
	}
}

// FromInline builds a render source from inline request content
func FromInline(subject, html, text string) Source {
	return Source{Subject: subject, HTML: html, Text: text}
}

// Rendered is the output of a render. TemplateID and Version identify the
// template revision the content was produced from.
type Rendered struct {
	Subject    string
	HTML       string
	Text       string
	TemplateID string
	Version    int
}

// Renderer substitutes {{variable}} placeholders. Rendering is pure and
// deterministic: the same source and variables always produce byte-identical
// output. Variables present in the mapping but unused by the template are
// ignored.
type Renderer struct{}

// NewRenderer creates a new renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render renders subject, HTML and text parts against the variable mapping
func (r *Renderer) Render(src Source, vars map[string]string) (*Rendered, error) {
	defaults := make(map[string]string)
	for _, v := range src.Variables {
		if !v.Required {
			defaults[v.Name] = v.Default
		}
	}

	out := &Rendered{TemplateID: src.TemplateID, Version: src.Version}

	subject, err := r.renderPart("subject", src.Subject, vars, defaults)
	if err != nil {
		return nil, err
	}
	out.Subject = subject

	if src.HTML != "" {
		html, err := r.renderPart("html", src.HTML, vars, defaults)
		if err != nil {
			return nil, err
		}
		out.HTML = html
	}

	if src.Text != "" {
		text, err := r.renderPart("text", src.Text, vars, defaults)
		if err != nil {
			return nil, err
		}
		out.Text = text
	}

	return out, nil
}

// Validate checks that all parts of the source parse
func (r *Renderer) Validate(src Source) error {
	if err := checkSyntax("subject", src.Subject); err != nil {
		return err
	}
	if err := checkSyntax("html", src.HTML); err != nil {
		return err
	}
	return checkSyntax("text", src.Text)
}

// ReferencedVariables returns the distinct variable names a source references,
// in order of first appearance
func ReferencedVariables(src Source) []string {
	seen := make(map[string]bool)
	var names []string
	for _, part := range []string{src.Subject, src.HTML, src.Text} {
		for _, m := range varPattern.FindAllStringSubmatch(part, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

func (r *Renderer) renderPart(part, pattern string, vars, defaults map[string]string) (string, error) {
	if err := checkSyntax(part, pattern); err != nil {
		return "", err
	}

	var missing *MissingVariableError
	result := varPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		if def, ok := defaults[name]; ok {
			return def
		}
		if missing == nil {
			missing = &MissingVariableError{Name: name}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return result, nil
}

// checkSyntax verifies that every {{ opens a well-formed placeholder and
// that no stray }} remains
func checkSyntax(part, pattern string) error {
	rest := pattern
	for {
		open := strings.Index(rest, "{{")
		closing := strings.Index(rest, "}}")
		if open == -1 {
			if closing != -1 {
				return &SyntaxError{Part: part, Reason: "unexpected }}"}
			}
			return nil
		}
		if closing == -1 || closing < open {
			return &SyntaxError{Part: part, Reason: "unclosed {{"}
		}
		placeholder := rest[open : closing+2]
		if varPattern.FindString(placeholder) != placeholder {
			return &SyntaxError{Part: part, Reason: fmt.Sprintf("invalid placeholder %q", placeholder)}
		}
		rest = rest[closing+2:]
	}
}
