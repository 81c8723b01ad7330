package models

import "time"

// TemplateVariable declares a variable a template references.
// Required variables without a value fail the render; optional ones fall
// back to Default.
type TemplateVariable struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Template is a reusable message template. Version increments on every
// content change so stale renders can be detected optimistically.
type Template struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"owner_id"`
	Name      string             `json:"name"`
	Subject   string             `json:"subject"`
	HTMLBody  string             `json:"html_body,omitempty"`
	TextBody  string             `json:"text_body,omitempty"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}
