package ui

import (
	"github.com/charmbracelet/glamour"
)

// Renderer wraps glamour for the inspection commands. A nil or failed
// renderer degrades to plain text, never to an error.
type Renderer struct {
	tr *glamour.TermRenderer
}

// NewRenderer builds a terminal markdown renderer wrapped at width.
func NewRenderer(width int) *Renderer {
	if width < 40 {
		width = 80
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &Renderer{}
	}
	return &Renderer{tr: tr}
}

// Render renders markdown for the terminal with panic recovery; any
// trouble returns the input unchanged.
func (r *Renderer) Render(content string) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			result = content
		}
	}()
	if r == nil || r.tr == nil || content == "" {
		return content
	}
	rendered, err := r.tr.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
