package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFiles embed.FS

var templates = template.Must(template.ParseFS(templateFiles, "templates/*.html"))

// Render produces the HTML body for msg.
func Render(msg Message) (string, error) {
	tmpl := templates.Lookup(msg.Template + ".html")
	if tmpl == nil {
		return "", fmt.Errorf("%w: unknown template %q", ErrPermanent, msg.Template)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg.Data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", msg.Template, err)
	}
	return buf.String(), nil
}
