// Package templates renders outbound message bodies from embedded
// text templates. Adding a message kind means adding a file under tmpl/
// and referencing it by base name.
package templates

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed tmpl/*.tmpl
var templatesFS embed.FS

var parsed = template.Must(template.ParseFS(templatesFS, "tmpl/*.tmpl"))

// Render executes the named template and collapses whitespace so the
// result reads as one SMS line.
func Render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := parsed.ExecuteTemplate(&sb, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.Join(strings.Fields(sb.String()), " "), nil
}

// Has reports whether a template exists for the message kind.
func Has(name string) bool {
	return parsed.Lookup(name+".tmpl") != nil
}
