package bids

import (
	"path/filepath"
	"strings"
)

// Expand substitutes {subject} and {session} placeholders in a path
// template with the bare identifier values
func Expand(template, subject, session string) string {
	r := strings.NewReplacer("{subject}", subject, "{session}", session)
	return r.Replace(template)
}

// OutputTemplate holds the two layouts a tool may use for one logical
// output file. Session is the per-session layout, Subject the aggregated
// subject-level one. A template without a Session variant is always
// subject-level.
type OutputTemplate struct {
	Session string
	Subject string
}

// Render expands the template for the given identifiers, selecting the
// session variant when sessionLevel is true and the template declares one
func (t OutputTemplate) Render(subject, session string, sessionLevel bool) string {
	if sessionLevel && t.Session != "" {
		return Expand(t.Session, subject, session)
	}
	return Expand(t.Subject, subject, session)
}

// SessionLevel reports whether derivative outputs for a subject keep the
// session entity in their names. Anatomical tools aggregate across
// sessions, so only a single-session subject stays at session level.
func SessionLevel(sessions []string) bool {
	return len(sessions) == 1
}

// RenderTable expands every template in table under root, keyed by the
// logical output name
func RenderTable(table map[string]OutputTemplate, root, subject, session string, sessionLevel bool) map[string]string {
	out := make(map[string]string, len(table))
	for name, tmpl := range table {
		out[name] = filepath.Join(root, tmpl.Render(subject, session, sessionLevel))
	}
	return out
}
