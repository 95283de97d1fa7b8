// Package content turns entities into embeddable text: building the textual
// representation from field metadata, converting file payloads to text, and
// splitting long texts into chunks.
package content

import (
	"fmt"
	"sort"
	"strings"

	"github.com/airweave/airweave/pkg/models"
)

// BuildTextual renders an entity's textual representation: the name, the
// lineage chain, then every embeddable field in stable order. File and code
// entities get their converted body appended by the caller.
func BuildTextual(e *models.Entity) string {
	var b strings.Builder

	if e.Name != "" {
		b.WriteString("# ")
		b.WriteString(e.Name)
		b.WriteString("\n")
	}
	if len(e.Breadcrumbs) > 0 {
		parts := make([]string, 0, len(e.Breadcrumbs))
		for _, bc := range e.Breadcrumbs {
			if bc.Name != "" {
				parts = append(parts, bc.Name)
			}
		}
		if len(parts) > 0 {
			b.WriteString(strings.Join(parts, " > "))
			b.WriteString("\n")
		}
	}

	embeddable := embeddableFields(e)
	for _, name := range embeddable {
		v, ok := e.Fields[name]
		if !ok || v == nil {
			continue
		}
		s := renderValue(v)
		if s == "" {
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// embeddableFields returns the names flagged embeddable, or every field when
// the entity carries no field metadata. Sorted for hash stability.
func embeddableFields(e *models.Entity) []string {
	var names []string
	if len(e.FieldDefs) > 0 {
		for _, fd := range e.FieldDefs {
			if fd.Embeddable {
				names = append(names, fd.Name)
			}
		}
	} else {
		for name := range e.Fields {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := renderValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := renderValue(t[k]); s != "" {
				parts = append(parts, k+"="+s)
			}
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
