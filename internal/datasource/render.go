package datasource

import (
	"fmt"
	"strings"
)

// RawTable is the column-list form the raw schema dump is rendered from.
type RawTable struct {
	Schema  string
	Name    string
	Columns []string
	Notes   []string
}

// RenderRaw renders tables as DDL-like text suitable as model context.
func RenderRaw(header string, tables []RawTable) string {
	var b strings.Builder
	if header != "" {
		fmt.Fprintf(&b, "-- %s\n", header)
	}
	if len(tables) == 0 {
		b.WriteString("-- (no tables)\n")
		return b.String()
	}
	for i, t := range tables {
		if i > 0 {
			b.WriteString("\n")
		}
		name := t.Name
		if t.Schema != "" {
			name = t.Schema + "." + t.Name
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", name)
		for j, c := range t.Columns {
			b.WriteString("  ")
			b.WriteString(c)
			if j < len(t.Columns)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(");\n")
		for _, n := range t.Notes {
			fmt.Fprintf(&b, "-- %s\n", n)
		}
	}
	return b.String()
}
