package ai

import (
	"fmt"
	"strings"
)

// RefusalPrefix starts a reply in which the model declines to write a query.
const RefusalPrefix = "ERROR:"

// SQLSystemPrompt builds the system message for query generation against a
// database of the given dialect, with schema as the raw schema dump.
func SQLSystemPrompt(dialect, schema string) string {
	var b strings.Builder
	switch dialect {
	case "mongodb":
		b.WriteString("You translate questions about a MongoDB database into a single database command.\n")
		b.WriteString("Answer with exactly one command document in MongoDB Extended JSON inside a ```json fenced block, ")
		b.WriteString(`for example {"find": "orders", "filter": {"status": "paid"}, "limit": 50} or {"aggregate": "orders", "pipeline": [...], "cursor": {}}.` + "\n")
		b.WriteString("Prefer find, aggregate, count and distinct. Do not modify data unless the user explicitly asks for it.\n")
	default:
		fmt.Fprintf(&b, "You translate questions about a %s database into SQL for that dialect.\n", dialect)
		b.WriteString("Answer with exactly one SQL statement inside a ```sql fenced block, followed by at most two short sentences explaining it.\n")
		b.WriteString("Prefer read-only SELECT statements, name columns explicitly and limit large results to 200 rows. ")
		b.WriteString("Do not modify data unless the user explicitly asks for it.\n")
	}
	fmt.Fprintf(&b, "If the question cannot be answered from this schema, reply with a single line starting with %q and the reason.\n", RefusalPrefix)
	b.WriteString("\nSchema:\n")
	b.WriteString(strings.TrimSpace(schema))
	b.WriteString("\n")
	return b.String()
}
