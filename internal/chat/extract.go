package chat

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/suPer8Hu/querychat/internal/ai"
)

// Extraction is the query located in a generated reply, if any, and the
// prose that surrounds it.
type Extraction struct {
	Query string
	Prose string
}

func (e Extraction) Found() bool { return e.Query != "" }

const statementKeywords = "SELECT|WITH|INSERT|UPDATE|DELETE|MERGE|SHOW|DESCRIBE|EXPLAIN|VALUES|CREATE|ALTER|DROP|TRUNCATE|EXEC|CALL"

var (
	fenceRe = regexp.MustCompile("(?s)```[ \t]*([A-Za-z0-9_+-]*)[^\n]*\n(.*?)```")

	// Keywords match in all upper or all lower case only, so prose lines such
	// as "Show me ..." are not mistaken for statements.
	statementRe = regexp.MustCompile(`(?m)^[ \t]*(` + statementKeywords + `|` + strings.ToLower(statementKeywords) + `)\s`)

	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// ExtractQuery finds the single query in text generated for dialect. A
// fenced block wins; otherwise the first line that starts like a statement
// (or, for mongodb, the first JSON object) is taken. A reply that starts
// with ai.RefusalPrefix never yields a query.
func ExtractQuery(text, dialect string) Extraction {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.HasPrefix(trimmed, ai.RefusalPrefix) {
		return Extraction{Prose: trimmed}
	}
	document := dialect == "mongodb"

	for _, m := range fenceRe.FindAllStringSubmatchIndex(trimmed, -1) {
		body := strings.TrimSpace(trimmed[m[4]:m[5]])
		if body == "" {
			continue
		}
		if document && !isJSONObject(body) {
			continue
		}
		return Extraction{Query: body, Prose: cleanProse(trimmed[:m[0]] + trimmed[m[1]:])}
	}

	if document {
		if start, end, ok := firstJSONObject(trimmed); ok {
			return Extraction{Query: trimmed[start:end], Prose: cleanProse(trimmed[:start] + trimmed[end:])}
		}
		return Extraction{Prose: trimmed}
	}

	if loc := statementRe.FindStringIndex(trimmed); loc != nil {
		start := loc[0]
		end := statementEnd(trimmed, start)
		return Extraction{
			Query: strings.TrimSpace(trimmed[start:end]),
			Prose: cleanProse(trimmed[:start] + trimmed[end:]),
		}
	}
	return Extraction{Prose: trimmed}
}

// statementEnd is just past the first semicolon, or the first blank line,
// after start.
func statementEnd(s string, start int) int {
	end := len(s)
	if i := strings.Index(s[start:], ";"); i >= 0 {
		end = start + i + 1
	}
	if i := strings.Index(s[start:], "\n\n"); i >= 0 && start+i < end {
		end = start + i
	}
	return end
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

func firstJSONObject(s string) (int, int, bool) {
	for off := 0; off < len(s); {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			return 0, 0, false
		}
		start := off + i
		dec := json.NewDecoder(strings.NewReader(s[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && bytes.HasPrefix(raw, []byte("{")) {
			return start, start + int(dec.InputOffset()), true
		}
		off = start + 1
	}
	return 0, 0, false
}

func cleanProse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}
