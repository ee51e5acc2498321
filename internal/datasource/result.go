package datasource

import (
	"math"
	"time"
)

// Cursor is the part of a row cursor the materializer needs; *sql.Rows
// satisfies it.
type Cursor interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// Materialize drains cur into a QueryResult. Column names are kept verbatim:
// when a query yields two columns with the same name, the row map keeps the
// last value for that key.
func Materialize(cur Cursor) (*QueryResult, error) {
	start := time.Now()

	columns, err := cur.Columns()
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0)
	for cur.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := cur.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		rows = append(rows, row)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	return NewResult(columns, rows, start), nil
}

// NewResult wraps already materialized rows; every row is padded with
// explicit nils so it carries exactly the listed columns. Non-finite floats
// are replaced by their text form.
func NewResult(columns []string, rows []map[string]any, start time.Time) *QueryResult {
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, row := range rows {
		for _, col := range columns {
			v, ok := row[col]
			if !ok {
				row[col] = nil
				continue
			}
			row[col] = JSONValue(v)
		}
	}
	return &QueryResult{
		Columns:         columns,
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case []byte:
		return string(typed)
	default:
		return JSONValue(typed)
	}
}

// JSONValue maps floats JSON cannot carry (NaN and the infinities) to
// "NaN", "Infinity" and "-Infinity". Other values pass through.
func JSONValue(v any) any {
	var f float64
	switch typed := v.(type) {
	case float64:
		f = typed
	case float32:
		f = float64(typed)
	default:
		return v
	}
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return v
}
