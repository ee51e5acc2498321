package mongodb

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/suPer8Hu/querychat/internal/datasource"
)

const (
	idField   = "_id"
	idIndex   = "_id_"
	kindNull  = "null"
	kindSplit = "|"
)

// indexSpec is one entry of listIndexes.
type indexSpec struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique bool   `bson:"unique"`
}

// kindOf names a decoded BSON value the way $type does.
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return kindNull
	case string:
		return "string"
	case bool:
		return "bool"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bson.Decimal128:
		return "decimal"
	case bson.ObjectID:
		return "objectId"
	case bson.DateTime:
		return "date"
	case bson.Timestamp:
		return "timestamp"
	case bson.Binary:
		return "binData"
	case bson.Regex:
		return "regex"
	case bson.D, bson.M:
		return "object"
	case bson.A:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

// IsNumericKind reports whether kind is one of the BSON number kinds.
func IsNumericKind(kind string) bool {
	switch kind {
	case "int", "long", "double", "decimal":
		return true
	}
	return false
}

type fieldStats struct {
	seen  int
	kinds map[string]struct{}
}

// inferColumns unions the top-level fields of docs in order of first
// appearance. A field absent from any sampled document, or seen holding
// null, is nullable. _id is always present and never nullable.
func inferColumns(collection string, docs []bson.D) []datasource.ColumnRow {
	order := []string{idField}
	stats := map[string]*fieldStats{idField: {kinds: map[string]struct{}{}}}

	for _, doc := range docs {
		for _, e := range doc {
			s, ok := stats[e.Key]
			if !ok {
				s = &fieldStats{kinds: map[string]struct{}{}}
				stats[e.Key] = s
				order = append(order, e.Key)
			}
			s.seen++
			s.kinds[kindOf(e.Value)] = struct{}{}
		}
	}

	cols := make([]datasource.ColumnRow, 0, len(order))
	for _, name := range order {
		s := stats[name]
		kinds := make([]string, 0, len(s.kinds))
		for k := range s.kinds {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		col := datasource.ColumnRow{
			Table:         collection,
			Name:          name,
			ObservedKinds: kinds,
		}
		if name == idField {
			if len(kinds) == 0 {
				col.ObservedKinds = []string{"objectId"}
			}
		} else {
			_, sawNull := s.kinds[kindNull]
			col.Nullable = s.seen < len(docs) || sawNull
		}
		col.DataType = strings.Join(col.ObservedKinds, kindSplit)
		cols = append(cols, col)
	}
	return cols
}

// indexRows flattens the collection's secondary indexes; the implicit _id_
// index is the primary key and is left out.
func indexRows(collection string, specs []indexSpec) []datasource.IndexColumnRow {
	var out []datasource.IndexColumnRow
	for _, spec := range specs {
		if spec.Name == idIndex {
			continue
		}
		for _, k := range spec.Key {
			out = append(out, datasource.IndexColumnRow{
				Table:  collection,
				Index:  spec.Name,
				Column: k.Key,
				Unique: spec.Unique,
			})
		}
	}
	return out
}

// collectionSample is what one collection contributes to the schema.
type collectionSample struct {
	Name     string
	Docs     []bson.D
	Indexes  []indexSpec
	Estimate *int64
}

func assembleSchema(samples []collectionSample) *datasource.Schema {
	var rows datasource.CatalogRows
	for _, c := range samples {
		rows.Tables = append(rows.Tables, datasource.TableRow{Name: c.Name, Estimate: c.Estimate})
		rows.Columns = append(rows.Columns, inferColumns(c.Name, c.Docs)...)
		rows.PrimaryKeys = append(rows.PrimaryKeys, datasource.KeyColumnRow{
			Table:      c.Name,
			Constraint: idIndex,
			Column:     idField,
		})
		rows.IndexColumns = append(rows.IndexColumns, indexRows(c.Name, c.Indexes)...)
	}
	return datasource.Assemble(rows)
}

// rawTable renders one collection for the raw schema dump.
func rawTable(c collectionSample) datasource.RawTable {
	t := datasource.RawTable{Name: c.Name}
	for _, col := range inferColumns(c.Name, c.Docs) {
		def := col.Name + " " + col.DataType
		if col.Name == idField {
			def += " PRIMARY KEY"
		} else if !col.Nullable {
			def += " NOT NULL"
		}
		t.Columns = append(t.Columns, def)
	}
	for _, spec := range c.Indexes {
		if spec.Name == idIndex {
			continue
		}
		keys := make([]string, 0, len(spec.Key))
		for _, k := range spec.Key {
			keys = append(keys, fmt.Sprintf("%s:%v", k.Key, k.Value))
		}
		note := fmt.Sprintf("INDEX %s (%s)", spec.Name, strings.Join(keys, ", "))
		if spec.Unique {
			note += " UNIQUE"
		}
		t.Notes = append(t.Notes, note)
	}
	if c.Estimate != nil {
		t.Notes = append(t.Notes, fmt.Sprintf("about %d documents", *c.Estimate))
	}
	return t
}

// replyDocs picks the documents a command reply should be shown as: the
// first cursor batch when the command opened a cursor, otherwise the reply
// itself as a single document.
func replyDocs(reply bson.D) []bson.D {
	for _, e := range reply {
		if e.Key != "cursor" {
			continue
		}
		cursor, ok := e.Value.(bson.D)
		if !ok {
			break
		}
		for _, ce := range cursor {
			if ce.Key != "firstBatch" {
				continue
			}
			batch, ok := ce.Value.(bson.A)
			if !ok {
				break
			}
			docs := make([]bson.D, 0, len(batch))
			for _, item := range batch {
				if d, ok := item.(bson.D); ok {
					docs = append(docs, d)
				}
			}
			return docs
		}
	}
	return []bson.D{reply}
}

// tabulate turns documents into result rows. Columns are the union of
// top-level keys in order of first appearance.
func tabulate(docs []bson.D) ([]string, []map[string]any) {
	columns := []string{}
	seen := map[string]bool{}
	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		row := make(map[string]any, len(doc))
		for _, e := range doc {
			if !seen[e.Key] {
				seen[e.Key] = true
				columns = append(columns, e.Key)
			}
			row[e.Key] = plainValue(e.Value)
		}
		rows = append(rows, row)
	}
	return columns, rows
}

// plainValue converts BSON-specific types into values that encode cleanly
// as JSON.
func plainValue(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case bson.Timestamp:
		return time.Unix(int64(val.T), 0).UTC()
	case bson.Decimal128:
		return val.String()
	case bson.Binary:
		return val.Data
	case bson.Regex:
		return val.String()
	case float64:
		return datasource.JSONValue(val)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = plainValue(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = plainValue(e)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = plainValue(e)
		}
		return out
	}
	return v
}

// sortedUserCollections drops system collections and sorts the rest.
func sortedUserCollections(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, "system.") {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
