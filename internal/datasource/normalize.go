package datasource

import "fmt"

// Catalog rows as the relational adapters read them. Assemble turns them into
// a Schema so that every engine shares one place where the key flags on
// columns are derived from the key lists.

type TableRow struct {
	Schema   string
	Name     string
	Estimate *int64
}

type ColumnRow struct {
	Schema       string
	Table        string
	Name         string
	DataType     string
	Nullable     bool
	DefaultValue *string
	MaxLength    *int64
	Precision    *int64
	Scale        *int64
	IsIdentity   bool

	// ObservedKinds is carried through for the document engine.
	ObservedKinds []string
}

type KeyColumnRow struct {
	Schema     string
	Table      string
	Constraint string
	Column     string
}

type ForeignKeyRow struct {
	Schema           string
	Table            string
	Constraint       string
	Column           string
	ReferencedSchema string
	ReferencedTable  string
	ReferencedColumn string
	OnDelete         string
	OnUpdate         string
}

// IndexColumnRow is one column of one index; rows of the same index must
// arrive in key order.
type IndexColumnRow struct {
	Schema    string
	Table     string
	Index     string
	Column    string
	Unique    bool
	Clustered bool
}

type CatalogRows struct {
	Tables       []TableRow
	Columns      []ColumnRow
	PrimaryKeys  []KeyColumnRow
	ForeignKeys  []ForeignKeyRow
	IndexColumns []IndexColumnRow
}

type tableKey struct{ schema, name string }

// Assemble builds the normalized schema. Table order follows rows.Tables,
// column order follows rows.Columns. Rows that reference unknown tables or
// columns are ignored.
func Assemble(rows CatalogRows) *Schema {
	out := &Schema{Tables: make([]TableSchema, 0, len(rows.Tables))}
	pos := make(map[tableKey]int, len(rows.Tables))
	for _, t := range rows.Tables {
		k := tableKey{t.Schema, t.Name}
		if _, dup := pos[k]; dup {
			continue
		}
		pos[k] = len(out.Tables)
		out.Tables = append(out.Tables, TableSchema{
			Name:              t.Name,
			Schema:            t.Schema,
			Columns:           []ColumnSchema{},
			PrimaryKeys:       []PrimaryKeyInfo{},
			ForeignKeys:       []ForeignKeyInfo{},
			Indexes:           []IndexInfo{},
			EstimatedRowCount: t.Estimate,
		})
	}

	colPos := make(map[tableKey]map[string]int)
	for _, c := range rows.Columns {
		k := tableKey{c.Schema, c.Table}
		i, ok := pos[k]
		if !ok {
			continue
		}
		if colPos[k] == nil {
			colPos[k] = make(map[string]int)
		}
		colPos[k][c.Name] = len(out.Tables[i].Columns)
		out.Tables[i].Columns = append(out.Tables[i].Columns, ColumnSchema{
			Name:         c.Name,
			DataType:     c.DataType,
			Nullable:     c.Nullable,
			DefaultValue: c.DefaultValue,
			MaxLength:    c.MaxLength,
			Precision:    c.Precision,
			Scale:        c.Scale,
			IsIdentity:   c.IsIdentity,

			ObservedKinds: c.ObservedKinds,
		})
	}

	for _, pk := range rows.PrimaryKeys {
		k := tableKey{pk.Schema, pk.Table}
		i, ok := pos[k]
		if !ok {
			continue
		}
		ci, ok := colPos[k][pk.Column]
		if !ok {
			continue
		}
		t := &out.Tables[i]
		t.Columns[ci].IsPrimaryKey = true
		t.PrimaryKeys = append(t.PrimaryKeys, PrimaryKeyInfo{Column: pk.Column, ConstraintName: pk.Constraint})
	}

	for _, fk := range rows.ForeignKeys {
		k := tableKey{fk.Schema, fk.Table}
		i, ok := pos[k]
		if !ok {
			continue
		}
		ci, ok := colPos[k][fk.Column]
		if !ok {
			continue
		}
		t := &out.Tables[i]
		t.Columns[ci].IsForeignKey = true
		t.ForeignKeys = append(t.ForeignKeys, ForeignKeyInfo{
			Column:           fk.Column,
			ConstraintName:   fk.Constraint,
			ReferencedSchema: fk.ReferencedSchema,
			ReferencedTable:  fk.ReferencedTable,
			ReferencedColumn: fk.ReferencedColumn,
			OnDelete:         fk.OnDelete,
			OnUpdate:         fk.OnUpdate,
		})
	}

	idxPos := make(map[tableKey]map[string]int)
	for _, ic := range rows.IndexColumns {
		k := tableKey{ic.Schema, ic.Table}
		i, ok := pos[k]
		if !ok {
			continue
		}
		t := &out.Tables[i]
		if idxPos[k] == nil {
			idxPos[k] = make(map[string]int)
		}
		j, seen := idxPos[k][ic.Index]
		if !seen {
			j = len(t.Indexes)
			idxPos[k][ic.Index] = j
			t.Indexes = append(t.Indexes, IndexInfo{Name: ic.Index, Unique: ic.Unique, Clustered: ic.Clustered})
		}
		t.Indexes[j].Columns = append(t.Indexes[j].Columns, ic.Column)
	}

	return out
}

// Validate checks that the key flags on every column agree with the key lists.
func (s *Schema) Validate() error {
	for _, t := range s.Tables {
		pks := make(map[string]bool, len(t.PrimaryKeys))
		for _, pk := range t.PrimaryKeys {
			pks[pk.Column] = true
		}
		fks := make(map[string]bool, len(t.ForeignKeys))
		for _, fk := range t.ForeignKeys {
			fks[fk.Column] = true
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			cols[c.Name] = true
			if c.IsPrimaryKey != pks[c.Name] {
				return fmt.Errorf("table %s: column %s primary key flag mismatch", t.QualifiedName(), c.Name)
			}
			if c.IsForeignKey != fks[c.Name] {
				return fmt.Errorf("table %s: column %s foreign key flag mismatch", t.QualifiedName(), c.Name)
			}
		}
		for name := range pks {
			if !cols[name] {
				return fmt.Errorf("table %s: primary key column %s not in column list", t.QualifiedName(), name)
			}
		}
		for name := range fks {
			if !cols[name] {
				return fmt.Errorf("table %s: foreign key column %s not in column list", t.QualifiedName(), name)
			}
		}
	}
	return nil
}

// Table finds a table by name, ignoring the owning schema.
func (s *Schema) Table(name string) (*TableSchema, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Column finds a column by name.
func (t *TableSchema) Column(name string) (*ColumnSchema, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}
