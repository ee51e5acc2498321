package datasource

import (
	"fmt"
	"strings"
)

type EngineKind string

const (
	EnginePostgres  EngineKind = "postgres"
	EngineMySQL     EngineKind = "mysql"
	EngineSQLServer EngineKind = "sqlserver"
	EngineMongoDB   EngineKind = "mongodb"
)

// ParseEngineKind accepts the canonical names plus a few common aliases.
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return EnginePostgres, nil
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "sqlserver", "mssql":
		return EngineSQLServer, nil
	case "mongodb", "mongo":
		return EngineMongoDB, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEngine, s)
}

// Descriptor identifies one backing database. SecretRef is an opaque
// reference resolved through a credential.Store for the duration of a call.
type Descriptor struct {
	ID           string     `json:"id"`
	Kind         EngineKind `json:"engine"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	DatabaseName string     `json:"database"`
	Username     string     `json:"username"`
	SecretRef    string     `json:"-"`
	SSL          bool       `json:"ssl"`
}

type Schema struct {
	Tables []TableSchema `json:"tables"`
}

type TableSchema struct {
	Name              string           `json:"name"`
	Schema            string           `json:"schema,omitempty"`
	Columns           []ColumnSchema   `json:"columns"`
	PrimaryKeys       []PrimaryKeyInfo `json:"primaryKeys"`
	ForeignKeys       []ForeignKeyInfo `json:"foreignKeys"`
	Indexes           []IndexInfo      `json:"indexes"`
	EstimatedRowCount *int64           `json:"estimatedRowCount,omitempty"`
}

// QualifiedName returns schema.name, or just name when the table has no owning schema.
func (t TableSchema) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

type ColumnSchema struct {
	Name         string  `json:"name"`
	DataType     string  `json:"dataType"`
	Nullable     bool    `json:"nullable"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	MaxLength    *int64  `json:"maxLength,omitempty"`
	Precision    *int64  `json:"precision,omitempty"`
	Scale        *int64  `json:"scale,omitempty"`
	IsIdentity   bool    `json:"isIdentity"`
	IsPrimaryKey bool    `json:"isPrimaryKey"`
	IsForeignKey bool    `json:"isForeignKey"`

	// ObservedKinds is only set by the document engine: every value kind seen
	// for the field across the sampled documents.
	ObservedKinds []string `json:"observedKinds,omitempty"`
}

type PrimaryKeyInfo struct {
	Column         string `json:"column"`
	ConstraintName string `json:"constraintName,omitempty"`
}

type ForeignKeyInfo struct {
	Column           string `json:"column"`
	ConstraintName   string `json:"constraintName,omitempty"`
	ReferencedSchema string `json:"referencedSchema,omitempty"`
	ReferencedTable  string `json:"referencedTable"`
	ReferencedColumn string `json:"referencedColumn"`
	OnDelete         string `json:"onDelete,omitempty"`
	OnUpdate         string `json:"onUpdate,omitempty"`
}

type IndexInfo struct {
	Name      string   `json:"name"`
	Columns   []string `json:"columns"`
	Unique    bool     `json:"unique"`
	Clustered bool     `json:"clustered"`
}

// QueryResult is the uniform envelope around one executed query.
type QueryResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"rowCount"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
}
