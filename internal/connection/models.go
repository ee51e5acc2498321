package connection

import (
	"time"

	"github.com/suPer8Hu/querychat/internal/datasource"
)

// Connection is a saved database a user can ask questions about. The
// password is only ever stored sealed, as SecretRef.
type Connection struct {
	ID           string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID       uint64    `gorm:"index;not null" json:"-"`
	Name         string    `gorm:"type:varchar(100);not null" json:"name"`
	Kind         string    `gorm:"type:varchar(16);not null" json:"engine"`
	Host         string    `gorm:"type:varchar(255);not null" json:"host"`
	Port         int       `gorm:"not null" json:"port"`
	DatabaseName string    `gorm:"type:varchar(128);not null" json:"database"`
	Username     string    `gorm:"type:varchar(128)" json:"username"`
	SecretRef    string    `gorm:"type:text" json:"-"`
	SSL          bool      `gorm:"not null;default:false" json:"ssl"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Connection) TableName() string { return "db_connections" }

func (c *Connection) Descriptor() datasource.Descriptor {
	return datasource.Descriptor{
		ID:           c.ID,
		Kind:         datasource.EngineKind(c.Kind),
		Host:         c.Host,
		Port:         c.Port,
		DatabaseName: c.DatabaseName,
		Username:     c.Username,
		SecretRef:    c.SecretRef,
		SSL:          c.SSL,
	}
}
