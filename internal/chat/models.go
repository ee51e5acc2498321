package chat

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is bound to exactly one data source for its lifetime: a
// saved connection or an uploaded file.
type Conversation struct {
	ID           string    `gorm:"primaryKey;size:26" json:"conversation_id"` // ULID
	UserID       uint64    `gorm:"index;not null" json:"-"`
	ConnectionID *string   `gorm:"size:26;index" json:"connection_id,omitempty"`
	FileSourceID *string   `gorm:"size:64;index" json:"file_source_id,omitempty"`
	Title        string    `gorm:"type:varchar(200);not null" json:"title"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_msg_user_conversation_id,priority:2;index:uniq_msg_idempo,unique,priority:2" json:"conversation_id"`
	UserID         uint64    `gorm:"not null;index:idx_msg_user_conversation_id,priority:1;index:uniq_msg_idempo,unique,priority:1" json:"-"`
	Role           string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	GeneratedQuery *string   `gorm:"type:text" json:"generated_query,omitempty"`
	ResultJSON     *string   `gorm:"type:longtext" json:"-"`
	TokensUsed     int       `gorm:"not null;default:0" json:"tokens_used"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// MarshalJSON inlines the stored result document as "result".
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	out := struct {
		plain
		Result json.RawMessage `json:"result,omitempty"`
	}{plain: plain(m)}
	if m.ResultJSON != nil && json.Valid([]byte(*m.ResultJSON)) {
		out.Result = json.RawMessage(*m.ResultJSON)
	}
	return json.Marshal(out)
}

// Outcome decodes the stored result document; nil when no query ran.
func (m Message) Outcome() (*QueryOutcome, error) {
	if m.ResultJSON == nil {
		return nil, nil
	}
	var o QueryOutcome
	if err := json.Unmarshal([]byte(*m.ResultJSON), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// SchemaCache keeps the last raw schema dump per connection.
type SchemaCache struct {
	ConnectionID string    `gorm:"primaryKey;size:26"`
	RawSchema    string    `gorm:"type:longtext;not null"`
	UpdatedAt    time.Time `gorm:"index"`
}

func (SchemaCache) TableName() string { return "schema_caches" }
