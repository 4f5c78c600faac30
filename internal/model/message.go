package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Recipient roles as they appear in message headers.
const (
	RecipientTo  = "to"
	RecipientCc  = "cc"
	RecipientBcc = "bcc"
)

// Field length limits applied before a message is stored.
const (
	MaxSubjectLen     = 500
	MaxSenderLen      = 200
	MaxSenderEmailLen = 254
)

// Recipient is one address from the To, Cc or Bcc header.
type Recipient struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Attachment describes an attachment without its content. The content
// stays at the provider and is fetched on demand by ID.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Recipients is stored as a JSON array column.
type Recipients []Recipient

// Attachments is stored as a JSON array column.
type Attachments []Attachment

// Message is a locally replicated mail message.
type Message struct {
	ID             string      `json:"id" db:"id"`
	UserID         string      `json:"user_id" db:"user_id"`
	RemoteID       string      `json:"remote_id" db:"remote_id"`
	ThreadID       string      `json:"thread_id" db:"thread_id"`
	Subject        string      `json:"subject" db:"subject"`
	Sender         string      `json:"sender" db:"sender"`
	SenderEmail    string      `json:"sender_email" db:"sender_email"`
	Recipients     Recipients  `json:"recipients" db:"recipients"`
	Snippet        string      `json:"snippet" db:"snippet"`
	Body           string      `json:"body" db:"body"`
	Attachments    Attachments `json:"attachments" db:"attachments"`
	HasAttachments bool        `json:"has_attachments" db:"has_attachments"`
	IsRead         bool        `json:"is_read" db:"is_read"`
	IsStarred      bool        `json:"is_starred" db:"is_starred"`
	IsDeleted      bool        `json:"is_deleted" db:"is_deleted"`
	Classified     bool        `json:"classified" db:"classified"`
	FolderID       *string     `json:"folder_id,omitempty" db:"folder_id"`
	ReceivedAt     time.Time   `json:"received_at" db:"received_at"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Value implements driver.Valuer.
func (r Recipients) Value() (driver.Value, error) {
	return marshalColumn(r)
}

// Scan implements sql.Scanner.
func (r *Recipients) Scan(src interface{}) error {
	return unmarshalColumn(src, r)
}

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	return marshalColumn(a)
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src interface{}) error {
	return unmarshalColumn(src, a)
}

func marshalColumn(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// A nil slice encodes as null; keep the column a valid array.
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func unmarshalColumn(src interface{}, dest interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
