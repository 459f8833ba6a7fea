// ABOUTME: Default message bucket handle created by the registry
// ABOUTME: Identifies one (user, context) mailbox; delivery lives elsewhere

package bucket

import (
	"time"

	"github.com/google/uuid"
)

// MessageBucket is an opaque mailbox handle for one bucket key.
type MessageBucket interface {
	// ID uniquely identifies this bucket instance.
	ID() string
	// Key is the registry key the bucket was created for.
	Key() string
	// CreatedAt is when the registry created the bucket.
	CreatedAt() time.Time
}

// Factory creates the bucket for a key on first access.
type Factory func(key string) MessageBucket

// Mailbox is the default MessageBucket.
type Mailbox struct {
	id        string
	key       string
	createdAt time.Time
}

// NewMailbox creates a Mailbox for key. It satisfies Factory.
func NewMailbox(key string) MessageBucket {
	return &Mailbox{
		id:        uuid.New().String(),
		key:       key,
		createdAt: time.Now(),
	}
}

func (m *Mailbox) ID() string           { return m.id }
func (m *Mailbox) Key() string          { return m.key }
func (m *Mailbox) CreatedAt() time.Time { return m.createdAt }
