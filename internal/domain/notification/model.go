// Package notification stores per-user notifications derived from case
// events and pushes them to connected clients.
package notification

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Notification is one item in a user's notification list.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	UserID    string                 `json:"user_id"`
	CaseID    uuid.UUID              `json:"case_id"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
}

// ErrNotFound is returned when a notification id does not exist or
// belongs to someone else.
var ErrNotFound = errors.New("notification not found")
