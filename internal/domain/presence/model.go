// Package presence tracks which users are actively viewing a case.
// Entries live in redis with a short TTL; a missed heartbeat window
// means the user has left, cleanly or not.
package presence

import "time"

// ActiveUser is one user currently present on a case.
type ActiveUser struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Role     string    `json:"role,omitempty"`
	Section  string    `json:"section,omitempty"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// List is the display form of a case's presence: the most recently
// active users up to the display cap, plus how many were cut off.
type List struct {
	Users    []ActiveUser `json:"users"`
	Overflow int          `json:"overflow"`
}

// palette is the fixed set of indicator colors. Assignment is a stable
// hash of (case, user) so a user keeps one color per case across
// sessions, with no coordination between servers.
var palette = []string{
	"#2563eb", // blue
	"#16a34a", // green
	"#d97706", // amber
	"#dc2626", // red
	"#7c3aed", // violet
	"#0891b2", // cyan
	"#db2777", // pink
	"#65a30d", // lime
}
