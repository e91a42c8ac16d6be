package collab

import (
	"hash/fnv"
	"time"
)

// UserInfo identifies a wiki user to the editing core. Identity itself is an
// external concern; the core only carries what peers need to render presence.
type UserInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// CursorPosition is a user's current selection. Cursor updates are
// last-writer-wins per user and are not ordered with respect to operations.
type CursorPosition struct {
	UserID    string    `json:"userId"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserPresence is one connected user within a session.
type UserPresence struct {
	UserInfo
	Color      string          `json:"color"`
	JoinedAt   time.Time       `json:"joinedAt"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
	Cursor     *CursorPosition `json:"cursor,omitempty"`

	peer          Peer
	lastBroadcast time.Time
}

// colorPalette holds the distinguishable presence colors. Assignment is a
// stable function of the user id so a user keeps their color across
// reconnects.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324", "#800000",
}

// ColorFor returns the deterministic presence color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}
