// Package chat defines the persisted chat documents and the derived,
// viewer-relative message model.
package chat

import (
	"fmt"
	"time"
)

// Collection layout and document field names in the store.
const (
	RoomsPath = "ChatRooms"

	FieldUserID      = "userId"
	FieldText        = "text"
	FieldDate        = "date"
	FieldReadUsers   = "readUsers"
	FieldState       = "state"
	FieldLastMessage = "lastMessage"
	FieldLastDate    = "lastDate"
	FieldUnreadCount = "unreadCount"
	FieldUsers       = "users"
)

// MessagesPath returns the message sub-collection path of a room.
func MessagesPath(roomID string) string {
	return fmt.Sprintf("%s/%s/Messages", RoomsPath, roomID)
}

// State is the delivery/validation state of a message.
type State string

const (
	// StatePending marks a message not yet acknowledged by the store.
	StatePending State = "pending"
	// StateValidated marks a committed message. Validated messages are
	// immutable except for the reader set, which only grows.
	StateValidated State = "validated"
)

// Message is the persisted message document.
type Message struct {
	ID        string
	UserID    string
	Text      string
	Date      time.Time
	ReadUsers []string
	State     State
}

// Fields returns the document field map for persisting the message.
func (m Message) Fields() map[string]any {
	return map[string]any{
		FieldUserID:    m.UserID,
		FieldText:      m.Text,
		FieldDate:      m.Date,
		FieldReadUsers: append([]string(nil), m.ReadUsers...),
		FieldState:     string(m.State),
	}
}

// Chat derives the viewer-relative message model. Never persisted.
func (m Message) Chat(viewerID string) Chat {
	return Chat{
		IsMe:      m.UserID == viewerID,
		UserID:    m.UserID,
		ReadUsers: append([]string(nil), m.ReadUsers...),
		Text:      m.Text,
		Date:      m.Date,
		State:     m.State,
	}
}

// Chat is the derived message shown to the viewer.
type Chat struct {
	IsMe      bool
	UserID    string
	ReadUsers []string
	Text      string
	Date      time.Time
	State     State
}

// Room is the persisted chat room document with its denormalized summary.
type Room struct {
	ID          string
	LastMessage string
	LastDate    time.Time
	UnreadCount map[string]int
	Users       []string
}

// Fields returns the document field map for persisting the room.
func (r Room) Fields() map[string]any {
	counts := make(map[string]any, len(r.UnreadCount))
	for k, v := range r.UnreadCount {
		counts[k] = v
	}
	return map[string]any{
		FieldLastMessage: r.LastMessage,
		FieldLastDate:    r.LastDate,
		FieldUnreadCount: counts,
		FieldUsers:       append([]string(nil), r.Users...),
	}
}
