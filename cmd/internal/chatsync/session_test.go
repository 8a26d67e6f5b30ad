package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/identity"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(id, user, text string, date time.Time, readers ...string) chat.Message {
	return chat.Message{
		ID:        id,
		UserID:    user,
		Text:      text,
		Date:      date,
		ReadUsers: append([]string(nil), readers...),
		State:     chat.StateValidated,
	}
}

func seedMessages(t *testing.T, store docstore.Store, roomID string, msgs ...chat.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := store.Create(context.Background(), chat.MessagesPath(roomID), m.ID, m.Fields()); err != nil {
			t.Fatalf("seed %s: %v", m.ID, err)
		}
	}
}

func chatTexts(chats []chat.Chat) []string {
	out := make([]string, 0, len(chats))
	for _, c := range chats {
		out = append(out, c.Text)
	}
	return out
}

func sameTexts(got []chat.Chat, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i].Text != want[i] {
			return false
		}
	}
	return true
}

func hasReader(readers []string, id string) bool {
	for _, r := range readers {
		if r == id {
			return true
		}
	}
	return false
}

func TestLoadReadCatchup_ThenUnread(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "first", base.Add(1*time.Minute), "them", "me"),
		msg("m2", "me", "second", base.Add(2*time.Minute), "me"),
		msg("m3", "them", "third", base.Add(3*time.Minute), "them"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1")
	defer s.Close()
	ctx := context.Background()

	chats, err := s.LoadReadCatchup(ctx)
	if err != nil {
		t.Fatalf("read catchup: %v", err)
	}
	if !sameTexts(chats, "first", "second") {
		t.Fatalf("read catchup: got %v", chatTexts(chats))
	}
	if !s.HasOlder() {
		t.Fatalf("oldest cursor must be set after read catchup")
	}

	chats, err = s.LoadUnreadCatchup(ctx)
	if err != nil {
		t.Fatalf("unread catchup: %v", err)
	}
	if !sameTexts(chats, "third") {
		t.Fatalf("unread catchup: got %v", chatTexts(chats))
	}
	if !hasReader(chats[0].ReadUsers, "me") {
		t.Fatalf("unread chat must reflect the viewer's read-state write")
	}

	// The read-state write landed in the store, not just the mapped output.
	doc, err := store.Get(ctx, chat.MessagesPath("r1"), "m3")
	if err != nil {
		t.Fatalf("get m3: %v", err)
	}
	if !hasReader(chat.MessageFromDoc(doc).ReadUsers, "me") {
		t.Fatalf("m3 not marked read: %v", doc.Data)
	}

	// The cursor advanced: nothing is ever delivered twice.
	chats, err = s.LoadUnreadCatchup(ctx)
	if err != nil {
		t.Fatalf("second unread catchup: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("redelivered: %v", chatTexts(chats))
	}
}

func TestLoadReadCatchup_TailOfWindow(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "one", base.Add(1*time.Minute), "me"),
		msg("m2", "them", "two", base.Add(2*time.Minute), "me"),
		msg("m3", "them", "three", base.Add(3*time.Minute), "me"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1", WithCatchupLimit(2))
	defer s.Close()

	chats, err := s.LoadReadCatchup(context.Background())
	if err != nil {
		t.Fatalf("read catchup: %v", err)
	}
	if !sameTexts(chats, "two", "three") {
		t.Fatalf("tail window: got %v", chatTexts(chats))
	}
}

func TestLoadOlderHistory_PagesUntilExhausted(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "one", base.Add(1*time.Minute), "me"),
		msg("m2", "them", "two", base.Add(2*time.Minute), "me"),
		msg("m3", "them", "three", base.Add(3*time.Minute), "me"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1",
		WithCatchupLimit(1), WithHistoryPage(1))
	defer s.Close()
	ctx := context.Background()

	if _, err := s.LoadReadCatchup(ctx); err != nil {
		t.Fatalf("read catchup: %v", err)
	}

	chats, err := s.LoadOlderHistory(ctx)
	if err != nil {
		t.Fatalf("history page 1: %v", err)
	}
	if !sameTexts(chats, "two") {
		t.Fatalf("history page 1: got %v", chatTexts(chats))
	}

	chats, err = s.LoadOlderHistory(ctx)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if !sameTexts(chats, "one") {
		t.Fatalf("history page 2: got %v", chatTexts(chats))
	}

	// Exhausted: the empty page clears the cursor.
	chats, err = s.LoadOlderHistory(ctx)
	if err != nil {
		t.Fatalf("history page 3: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("history past beginning: got %v", chatTexts(chats))
	}
	if s.HasOlder() {
		t.Fatalf("HasOlder after exhausted history")
	}
	if _, err := s.LoadOlderHistory(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("history without cursor: %v", err)
	}
}

func TestLoadOlderHistory_BeforeCatchup(t *testing.T) {
	s := NewRoomSession(testLogger(), docstore.NewInMemoryStore(), identity.Static("me"), "r1")
	defer s.Close()

	if _, err := s.LoadOlderHistory(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLoadUnreadCatchup_EmptyRoom(t *testing.T) {
	s := NewRoomSession(testLogger(), docstore.NewInMemoryStore(), identity.Static("me"), "r1")
	defer s.Close()

	chats, err := s.LoadUnreadCatchup(context.Background())
	if err != nil {
		t.Fatalf("unread catchup: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("empty room returned %v", chatTexts(chats))
	}
	if s.HasOlder() {
		t.Fatalf("cursors must stay empty on an empty room")
	}
}

func TestSession_IdentityUnavailable(t *testing.T) {
	s := NewRoomSession(testLogger(), docstore.NewInMemoryStore(), identity.Static(""), "r1")
	defer s.Close()
	ctx := context.Background()

	if _, err := s.LoadReadCatchup(ctx); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("read catchup: %v", err)
	}
	if _, err := s.LoadUnreadCatchup(ctx); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("unread catchup: %v", err)
	}
	if _, err := s.LoadOlderHistory(ctx); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("older history: %v", err)
	}
	if err := s.StartLive(ctx); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("start live: %v", err)
	}
}

func TestMessagesStream_MirrorsPaginationBatches(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "one", base.Add(1*time.Minute), "me"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1")
	defer s.Close()

	chats, err := s.LoadReadCatchup(context.Background())
	if err != nil {
		t.Fatalf("read catchup: %v", err)
	}

	select {
	case streamed := <-s.Messages():
		if !sameTexts(streamed, chatTexts(chats)...) {
			t.Fatalf("stream batch %v != returned %v", chatTexts(streamed), chatTexts(chats))
		}
	default:
		t.Fatalf("pagination batch not mirrored on the stream")
	}
}
