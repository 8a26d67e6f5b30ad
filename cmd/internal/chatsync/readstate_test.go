package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/identity"
)

func TestMarkRead_Idempotent(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "hi", base.Add(time.Minute), "them"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1")
	defer s.Close()
	ctx := context.Background()

	doc, err := store.Get(ctx, chat.MessagesPath("r1"), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkRead(ctx, []docstore.Document{doc}, "me"); err != nil {
			t.Fatalf("mark read %d: %v", i, err)
		}
	}

	got, err := store.Get(ctx, chat.MessagesPath("r1"), "m1")
	if err != nil {
		t.Fatalf("get after mark: %v", err)
	}
	readers := chat.MessageFromDoc(got).ReadUsers
	if len(readers) != 2 || readers[0] != "me" || readers[1] != "them" {
		t.Fatalf("reader set must be the deduplicated union, got %v", readers)
	}
}

func TestMarkRead_EmptyViewerFailsClosed(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedMessages(t, store, "r1",
		msg("m1", "them", "hi", base.Add(time.Minute), "them"),
	)
	s := NewRoomSession(testLogger(), store, identity.Static("me"), "r1")
	defer s.Close()
	ctx := context.Background()

	doc, err := store.Get(ctx, chat.MessagesPath("r1"), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.MarkRead(ctx, []docstore.Document{doc}, ""); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}

	// No write happened.
	got, err := store.Get(ctx, chat.MessagesPath("r1"), "m1")
	if err != nil {
		t.Fatalf("get after failed mark: %v", err)
	}
	readers := chat.MessageFromDoc(got).ReadUsers
	if len(readers) != 1 || readers[0] != "them" {
		t.Fatalf("reader set mutated: %v", readers)
	}
}

func TestUnionReader(t *testing.T) {
	t.Parallel()

	got := unionReader([]string{"b", "a", "b", ""}, "a")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("union: %v", got)
	}
}
