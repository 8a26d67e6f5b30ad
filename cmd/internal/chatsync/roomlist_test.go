package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
)

// countingStore counts Read calls passing through to the wrapped store.
type countingStore struct {
	docstore.Store

	mu    sync.Mutex
	reads int
}

func (s *countingStore) Read(ctx context.Context, path string, cs []docstore.Constraint) (docstore.Snapshot, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.Store.Read(ctx, path, cs)
}

func (s *countingStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestListRooms_FilterAndOrder(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedRoom(t, store, chat.Room{ID: "r1", Users: []string{"me", "them"}, LastDate: base.Add(1 * time.Hour)})
	seedRoom(t, store, chat.Room{ID: "r2", Users: []string{"me", "other"}, LastDate: base.Add(2 * time.Hour)})
	seedRoom(t, store, chat.Room{ID: "r3", Users: []string{"them", "other"}, LastDate: base.Add(3 * time.Hour)})

	rooms, err := ListRooms(context.Background(), store, "me")
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != "r2" || rooms[1].ID != "r1" {
		t.Fatalf("rooms: %+v", rooms)
	}

	if _, err := ListRooms(context.Background(), store, ""); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("empty viewer: %v", err)
	}
}

func TestWatchRooms_RefreshesOnChange(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seedRoom(t, store, chat.Room{ID: "r1", Users: []string{"me"}, LastDate: base.Add(1 * time.Hour)})

	w, err := WatchRooms(testLogger(), store)
	if err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	sawInitial := false
	for {
		select {
		case rooms := <-w.Rooms():
			if !sawInitial {
				if len(rooms) != 1 || rooms[0].ID != "r1" {
					// Intermediate states can be replaced; only fail on timeout.
					continue
				}
				sawInitial = true
				seedRoom(t, store, chat.Room{ID: "r2", Users: []string{"me"}, LastDate: base.Add(2 * time.Hour)})
				continue
			}
			if len(rooms) == 2 {
				if rooms[0].ID != "r2" || rooms[1].ID != "r1" {
					t.Fatalf("room order: %+v", rooms)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for refreshed room list (initial=%v)", sawInitial)
		}
	}
}

func TestWatchRooms_NoReadsAfterStop(t *testing.T) {
	mem := docstore.NewInMemoryStore()
	seedRoom(t, mem, chat.Room{ID: "r1", Users: []string{"me"}, LastDate: base.Add(1 * time.Hour)})
	store := &countingStore{Store: mem}

	w, err := WatchRooms(testLogger(), store)
	if err != nil {
		t.Fatalf("watch rooms: %v", err)
	}

	select {
	case <-w.Rooms():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for initial room list")
	}

	w.Stop()
	before := store.readCount()

	// A notification queued before teardown must not issue a trailing read.
	w.refresh()

	if got := store.readCount(); got != before {
		t.Fatalf("reads after stop: %d (was %d)", got, before)
	}
}
