package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
)

// ListRooms returns the rooms the viewer participates in, most recently
// active first.
func ListRooms(ctx context.Context, store docstore.Store, viewerID string) ([]chat.Room, error) {
	if viewerID == "" {
		return nil, ErrIdentityUnavailable
	}
	snap, err := store.Read(ctx, chat.RoomsPath, []docstore.Constraint{
		docstore.ArrayContains(chat.FieldUsers, viewerID),
		docstore.OrderDesc(chat.FieldLastDate),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list rooms: %v", ErrTransport, err)
	}
	rooms := make([]chat.Room, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		rooms = append(rooms, chat.RoomFromDoc(doc))
	}
	return rooms, nil
}

// RoomWatcher maintains a live, sorted view of the room list. Unlike the
// message loop it keeps one persistent subscription: the room list is a
// replaceable snapshot, so missed intermediate states are harmless.
type RoomWatcher struct {
	log   *slog.Logger
	store docstore.Store

	rooms chan []chat.Room
	sub   docstore.Subscription
	once  sync.Once

	// ctx bounds every refresh read to the subscription's lifetime.
	ctx    context.Context
	cancel context.CancelFunc

	// rmu serializes refreshes so the latest-wins swap below never blocks.
	rmu sync.Mutex
}

// WatchRooms starts a room-list watcher. Each store notification replaces the
// previous list; slow consumers observe only the latest state.
func WatchRooms(log *slog.Logger, store docstore.Store) (*RoomWatcher, error) {
	w := &RoomWatcher{
		log:   log,
		store: store,
		rooms: make(chan []chat.Room, 1),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	sub, err := store.Listen(chat.RoomsPath, nil, func(b docstore.Batch, err error) {
		if err != nil {
			log.Error("roomlist.listen", "err", err)
			return
		}
		w.refresh()
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub

	// Prime the channel so consumers do not wait for the first change.
	w.refresh()
	return w, nil
}

// Rooms is the latest-wins room list stream.
func (w *RoomWatcher) Rooms() <-chan []chat.Room {
	return w.rooms
}

// Stop cancels the watcher (idempotent). No reads are issued after it
// returns.
func (w *RoomWatcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Stop()
	})
}

func (w *RoomWatcher) refresh() {
	// A stopped subscription can still have a notification in flight.
	if w.ctx.Err() != nil {
		return
	}
	snap, err := w.store.Read(w.ctx, chat.RoomsPath, nil)
	if err != nil {
		if w.ctx.Err() == nil {
			w.log.Warn("roomlist.refresh", "err", err)
		}
		return
	}

	rooms := make([]chat.Room, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		rooms = append(rooms, chat.RoomFromDoc(doc))
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastDate.After(rooms[j].LastDate)
	})

	// Latest wins: drop the stale snapshot if nobody consumed it yet.
	w.rmu.Lock()
	select {
	case <-w.rooms:
	default:
	}
	w.rooms <- rooms
	w.rmu.Unlock()
}
