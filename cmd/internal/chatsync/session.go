// Package chatsync implements the chat-message synchronization engine:
// cursor-based bidirectional pagination, read-state propagation and a
// self-renewing live-update listener over a remote document store.
package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/identity"
	"soulsync/cmd/internal/metrics"
)

const (
	defaultCatchupLimit = 100
	defaultHistoryPage  = 30
	defaultStreamBuffer = 64
)

// RoomSession is the per-room coordinator owning the pagination cursor pair.
//
// Concurrency model:
//   - Every cursor-reading or cursor-writing operation serializes on one
//     mutex held for the whole operation, store I/O included. Callers never
//     touch cursors directly, which makes the per-room serialization
//     requirement structural instead of documented-only.
//   - The live loop runs on its own goroutine and takes the same mutex when
//     it processes a batch, so live updates and pagination calls never
//     interleave on the cursor pair.
//
// Cursors live for the session and are discarded on Close; reopening a room
// restarts from the unread-catchup state.
type RoomSession struct {
	log    *slog.Logger
	store  docstore.Store
	ident  identity.Provider
	roomID string

	catchupLimit int
	historyPage  int

	mu         sync.Mutex
	oldestSeen *docstore.Document
	newestSeen *docstore.Document

	messages chan []chat.Chat

	liveMu sync.Mutex
	live   *liveLoop
}

// SessionOption configures a RoomSession.
type SessionOption func(*RoomSession)

// WithCatchupLimit overrides the read-catchup window size (default 100).
func WithCatchupLimit(n int) SessionOption {
	return func(s *RoomSession) {
		if n > 0 {
			s.catchupLimit = n
		}
	}
}

// WithHistoryPage overrides the older-history page size (default 30).
func WithHistoryPage(n int) SessionOption {
	return func(s *RoomSession) {
		if n > 0 {
			s.historyPage = n
		}
	}
}

// NewRoomSession constructs the coordinator for one open chat room.
func NewRoomSession(log *slog.Logger, store docstore.Store, ident identity.Provider, roomID string, opts ...SessionOption) *RoomSession {
	s := &RoomSession{
		log:          log,
		store:        store,
		ident:        ident,
		roomID:       roomID,
		catchupLimit: defaultCatchupLimit,
		historyPage:  defaultHistoryPage,
		messages:     make(chan []chat.Chat, defaultStreamBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Messages is the consumer stream. Batches are emitted as they are
// discovered: read catchup, unread catchup, older history and live updates.
func (s *RoomSession) Messages() <-chan []chat.Chat {
	return s.messages
}

// HasOlder reports whether older history is known to be loadable,
// i.e. the oldest-seen cursor is populated.
func (s *RoomSession) HasOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestSeen != nil
}

// Close stops the live loop and discards the cursor pair.
func (s *RoomSession) Close() {
	s.StopLive()
	s.mu.Lock()
	s.oldestSeen = nil
	s.newestSeen = nil
	s.mu.Unlock()
}

// LoadReadCatchup fetches up to the catchup limit of messages the viewer has
// already read, ascending by date, and initializes both cursors from the
// result. No read-state writes: these are already-read messages.
func (s *RoomSession) LoadReadCatchup(ctx context.Context) ([]chat.Chat, error) {
	uid, err := s.ident.CurrentUserID()
	if err != nil {
		return nil, ErrIdentityUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.Read(ctx, chat.MessagesPath(s.roomID), []docstore.Constraint{
		docstore.ArrayContains(chat.FieldReadUsers, uid),
		docstore.OrderAsc(chat.FieldDate),
		docstore.LimitToLast(s.catchupLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read catchup: %v", ErrTransport, err)
	}

	if first, ok := snap.First(); ok {
		last, _ := snap.Last()
		s.oldestSeen = &first
		s.newestSeen = &last
	}

	chats := s.mapDocs(snap.Docs, uid, false)
	s.publish(chats, "catchup_read")
	return chats, nil
}

// LoadUnreadCatchup fetches messages strictly after the newest-seen cursor
// (unconstrained when unset), advances the cursor to the last returned
// document and marks the viewer as a reader of every returned document.
func (s *RoomSession) LoadUnreadCatchup(ctx context.Context) ([]chat.Chat, error) {
	uid, err := s.ident.CurrentUserID()
	if err != nil {
		return nil, ErrIdentityUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	constraints := []docstore.Constraint{docstore.OrderAsc(chat.FieldDate)}
	if s.newestSeen != nil {
		constraints = append(constraints, docstore.StartAfterDoc(*s.newestSeen))
	}

	snap, err := s.store.Read(ctx, chat.MessagesPath(s.roomID), constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: unread catchup: %v", ErrTransport, err)
	}
	if len(snap.Docs) == 0 {
		return nil, nil
	}

	last, _ := snap.Last()
	s.newestSeen = &last

	if err := s.markRead(ctx, snap.Docs, uid); err != nil {
		s.log.Warn("session.catchup.unread.markread", "room_id", s.roomID, "err", err)
	}

	chats := s.mapDocs(snap.Docs, uid, true)
	s.publish(chats, "catchup_unread")
	return chats, nil
}

// LoadOlderHistory fetches one page of history older than the oldest-seen
// cursor, newest first. A session with no oldest-seen cursor has nothing
// older to load and returns ErrNotInitialized without touching the store.
// An empty page clears the cursor, after which HasOlder reports false.
// History is context, not read semantics: no read-state writes.
func (s *RoomSession) LoadOlderHistory(ctx context.Context) ([]chat.Chat, error) {
	uid, err := s.ident.CurrentUserID()
	if err != nil {
		return nil, ErrIdentityUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.oldestSeen == nil {
		return nil, ErrNotInitialized
	}

	snap, err := s.store.Read(ctx, chat.MessagesPath(s.roomID), []docstore.Constraint{
		docstore.OrderDesc(chat.FieldDate),
		docstore.Limit(s.historyPage),
		docstore.StartAfterDoc(*s.oldestSeen),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: older history: %v", ErrTransport, err)
	}

	if last, ok := snap.Last(); ok {
		s.oldestSeen = &last
	} else {
		s.oldestSeen = nil
	}

	chats := s.mapDocs(snap.Docs, uid, false)
	s.publish(chats, "history")
	return chats, nil
}

// mapDocs decodes documents into viewer-relative chats, in document order.
// When includeViewer is set the viewer is folded into each reader set, so the
// returned chats reflect the read-state write issued alongside them.
func (s *RoomSession) mapDocs(docs []docstore.Document, viewerID string, includeViewer bool) []chat.Chat {
	out := make([]chat.Chat, 0, len(docs))
	for _, doc := range docs {
		m := chat.MessageFromDoc(doc)
		if includeViewer {
			m.ReadUsers = unionReader(m.ReadUsers, viewerID)
		}
		out = append(out, m.Chat(viewerID))
	}
	return out
}

// publish emits a batch on the consumer stream without blocking the caller.
// Pagination callers already receive the batch as a return value; a full
// stream only loses the duplicate emission, and that is logged.
func (s *RoomSession) publish(chats []chat.Chat, source string) {
	if len(chats) == 0 {
		return
	}
	select {
	case s.messages <- chats:
		metrics.MessagesPublished.WithLabelValues(source).Add(float64(len(chats)))
	default:
		s.log.Warn("session.stream.full", "room_id", s.roomID, "source", source, "dropped", len(chats))
	}
}
