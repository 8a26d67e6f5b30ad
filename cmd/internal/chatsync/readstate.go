package chatsync

import (
	"context"
	"sort"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/metrics"
)

// MarkRead registers viewerID as a reader of every document. The write is an
// unconditional union, idempotent at the store level, so re-marking a
// document is harmless. An empty viewer aborts the whole batch before any
// write is attempted.
func (s *RoomSession) MarkRead(ctx context.Context, docs []docstore.Document, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRead(ctx, docs, viewerID)
}

// markRead is MarkRead without the session lock; callers hold s.mu.
// Individual write failures are logged and skipped: the union write is
// retried naturally the next time the document is observed.
func (s *RoomSession) markRead(ctx context.Context, docs []docstore.Document, viewerID string) error {
	if viewerID == "" {
		return ErrIdentityUnavailable
	}
	for _, doc := range docs {
		readers := unionReader(chat.MessageFromDoc(doc).ReadUsers, viewerID)
		if err := s.store.Update(ctx, doc.Path, doc.ID, map[string]any{
			chat.FieldReadUsers: readers,
		}); err != nil {
			s.log.Warn("session.markread.write", "room_id", s.roomID, "doc_id", doc.ID, "err", err)
			continue
		}
		metrics.MarkReadWrites.Inc()
	}
	return nil
}

// unionReader returns readers plus viewerID, deduplicated and sorted so the
// written set is deterministic.
func unionReader(readers []string, viewerID string) []string {
	out := make([]string, 0, len(readers)+1)
	seen := make(map[string]bool, len(readers)+1)
	for _, r := range append(append([]string(nil), readers...), viewerID) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
