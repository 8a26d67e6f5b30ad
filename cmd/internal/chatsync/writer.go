package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/ids"
	"soulsync/cmd/internal/metrics"
)

// Writer appends outbound messages and maintains the rooms' denormalized
// summaries and unread counters.
type Writer struct {
	log   *slog.Logger
	store docstore.Store
}

// NewWriter constructs an outbound message writer.
func NewWriter(log *slog.Logger, store docstore.Store) *Writer {
	return &Writer{log: log, store: store}
}

// SendMessage creates the message document under the room's message
// sub-collection, then updates the room's last-message summary.
//
// The two writes are not atomic: when the summary update fails the call
// reports failure but the already committed message is not rolled back.
// Readers may see the message with a stale room preview until the next
// successful summary write.
func (w *Writer) SendMessage(ctx context.Context, roomID string, msg chat.Message) error {
	if msg.Date.IsZero() {
		msg.Date = time.Now().UTC()
	}
	if msg.ID == "" {
		id, err := ids.NewULID(msg.Date)
		if err != nil {
			return fmt.Errorf("chatsync: message id: %w", err)
		}
		msg.ID = id
	}

	if err := w.store.Create(ctx, chat.MessagesPath(roomID), msg.ID, msg.Fields()); err != nil {
		metrics.SendFailures.WithLabelValues("message").Inc()
		return fmt.Errorf("%w: create message: %v", ErrTransport, err)
	}

	if err := w.store.Update(ctx, chat.RoomsPath, roomID, map[string]any{
		chat.FieldLastMessage: msg.Text,
		chat.FieldLastDate:    msg.Date,
	}); err != nil {
		metrics.SendFailures.WithLabelValues("summary").Inc()
		w.log.Warn("writer.send.summary", "room_id", roomID, "msg_id", msg.ID, "err", err)
		return fmt.Errorf("%w: room summary: %v", ErrTransport, err)
	}

	metrics.MessagesSent.Inc()
	return nil
}

// IncrementUnread bumps the counterpart's unread counter by one.
//
// Read-modify-write on the whole counter map, last write wins: concurrent
// senders can lose increments. That weak-consistency tradeoff is part of the
// contract; upgrading it requires an atomic increment primitive on the store.
func (w *Writer) IncrementUnread(ctx context.Context, roomID, counterpartID string) error {
	doc, err := w.store.Get(ctx, chat.RoomsPath, roomID)
	if err != nil {
		return fmt.Errorf("%w: read room: %v", ErrTransport, err)
	}

	counts := chat.RoomFromDoc(doc).UnreadCount
	counts[counterpartID]++

	if err := w.store.Update(ctx, chat.RoomsPath, roomID, map[string]any{
		chat.FieldUnreadCount: countsField(counts),
	}); err != nil {
		return fmt.Errorf("%w: write counters: %v", ErrTransport, err)
	}
	metrics.UnreadIncrements.Inc()
	return nil
}

// ResetUnread zeroes both participants' counters in one write. Used when the
// viewer's catch-up implies both sides' pending counts are cleared.
func (w *Writer) ResetUnread(ctx context.Context, roomID, selfID, counterpartID string) error {
	if selfID == "" {
		return ErrIdentityUnavailable
	}
	err := w.store.Update(ctx, chat.RoomsPath, roomID, map[string]any{
		chat.FieldUnreadCount: map[string]any{selfID: 0, counterpartID: 0},
	})
	if err != nil {
		return fmt.Errorf("%w: reset counters: %v", ErrTransport, err)
	}
	return nil
}

func countsField(counts map[string]int) map[string]any {
	out := make(map[string]any, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
