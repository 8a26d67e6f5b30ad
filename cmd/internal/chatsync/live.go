package chatsync

import (
	"context"
	"sort"
	"sync"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/metrics"
)

// liveLoop is the self-renewing listener for counterpart messages.
//
// State machine: Idle -> Listening -> (batch) Processing -> Listening'
// (re-armed at the advanced cursor) -> ... -> Idle on Stop.
//
// Exactly one store subscription is active at a time. After a batch that
// advances the newest-seen cursor, the loop tears the subscription down and
// arms a fresh one anchored at the new cursor. The cursor, not an open
// connection, is the source of truth for what has been delivered: a stop and
// restart can neither reprocess nor skip documents. A batch arriving in the
// teardown/re-arm window can be missed; the empty-batch guard below keeps
// that window from turning into a re-subscribe loop, and the next anchored
// subscription surfaces anything missed.
type liveLoop struct {
	s        *RoomSession
	viewerID string

	batches chan docstore.Batch
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	// sub is owned by the run goroutine after start.
	sub docstore.Subscription
}

// StartLive arms the live subscription for the session's room. It fails with
// ErrIdentityUnavailable when the viewer cannot be resolved and with
// ErrLiveActive when a loop is already running.
func (s *RoomSession) StartLive(ctx context.Context) error {
	uid, err := s.ident.CurrentUserID()
	if err != nil {
		return ErrIdentityUnavailable
	}

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if s.live != nil {
		return ErrLiveActive
	}

	l := &liveLoop{
		s:        s,
		viewerID: uid,
		batches:  make(chan docstore.Batch, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	sub, err := l.arm()
	if err != nil {
		return err
	}
	l.sub = sub
	s.live = l

	go l.run(ctx)

	s.log.Info("live.start", "room_id", s.roomID, "viewer_id", uid)
	return nil
}

// StopLive transitions the loop to Idle, releasing the active subscription.
// Safe to call when no loop is running. Immediate: in-flight batches are not
// drained.
func (s *RoomSession) StopLive() {
	s.liveMu.Lock()
	l := s.live
	s.live = nil
	s.liveMu.Unlock()

	if l == nil {
		return
	}
	l.halt()
	s.log.Info("live.stop", "room_id", s.roomID)
}

// arm establishes a store subscription anchored strictly after the current
// newest-seen cursor (unconstrained when unset).
func (l *liveLoop) arm() (docstore.Subscription, error) {
	l.s.mu.Lock()
	constraints := []docstore.Constraint{docstore.OrderAsc(chat.FieldDate)}
	if l.s.newestSeen != nil {
		constraints = append(constraints, docstore.StartAfterDoc(*l.s.newestSeen))
	}
	l.s.mu.Unlock()

	return l.s.store.Listen(chat.MessagesPath(l.s.roomID), constraints, func(b docstore.Batch, err error) {
		if err != nil {
			l.s.log.Error("live.listen", "room_id", l.s.roomID, "err", err)
			return
		}
		select {
		case l.batches <- b:
		case <-l.stop:
		}
	})
}

func (l *liveLoop) run(ctx context.Context) {
	defer func() {
		l.s.liveMu.Lock()
		if l.s.live == l {
			l.s.live = nil
		}
		l.s.liveMu.Unlock()
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			l.teardown()
			return
		case <-l.stop:
			l.teardown()
			return
		case b := <-l.batches:
			l.process(ctx, b)
		}
	}
}

// process handles one delivered batch.
func (l *liveLoop) process(ctx context.Context, b docstore.Batch) {
	// Additions only; edits and removals are outside the delivery contract.
	added := b.Added()
	if len(added) == 0 {
		// Stay listening. Re-arming on a no-op batch would tight-loop
		// against stores that echo modifications.
		return
	}

	l.s.mu.Lock()

	// A torn-down subscription can still have deliveries queued, and the
	// renewed subscription's initial snapshot overlaps them. The cursor, not
	// the subscription, decides what is new: drop anything at or before it.
	docByID := make(map[string]docstore.Document, len(added))
	msgs := make([]chat.Message, 0, len(added))
	for _, doc := range added {
		m := chat.MessageFromDoc(doc)
		if l.s.newestSeen != nil && !afterDoc(m, *l.s.newestSeen) {
			continue
		}
		docByID[m.ID] = doc
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		// Everything already delivered. Stay listening.
		l.s.mu.Unlock()
		return
	}

	// Delivery order is store-specific; restore ascending chronological order.
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Date.Before(msgs[j].Date)
	})

	// The viewer already knows its own messages locally.
	others := make([]chat.Chat, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID == l.viewerID {
			continue
		}
		m.ReadUsers = unionReader(m.ReadUsers, l.viewerID)
		m.State = chat.StateValidated
		others = append(others, m.Chat(l.viewerID))
	}
	if len(others) == 0 {
		// Entirely self-authored echoes: no publish, no cursor advance,
		// no re-arm.
		l.s.mu.Unlock()
		return
	}

	// Read-state applies to every newly visible document, self-authored
	// included, not just the published subset.
	if err := l.s.markRead(ctx, b.Docs, l.viewerID); err != nil {
		l.s.log.Warn("live.markread", "room_id", l.s.roomID, "err", err)
	}
	// msgs is sorted, so its tail is the (date, id) maximum; anchoring there
	// means equal-date siblings are never re-admitted by the next window.
	newest := docByID[msgs[len(msgs)-1].ID]
	l.s.newestSeen = &newest
	l.s.mu.Unlock()

	select {
	case l.s.messages <- others:
		metrics.MessagesPublished.WithLabelValues("live").Add(float64(len(others)))
	case <-l.stop:
		return
	}

	// Tear down and re-arm anchored at the advanced cursor.
	l.sub.Stop()
	sub, err := l.arm()
	if err != nil {
		l.s.log.Error("live.rearm", "room_id", l.s.roomID, "err", err)
		l.halt()
		return
	}
	l.sub = sub
	metrics.LiveRearms.Inc()
	l.s.log.Debug("live.rearm", "room_id", l.s.roomID, "anchor_id", newest.ID)
}

func (l *liveLoop) teardown() {
	if l.sub != nil {
		l.sub.Stop()
	}
}

// halt signals the run goroutine to exit (idempotent).
func (l *liveLoop) halt() {
	l.once.Do(func() { close(l.stop) })
}

// afterDoc reports whether m sorts strictly after the cursor document in the
// engine's (date, id) order.
func afterDoc(m chat.Message, cursor docstore.Document) bool {
	c := chat.MessageFromDoc(cursor)
	if !m.Date.Equal(c.Date) {
		return m.Date.After(c.Date)
	}
	return m.ID > c.ID
}
