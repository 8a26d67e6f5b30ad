package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"soulsync/cmd/internal/chat"
	"soulsync/cmd/internal/chatsync"
	"soulsync/cmd/internal/docstore"
	"soulsync/cmd/internal/identity"
)

// wsBridge exposes a room's message stream over a websocket: it replays both
// catchup phases, arms the live loop and forwards every published batch.
// Inbound frames are outbound sends.
type wsBridge struct {
	log   Logger
	store docstore.Store
	ident identity.Provider

	originPatterns []string
	catchupLimit   int
	historyPage    int
}

// wsChat is the wire form of one streamed message.
type wsChat struct {
	UserID    string    `json:"user_id"`
	IsMe      bool      `json:"is_me"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	ReadUsers []string  `json:"read_users"`
	State     string    `json:"state"`
}

// wsSend is one inbound send request.
type wsSend struct {
	Text string `json:"text"`
	To   string `json:"to"`
}

func newWSBridge(log Logger, cfg Config, store docstore.Store, ident identity.Provider) *wsBridge {
	return &wsBridge{
		log:            log,
		store:          store,
		ident:          ident,
		originPatterns: originPatterns(cfg.WSOrigins),
		catchupLimit:   cfg.CatchupLimit,
		historyPage:    cfg.HistoryPage,
	}
}

func (b *wsBridge) handle(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.originPatterns,
	})
	if err != nil {
		b.log.Warn("ws.accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "bridge closed")

	ctx := r.Context()
	sess := chatsync.NewRoomSession(b.log, b.store, b.ident, roomID,
		chatsync.WithCatchupLimit(b.catchupLimit),
		chatsync.WithHistoryPage(b.historyPage),
	)
	defer sess.Close()

	// Replay both catchup phases before going live. The batches reach the
	// client through the session stream, drained by the forward loop below;
	// writing the returned values here as well would deliver them twice.
	for _, load := range []func(context.Context) ([]chat.Chat, error){
		sess.LoadReadCatchup,
		sess.LoadUnreadCatchup,
	} {
		if _, err := load(ctx); err != nil {
			b.log.Warn("ws.catchup", "room_id", roomID, "err", err)
		}
	}

	if err := sess.StartLive(ctx); err != nil {
		b.log.Error("ws.live.start", "room_id", roomID, "err", err)
		conn.Close(websocket.StatusInternalError, "live unavailable")
		return
	}

	go b.readSends(ctx, conn, roomID)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case batch := <-sess.Messages():
			if err := b.writeBatch(ctx, conn, batch); err != nil {
				return
			}
		}
	}
}

func (b *wsBridge) writeBatch(ctx context.Context, conn *websocket.Conn, chats []chat.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	out := make([]wsChat, 0, len(chats))
	for _, c := range chats {
		out = append(out, wsChat{
			UserID:    c.UserID,
			IsMe:      c.IsMe,
			Text:      c.Text,
			Date:      c.Date,
			ReadUsers: c.ReadUsers,
			State:     string(c.State),
		})
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, out)
}

// readSends turns inbound frames into outbound message writes.
func (b *wsBridge) readSends(ctx context.Context, conn *websocket.Conn, roomID string) {
	uid, err := b.ident.CurrentUserID()
	if err != nil {
		b.log.Warn("ws.send.identity", "room_id", roomID, "err", err)
		return
	}
	writer := chatsync.NewWriter(b.log, b.store)

	for {
		var in wsSend
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				b.log.Debug("ws.read", "room_id", roomID, "err", err)
			}
			return
		}
		if strings.TrimSpace(in.Text) == "" {
			continue
		}

		msg := chat.Message{
			UserID:    uid,
			Text:      in.Text,
			Date:      time.Now().UTC(),
			ReadUsers: []string{uid},
			State:     chat.StateValidated,
		}
		if err := writer.SendMessage(ctx, roomID, msg); err != nil {
			b.log.Warn("ws.send", "room_id", roomID, "err", err)
			continue
		}
		if in.To != "" {
			if err := writer.IncrementUnread(ctx, roomID, in.To); err != nil {
				b.log.Warn("ws.send.unread", "room_id", roomID, "err", err)
			}
		}
	}
}

// originPatterns converts a comma-separated origin list to host patterns for
// websocket.Accept.
func originPatterns(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		o = strings.TrimPrefix(o, "http://")
		o = strings.TrimPrefix(o, "https://")
		if o != "" {
			out = append(out, o, o+":*")
		}
	}
	return out
}
