package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soulsync/cmd/internal/chatsync"
	"soulsync/cmd/internal/identity"
)

// App wires the configured document store, the viewer identity and the HTTP
// surface (health, metrics, websocket bridge) together.
type App struct {
	cfg Config
	log Logger
}

// New validates configuration and constructs the app.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		return nil, errors.New("app: nil logger")
	}
	return &App{cfg: cfg, log: log}, nil
}

// Run opens the store and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	store, cleanup, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = store.Close() }()

	ident := identity.Static(a.cfg.ViewerID)
	bridge := newWSBridge(a.log, a.cfg, store, ident)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", bridge.handle)
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		uid, err := ident.CurrentUserID()
		if err != nil {
			http.Error(w, "viewer not configured", http.StatusServiceUnavailable)
			return
		}
		rooms, err := chatsync.ListRooms(r.Context(), store, uid)
		if err != nil {
			a.log.Warn("http.rooms", "err", err)
			http.Error(w, "rooms unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rooms)
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http.listen", "addr", a.cfg.HTTPAddr, "store", a.cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Info("http.shutdown")
	return nil
}
