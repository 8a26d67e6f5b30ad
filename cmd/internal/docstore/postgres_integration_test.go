package docstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require SOULSYNC_TEST_DATABASE_URL.
// Unreachable Postgres skips them to keep local runs fast.

func TestPostgresStore_ReadWriteWindow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	s := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	path := "ChatRooms/r1/Messages"
	for i, id := range []string{"m1", "m2", "m3"} {
		err := s.Create(ctx, path, id, map[string]any{
			"userId":    "alice",
			"date":      testBase.Add(time.Duration(i) * time.Minute),
			"readUsers": []string{"alice"},
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	snap, err := s.Read(ctx, path, []Constraint{OrderAsc("date"), LimitToLast(2)})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !sameIDs(snapshotIDs(snap), []string{"m2", "m3"}) {
		t.Fatalf("limit-to-last: got %v", snapshotIDs(snap))
	}

	anchor, err := s.Get(ctx, path, "m2")
	if err != nil {
		t.Fatalf("get anchor: %v", err)
	}
	snap, err = s.Read(ctx, path, []Constraint{OrderAsc("date"), StartAfterDoc(anchor)})
	if err != nil {
		t.Fatalf("read after anchor: %v", err)
	}
	if !sameIDs(snapshotIDs(snap), []string{"m3"}) {
		t.Fatalf("anchor: got %v", snapshotIDs(snap))
	}

	snap, err = s.Read(ctx, path, []Constraint{ArrayContains("readUsers", "alice"), OrderAsc("date")})
	if err != nil {
		t.Fatalf("read array-contains: %v", err)
	}
	if len(snap.Docs) != 3 {
		t.Fatalf("array-contains: got %v", snapshotIDs(snap))
	}
}

func TestPostgresStore_ListenRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	s := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	path := "ChatRooms/r1/Messages"
	if err := s.Create(ctx, path, "m1", map[string]any{"userId": "a", "date": testBase}); err != nil {
		t.Fatalf("create m1: %v", err)
	}

	batches := make(chan Batch, 8)
	sub, err := s.Listen(path, []Constraint{OrderAsc("date")}, func(b Batch, err error) {
		if err != nil {
			return
		}
		batches <- b
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sub.Stop()

	b := waitBatch(t, batches)
	if got := b.Added(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("initial snapshot: got %+v", b.Changes)
	}

	if err := s.Create(ctx, path, "m2", map[string]any{"userId": "a", "date": testBase.Add(time.Minute)}); err != nil {
		t.Fatalf("create m2: %v", err)
	}
	b = waitBatch(t, batches)
	if got := b.Added(); len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("create batch: got %+v", b.Changes)
	}

	if err := s.Update(ctx, path, "m2", map[string]any{"readUsers": []string{"a", "b"}}); err != nil {
		t.Fatalf("update m2: %v", err)
	}
	b = waitBatch(t, batches)
	if len(b.Changes) != 1 || b.Changes[0].Kind != Modified {
		t.Fatalf("update batch: got %+v", b.Changes)
	}
}

func mustNewTestStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "soulsync_it_" + hex.EncodeToString(buf)

	s, err := NewPostgresStore(pool, WithPostgresSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+quoteIdent(schema)+` CASCADE`)
	})
	return s
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SOULSYNC_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SOULSYNC_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SOULSYNC_TEST_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}
