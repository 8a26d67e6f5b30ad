package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgNotifyChannel = "soulsync_documents"

// pgTimeFormat is RFC3339 with fixed nine-digit nanoseconds. Unlike
// RFC3339Nano it never trims trailing zeros, so the stored text sorts exactly
// like the timestamps it encodes.
const pgTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// PostgresStore is a Store backed by PostgreSQL, holding documents as jsonb
// rows keyed by (path, id).
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//     Close only stops live subscriptions.
//
// Listen model:
//   - Writes issued through this store NOTIFY on a shared channel; each
//     subscription holds a dedicated LISTEN connection, re-reads the changed
//     document and classifies it against its constraints. Writes that bypass
//     the store are not observed.
//
// Ordering caveat: order fields are compared as their jsonb text
// representation, which is correct for the RFC3339 timestamps the chat layer
// stores and for other fixed-width encodings.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	mu   sync.Mutex
	subs map[*pgSub]struct{}
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithPostgresSchema sets the DB schema used by this store (default: "soulsync").
// The schema name is validated and safely quoted in queries.
func WithPostgresSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "soulsync",
		subs:   make(map[*pgSub]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and documents table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.schema, "documents")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + quoteIdent(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			path       text        NOT NULL,
			id         text        NOT NULL,
			data       jsonb       NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (path, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_path_date_idx
			ON ` + table + ` (path, (data->>'date'))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("docstore: ensure schema: %w", err)
		}
	}
	return nil
}

// Close stops live subscriptions. The pool belongs to the caller.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	subs := make([]*pgSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

// Read evaluates the constraints as a SQL query over the jsonb documents.
func (s *PostgresStore) Read(ctx context.Context, path string, constraints []Constraint) (Snapshot, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, errors.New("docstore: nil store")
	}
	plan, err := compile(constraints)
	if err != nil {
		return Snapshot{}, err
	}

	table := pgIdent(s.schema, "documents")
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT id, data FROM ` + table + ` WHERE path = $1`)
	args = append(args, path)

	for _, f := range plan.filters {
		switch f.Op {
		case OpEqual:
			args = append(args, pgText(f.Value))
			fmt.Fprintf(&sb, ` AND data->>%s = $%d`, pgLiteral(f.Field), len(args))
		case OpArrayContains:
			args = append(args, pgText(f.Value))
			fmt.Fprintf(&sb, ` AND data->%s ? $%d`, pgLiteral(f.Field), len(args))
		}
	}

	if plan.startAfter != nil {
		anchor, ok := plan.anchorValue()
		if ok {
			op := ">"
			if plan.desc {
				op = "<"
			}
			args = append(args, pgText(anchor), plan.startAfter.ID)
			fmt.Fprintf(&sb, ` AND (data->>%s, id) %s ($%d, $%d)`,
				pgLiteral(plan.orderField), op, len(args)-1, len(args))
		}
	}

	if plan.orderField != "" {
		dir := "ASC"
		// LimitToLast reads the tail of the window: flip the order, cap,
		// then restore query order in memory.
		if plan.desc != (plan.limitToLast > 0) {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, ` ORDER BY data->>%s %s, id %s`, pgLiteral(plan.orderField), dir, dir)
	}
	if plan.limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, plan.limit)
	}
	if plan.limitToLast > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, plan.limitToLast)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return Snapshot{}, err
		}
		data := make(map[string]any)
		if err := json.Unmarshal(raw, &data); err != nil {
			return Snapshot{}, fmt.Errorf("docstore: decode %s/%s: %w", path, id, err)
		}
		docs = append(docs, Document{Path: path, ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	if plan.limitToLast > 0 {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	return Snapshot{Docs: docs}, nil
}

// Get returns the document at path/id.
func (s *PostgresStore) Get(ctx context.Context, path, id string) (Document, error) {
	table := pgIdent(s.schema, "documents")

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM `+table+` WHERE path = $1 AND id = $2`,
		path, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}

	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, fmt.Errorf("docstore: decode %s/%s: %w", path, id, err)
	}
	return Document{Path: path, ID: id, Data: data}, nil
}

// Create inserts a new document and notifies listeners.
func (s *PostgresStore) Create(ctx context.Context, path, id string, data map[string]any) error {
	raw, err := json.Marshal(normalizeJSON(data))
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", path, id, err)
	}

	table := pgIdent(s.schema, "documents")
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (path, id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (path, id) DO NOTHING`,
		path, id, raw,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("docstore: document %s/%s already exists", path, id)
	}
	return s.notify(ctx, path, id, false)
}

// Update merges fields into an existing document and notifies listeners.
func (s *PostgresStore) Update(ctx context.Context, path, id string, fields map[string]any) error {
	raw, err := json.Marshal(normalizeJSON(fields))
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", path, id, err)
	}

	table := pgIdent(s.schema, "documents")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET data = data || $3 WHERE path = $1 AND id = $2`,
		path, id, raw,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.notify(ctx, path, id, true)
}

func (s *PostgresStore) notify(ctx context.Context, path, id string, update bool) error {
	payload, _ := json.Marshal(pgEvent{Path: path, ID: id, Update: update})
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, string(payload))
	return err
}

type pgEvent struct {
	Path   string `json:"path"`
	ID     string `json:"id"`
	Update bool   `json:"update"`
}

// Listen subscribes to changes in the collection at path via LISTEN/NOTIFY.
func (s *PostgresStore) Listen(path string, constraints []Constraint, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil handler")
	}
	plan, err := compile(constraints)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &pgSub{
		store:       s,
		path:        path,
		plan:        plan,
		constraints: constraints,
		fn:          fn,
		delivered:   make(map[string]bool),
		cancel:      cancel,
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.listen(ctx)
	return sub, nil
}

type pgSub struct {
	store       *PostgresStore
	path        string
	plan        queryPlan
	constraints []Constraint
	fn          Handler
	delivered   map[string]bool
	cancel      context.CancelFunc
	once        sync.Once
}

func (p *pgSub) listen(ctx context.Context) {
	conn, err := p.store.pool.Acquire(ctx)
	if err != nil {
		p.fn(Batch{}, fmt.Errorf("docstore: acquire listen conn: %w", err))
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+quoteIdent(pgNotifyChannel)); err != nil {
		p.fn(Batch{}, fmt.Errorf("docstore: listen: %w", err))
		return
	}

	// Deliver the current matching window as an initial snapshot, the way a
	// remote query listener does. LISTEN is already active, so writes racing
	// this read surface as notifications and are deduplicated by delivered.
	snap, err := p.store.Read(ctx, p.path, p.constraints)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fn(Batch{}, err)
		return
	}
	if len(snap.Docs) > 0 {
		b := Batch{}
		for _, doc := range snap.Docs {
			p.delivered[doc.ID] = true
			b.Changes = append(b.Changes, Change{Kind: Added, Doc: doc})
			b.Docs = append(b.Docs, doc)
		}
		p.fn(b, nil)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fn(Batch{}, err)
			return
		}

		var ev pgEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil || ev.Path != p.path {
			continue
		}

		doc, err := p.store.Get(ctx, ev.Path, ev.ID)
		if err != nil {
			continue
		}

		kind, ok := p.classify(doc, ev.Update)
		if !ok {
			continue
		}
		p.fn(Batch{
			Changes: []Change{{Kind: kind, Doc: doc}},
			Docs:    []Document{doc},
		}, nil)
	}
}

func (p *pgSub) classify(doc Document, update bool) (ChangeKind, bool) {
	if p.delivered[doc.ID] {
		if update {
			return Modified, true
		}
		return Added, false
	}
	if !p.plan.matches(doc) || !p.plan.afterAnchor(doc) {
		return Added, false
	}
	p.delivered[doc.ID] = true
	return Added, true
}

// Stop cancels the subscription (idempotent).
func (p *pgSub) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.store.mu.Lock()
		delete(p.store.subs, p)
		p.store.mu.Unlock()
	})
}

// normalizeJSON converts field values to JSON-stable representations,
// notably RFC3339Nano strings for timestamps so text ordering matches time
// ordering.
func normalizeJSON(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC().Format(pgTimeFormat)
		case map[string]any:
			out[k] = normalizeJSON(t)
		default:
			out[k] = v
		}
	}
	return out
}

// pgText renders a constraint value the way it is stored in jsonb text form.
func pgText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(pgTimeFormat)
	default:
		return fmt.Sprint(t)
	}
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgIdent(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// pgLiteral renders a field name as a SQL string literal for jsonb access.
func pgLiteral(field string) string {
	return `'` + strings.ReplaceAll(field, `'`, `''`) + `'`
}
