package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// InMemoryStore is a deterministic Store used as the test fixture and as a
// dev fallback when no backend is configured.
//
// Concurrency guarantees:
//   - All operations are safe for concurrent use.
//   - Each subscription delivers notifications sequentially on its own
//     goroutine, in write order.
//   - Handlers may call back into the store; delivery never holds the store lock.
type InMemoryStore struct {
	mu      sync.Mutex
	colls   map[string]*memCollection
	subs    map[int64]*memSub
	nextSub int64
}

type memCollection struct {
	docs  map[string]Document
	order []string // insertion order of IDs
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		colls: make(map[string]*memCollection),
		subs:  make(map[int64]*memSub),
	}
}

// Close stops all live subscriptions.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	subs := make([]*memSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

// Read evaluates the constraints against the collection at path.
func (s *InMemoryStore) Read(ctx context.Context, path string, constraints []Constraint) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	plan, err := compile(constraints)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	var snap []Document
	if c := s.colls[path]; c != nil {
		for _, id := range c.order {
			snap = append(snap, cloneDoc(c.docs[id]))
		}
	}
	s.mu.Unlock()

	var out []Document
	for _, doc := range snap {
		if plan.matches(doc) && plan.afterAnchor(doc) {
			out = append(out, doc)
		}
	}
	if plan.orderField != "" {
		sort.SliceStable(out, func(i, j int) bool { return plan.less(out[i], out[j]) })
	}
	if plan.limit > 0 && len(out) > plan.limit {
		out = out[:plan.limit]
	}
	if plan.limitToLast > 0 && len(out) > plan.limitToLast {
		out = out[len(out)-plan.limitToLast:]
	}
	return Snapshot{Docs: out}, nil
}

// Get returns the document at path/id.
func (s *InMemoryStore) Get(ctx context.Context, path, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.colls[path]
	if c == nil {
		return Document{}, ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// Create inserts a new document and notifies matching subscriptions.
func (s *InMemoryStore) Create(ctx context.Context, path, id string, data map[string]any) error {
	return s.CreateMany(ctx, path, []Document{{ID: id, Data: data}})
}

// CreateMany inserts documents in order and delivers a single change
// notification per subscription, mirroring how remote stores coalesce rapid
// writes into one snapshot delivery.
func (s *InMemoryStore) CreateMany(ctx context.Context, path string, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	c := s.colls[path]
	if c == nil {
		c = &memCollection{docs: make(map[string]Document)}
		s.colls[path] = c
	}
	inserted := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			s.mu.Unlock()
			return errors.New("docstore: empty document id")
		}
		if _, exists := c.docs[d.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("docstore: document %s/%s already exists", path, d.ID)
		}
		doc := Document{Path: path, ID: d.ID, Data: cloneData(d.Data)}
		c.docs[d.ID] = doc
		c.order = append(c.order, d.ID)
		inserted = append(inserted, doc)
	}
	s.notifyLocked(path, inserted, false)
	s.mu.Unlock()
	return nil
}

// Update merges fields into an existing document and notifies subscriptions.
func (s *InMemoryStore) Update(ctx context.Context, path, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	c := s.colls[path]
	if c == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	doc = cloneDoc(doc)
	for k, v := range fields {
		doc.Data[k] = v
	}
	c.docs[id] = doc
	s.notifyLocked(path, []Document{doc}, true)
	s.mu.Unlock()
	return nil
}

// Listen registers a subscription for changes in the collection at path.
func (s *InMemoryStore) Listen(path string, constraints []Constraint, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil handler")
	}
	plan, err := compile(constraints)
	if err != nil {
		return nil, err
	}

	sub := &memSub{
		store:     s,
		path:      path,
		plan:      plan,
		fn:        fn,
		delivered: make(map[string]bool),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	s.mu.Lock()
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub

	// Replay the current matching window as the first notification, the way
	// a remote query listener delivers its initial snapshot. Anything written
	// between a previous listener's teardown and this registration is
	// surfaced here instead of being lost.
	var initial []Document
	if c := s.colls[path]; c != nil {
		for _, id := range c.order {
			doc := c.docs[id]
			if plan.matches(doc) && plan.afterAnchor(doc) {
				sub.delivered[doc.ID] = true
				initial = append(initial, cloneDoc(doc))
			}
		}
	}
	if len(initial) > 0 {
		if plan.orderField != "" {
			sort.SliceStable(initial, func(i, j int) bool { return plan.less(initial[i], initial[j]) })
		}
		b := Batch{}
		for _, doc := range initial {
			b.Changes = append(b.Changes, Change{Kind: Added, Doc: doc})
			b.Docs = append(b.Docs, doc)
		}
		sub.enqueue(b)
	}
	s.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// notifyLocked routes changed documents to matching subscriptions.
// Caller holds s.mu; delivery itself happens on each subscription's pump.
func (s *InMemoryStore) notifyLocked(path string, docs []Document, update bool) {
	for _, sub := range s.subs {
		if sub.path != path {
			continue
		}
		var changes []Change
		for _, doc := range docs {
			kind, ok := sub.classify(doc, update)
			if !ok {
				continue
			}
			changes = append(changes, Change{Kind: kind, Doc: cloneDoc(doc)})
		}
		if len(changes) == 0 {
			continue
		}
		batch := Batch{Changes: changes}
		for _, ch := range changes {
			batch.Docs = append(batch.Docs, ch.Doc)
		}
		sub.enqueue(batch)
	}
}

type memSub struct {
	store *InMemoryStore
	id    int64
	path  string
	plan  queryPlan
	fn    Handler

	delivered map[string]bool // IDs this subscription already surfaced

	qmu   sync.Mutex
	queue []Batch
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

// classify decides whether doc is visible to this subscription and with which
// change kind. Caller holds the store lock.
func (m *memSub) classify(doc Document, update bool) (ChangeKind, bool) {
	if m.delivered[doc.ID] {
		if update {
			return Modified, true
		}
		return Added, false
	}
	if !m.plan.matches(doc) || !m.plan.afterAnchor(doc) {
		return Added, false
	}
	m.delivered[doc.ID] = true
	return Added, true
}

func (m *memSub) enqueue(b Batch) {
	m.qmu.Lock()
	m.queue = append(m.queue, b)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *memSub) pump() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}

		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			b := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()

			select {
			case <-m.quit:
				return
			default:
			}
			m.fn(b, nil)
		}
	}
}

// Stop cancels the subscription (idempotent).
func (m *memSub) Stop() {
	m.once.Do(func() {
		close(m.quit)
		m.store.mu.Lock()
		delete(m.store.subs, m.id)
		m.store.mu.Unlock()
	})
}

func cloneDoc(d Document) Document {
	return Document{Path: d.Path, ID: d.ID, Data: cloneData(d.Data)}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		case map[string]any:
			out[k] = cloneData(vv)
		default:
			out[k] = v
		}
	}
	return out
}
