package docstore

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore adapts a Firestore client to the Store interface. The
// constraint vocabulary maps one-to-one onto Firestore queries, and Listen
// maps onto query snapshot streams.
//
// The client belongs to the caller; Close only stops live subscriptions.
type FirestoreStore struct {
	client *firestore.Client

	mu   sync.Mutex
	subs map[*fsSub]struct{}
}

// NewFirestoreStore constructs a Firestore-backed Store.
func NewFirestoreStore(client *firestore.Client) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("docstore: nil firestore client")
	}
	return &FirestoreStore{client: client, subs: make(map[*fsSub]struct{})}, nil
}

// Close stops live subscriptions.
func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	subs := make([]*fsSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

// query translates the constraint list onto a Firestore query.
func (s *FirestoreStore) query(path string, constraints []Constraint) (firestore.Query, error) {
	q := s.client.Collection(path).Query
	plan, err := compile(constraints)
	if err != nil {
		return q, err
	}

	for _, f := range plan.filters {
		switch f.Op {
		case OpEqual:
			q = q.Where(f.Field, "==", f.Value)
		case OpArrayContains:
			q = q.Where(f.Field, "array-contains", f.Value)
		}
	}
	if plan.orderField != "" {
		dir := firestore.Asc
		if plan.desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(plan.orderField, dir)
	}
	if plan.startAfter != nil {
		if anchor, ok := plan.anchorValue(); ok {
			q = q.StartAfter(anchor)
		}
	}
	if plan.limit > 0 {
		q = q.Limit(plan.limit)
	}
	if plan.limitToLast > 0 {
		q = q.LimitToLast(plan.limitToLast)
	}
	return q, nil
}

// Read evaluates the constraints as a one-shot query.
func (s *FirestoreStore) Read(ctx context.Context, path string, constraints []Constraint) (Snapshot, error) {
	q, err := s.query(path, constraints)
	if err != nil {
		return Snapshot{}, err
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return Snapshot{}, err
	}

	docs := make([]Document, 0, len(snaps))
	for _, ds := range snaps {
		docs = append(docs, Document{Path: path, ID: ds.Ref.ID, Data: ds.Data()})
	}
	return Snapshot{Docs: docs}, nil
}

// Get returns the document at path/id.
func (s *FirestoreStore) Get(ctx context.Context, path, id string) (Document, error) {
	ds, err := s.client.Collection(path).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return Document{Path: path, ID: id, Data: ds.Data()}, nil
}

// Create inserts a new document.
func (s *FirestoreStore) Create(ctx context.Context, path, id string, data map[string]any) error {
	_, err := s.client.Collection(path).Doc(id).Create(ctx, data)
	return err
}

// Update merges fields into the document.
func (s *FirestoreStore) Update(ctx context.Context, path, id string, fields map[string]any) error {
	_, err := s.client.Collection(path).Doc(id).Set(ctx, fields, firestore.MergeAll)
	return err
}

// Listen subscribes to query snapshot changes.
func (s *FirestoreStore) Listen(path string, constraints []Constraint, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil handler")
	}
	q, err := s.query(path, constraints)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &fsSub{cancel: cancel, store: s}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx, path, q.Snapshots(ctx), fn)
	return sub, nil
}

type fsSub struct {
	store  *FirestoreStore
	cancel context.CancelFunc
	once   sync.Once
}

func (f *fsSub) pump(ctx context.Context, path string, it *firestore.QuerySnapshotIterator, fn Handler) {
	defer it.Stop()

	for {
		qs, err := it.Next()
		if err == iterator.Done || ctx.Err() != nil {
			return
		}
		if err != nil {
			fn(Batch{}, err)
			return
		}
		if len(qs.Changes) == 0 {
			continue
		}

		batch := Batch{Changes: make([]Change, 0, len(qs.Changes))}
		for _, ch := range qs.Changes {
			doc := Document{Path: path, ID: ch.Doc.Ref.ID, Data: ch.Doc.Data()}
			var kind ChangeKind
			switch ch.Kind {
			case firestore.DocumentAdded:
				kind = Added
			case firestore.DocumentModified:
				kind = Modified
			case firestore.DocumentRemoved:
				kind = Removed
			}
			batch.Changes = append(batch.Changes, Change{Kind: kind, Doc: doc})
		}

		// The notification covers the whole current window, so read-state
		// propagation sees every visible document, not only the changed ones.
		all, err := qs.Documents.GetAll()
		if err == nil {
			for _, ds := range all {
				batch.Docs = append(batch.Docs, Document{Path: path, ID: ds.Ref.ID, Data: ds.Data()})
			}
		} else {
			for _, ch := range batch.Changes {
				batch.Docs = append(batch.Docs, ch.Doc)
			}
		}

		fn(batch, nil)
	}
}

// Stop cancels the subscription (idempotent).
func (f *fsSub) Stop() {
	f.once.Do(func() {
		f.cancel()
		f.store.mu.Lock()
		delete(f.store.subs, f)
		f.store.mu.Unlock()
	})
}
