package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Store backed by a single MongoDB collection holding one row
// per document: {_id: "<path>|<id>", path, doc_id, data}.
//
// Listen is implemented with change streams, so live subscriptions require a
// replica set (or a hosted deployment that provides one). Constraints are
// applied client-side per event, mirroring the in-memory classification.
type MongoStore struct {
	coll *mongo.Collection

	mu   sync.Mutex
	subs map[*mongoSub]struct{}
}

// NewMongoStore constructs a Store over the given collection.
func NewMongoStore(coll *mongo.Collection) (*MongoStore, error) {
	if coll == nil {
		return nil, errors.New("docstore: nil collection")
	}
	return &MongoStore{coll: coll, subs: make(map[*mongoSub]struct{})}, nil
}

// Close stops live subscriptions. The mongo client belongs to the caller.
func (s *MongoStore) Close() error {
	s.mu.Lock()
	subs := make([]*mongoSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

func mongoKey(path, id string) string {
	return path + "|" + id
}

// Read evaluates the constraints as a find query.
func (s *MongoStore) Read(ctx context.Context, path string, constraints []Constraint) (Snapshot, error) {
	plan, err := compile(constraints)
	if err != nil {
		return Snapshot{}, err
	}

	filter := bson.M{"path": path}
	for _, f := range plan.filters {
		// Equality on an array field matches containment in Mongo, which is
		// exactly the array-contains semantics both operators need.
		filter["data."+f.Field] = toBSONValue(f.Value)
	}
	if plan.startAfter != nil {
		if anchor, ok := plan.anchorValue(); ok {
			field := "data." + plan.orderField
			rangeOp, tieOp := "$gt", "$gt"
			if plan.desc {
				rangeOp, tieOp = "$lt", "$lt"
			}
			av := toBSONValue(anchor)
			filter["$or"] = bson.A{
				bson.M{field: bson.M{rangeOp: av}},
				bson.M{field: av, "doc_id": bson.M{tieOp: plan.startAfter.ID}},
			}
		}
	}

	opts := options.Find()
	if plan.orderField != "" {
		dir := 1
		if plan.desc != (plan.limitToLast > 0) {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: "data." + plan.orderField, Value: dir}, {Key: "doc_id", Value: dir}})
	}
	if plan.limit > 0 {
		opts.SetLimit(int64(plan.limit))
	}
	if plan.limitToLast > 0 {
		opts.SetLimit(int64(plan.limitToLast))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []Document
	for cur.Next(ctx) {
		var row mongoRow
		if err := cur.Decode(&row); err != nil {
			return Snapshot{}, err
		}
		docs = append(docs, row.document(path))
	}
	if err := cur.Err(); err != nil {
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
func (s *MongoStore) Get(ctx context.Context, path, id string) (Document, error) {
	var row mongoRow
	err := s.coll.FindOne(ctx, bson.M{"_id": mongoKey(path, id)}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return row.document(path), nil
}

// Create inserts a new document.
func (s *MongoStore) Create(ctx context.Context, path, id string, data map[string]any) error {
	_, err := s.coll.InsertOne(ctx, bson.M{
		"_id":    mongoKey(path, id),
		"path":   path,
		"doc_id": id,
		"data":   toBSONMap(data),
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("docstore: document %s/%s already exists", path, id)
	}
	return err
}

// Update merges fields into an existing document.
func (s *MongoStore) Update(ctx context.Context, path, id string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range toBSONMap(fields) {
		set["data."+k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": mongoKey(path, id)}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Listen subscribes via a change stream filtered to the collection path.
func (s *MongoStore) Listen(path string, constraints []Constraint, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil handler")
	}
	plan, err := compile(constraints)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{
		"operationType":     bson.M{"$in": bson.A{"insert", "update", "replace"}},
		"fullDocument.path": path,
	}}}}
	cs, err := s.coll.Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &mongoSub{
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

	go sub.pump(ctx, cs)
	return sub, nil
}

type mongoSub struct {
	store       *MongoStore
	path        string
	plan        queryPlan
	constraints []Constraint
	fn          Handler
	delivered   map[string]bool
	cancel      context.CancelFunc
	once        sync.Once
}

func (m *mongoSub) pump(ctx context.Context, cs *mongo.ChangeStream) {
	defer func() { _ = cs.Close(context.Background()) }()

	// The change stream is already open, so events racing this read are
	// buffered and deduplicated by delivered. Deliver the current matching
	// window first, like a remote query listener's initial snapshot.
	snap, err := m.store.Read(ctx, m.path, m.constraints)
	if err != nil {
		if ctx.Err() == nil {
			m.fn(Batch{}, err)
		}
		return
	}
	if len(snap.Docs) > 0 {
		b := Batch{}
		for _, doc := range snap.Docs {
			m.delivered[doc.ID] = true
			b.Changes = append(b.Changes, Change{Kind: Added, Doc: doc})
			b.Docs = append(b.Docs, doc)
		}
		m.fn(b, nil)
	}

	for cs.Next(ctx) {
		var ev struct {
			OperationType string   `bson:"operationType"`
			FullDocument  mongoRow `bson:"fullDocument"`
		}
		if err := cs.Decode(&ev); err != nil {
			continue
		}

		doc := ev.FullDocument.document(m.path)
		kind, ok := m.classify(doc, ev.OperationType != "insert")
		if !ok {
			continue
		}
		m.fn(Batch{
			Changes: []Change{{Kind: kind, Doc: doc}},
			Docs:    []Document{doc},
		}, nil)
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		m.fn(Batch{}, err)
	}
}

func (m *mongoSub) classify(doc Document, update bool) (ChangeKind, bool) {
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

// Stop cancels the subscription (idempotent).
func (m *mongoSub) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.store.mu.Lock()
		delete(m.store.subs, m)
		m.store.mu.Unlock()
	})
}

type mongoRow struct {
	DocID string `bson:"doc_id"`
	Data  bson.M `bson:"data"`
}

func (r mongoRow) document(path string) Document {
	return Document{Path: path, ID: r.DocID, Data: fromBSONMap(r.Data)}
}

// toBSONMap / toBSONValue keep values BSON-friendly; time.Time round-trips as
// a native BSON date.
func toBSONMap(data map[string]any) bson.M {
	out := bson.M{}
	for k, v := range data {
		out[k] = toBSONValue(v)
	}
	return out
}

func toBSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toBSONMap(t)
	case []string:
		arr := make(bson.A, 0, len(t))
		for _, e := range t {
			arr = append(arr, e)
		}
		return arr
	default:
		return v
	}
}

// fromBSONMap converts decoded BSON kinds back to the loose document form
// the rest of the engine expects.
func fromBSONMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fromBSONValue(v)
	}
	return out
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.A:
		arr := make([]any, 0, len(t))
		for _, e := range t {
			arr = append(arr, fromBSONValue(e))
		}
		return arr
	case bson.M:
		return fromBSONMap(t)
	case bson.D:
		// Interface-typed sub-documents decode as bson.D by default.
		m := bson.M{}
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return fromBSONMap(m)
	case int32:
		return int(t)
	case int64:
		return int(t)
	default:
		return v
	}
}
