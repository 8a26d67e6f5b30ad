// Package docstore abstracts the remote document collection the sync engine
// reads, writes and listens on. Backends exist for an in-memory fixture,
// PostgreSQL, MongoDB and Firestore.
package docstore

import (
	"context"
	"errors"
)

// Operator identifies a query constraint kind.
type Operator int

const (
	// OpEqual filters documents whose field equals the value.
	OpEqual Operator = iota
	// OpArrayContains filters documents whose array field contains the value.
	OpArrayContains
	// OpOrderAsc orders results ascending by the field.
	OpOrderAsc
	// OpOrderDesc orders results descending by the field.
	OpOrderDesc
	// OpLimit caps the result to the first N documents.
	OpLimit
	// OpLimitToLast caps the result to the last N documents of the ordered window.
	OpLimitToLast
	// OpStartAfter anchors the result strictly after a previously seen document.
	OpStartAfter
)

// Constraint is one element of an ordered query constraint list.
type Constraint struct {
	Field string
	Value any
	Op    Operator
}

// Where matches documents whose field equals v.
func Where(field string, v any) Constraint {
	return Constraint{Field: field, Value: v, Op: OpEqual}
}

// ArrayContains matches documents whose array field contains v.
func ArrayContains(field string, v any) Constraint {
	return Constraint{Field: field, Value: v, Op: OpArrayContains}
}

// OrderAsc orders results ascending by field.
func OrderAsc(field string) Constraint {
	return Constraint{Field: field, Op: OpOrderAsc}
}

// OrderDesc orders results descending by field.
func OrderDesc(field string) Constraint {
	return Constraint{Field: field, Op: OpOrderDesc}
}

// Limit caps the result to the first n documents.
func Limit(n int) Constraint {
	return Constraint{Value: n, Op: OpLimit}
}

// LimitToLast caps the result to the last n documents of the ordered window.
func LimitToLast(n int) Constraint {
	return Constraint{Value: n, Op: OpLimitToLast}
}

// StartAfterDoc anchors the query strictly after doc in the query order.
func StartAfterDoc(doc Document) Constraint {
	return Constraint{Value: doc, Op: OpStartAfter}
}

// Document is one stored document plus its location.
type Document struct {
	Path string
	ID   string
	Data map[string]any
}

// Snapshot is the result of a one-shot collection read, in query order.
type Snapshot struct {
	Docs []Document
}

// Last returns the final document of the snapshot, or false when empty.
func (s Snapshot) Last() (Document, bool) {
	if len(s.Docs) == 0 {
		return Document{}, false
	}
	return s.Docs[len(s.Docs)-1], true
}

// First returns the first document of the snapshot, or false when empty.
func (s Snapshot) First() (Document, bool) {
	if len(s.Docs) == 0 {
		return Document{}, false
	}
	return s.Docs[0], true
}

// ChangeKind tags a document change delivered by a subscription.
type ChangeKind int

const (
	// Added means the document newly entered the subscribed window.
	Added ChangeKind = iota
	// Modified means a document already in the window changed.
	Modified
	// Removed means a document left the window.
	Removed
)

// Change is one document-level change within a notification.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Batch is one subscription notification: the changes plus every document
// the notification covers (change order is delivery order, not guaranteed
// chronological).
type Batch struct {
	Changes []Change
	Docs    []Document
}

// Added returns only the documents of Added changes, in delivery order.
func (b Batch) Added() []Document {
	var out []Document
	for _, c := range b.Changes {
		if c.Kind == Added {
			out = append(out, c.Doc)
		}
	}
	return out
}

// Subscription is a cancelable live listener handle.
type Subscription interface {
	// Stop cancels the subscription. Idempotent; no further notifications
	// are delivered after Stop returns.
	Stop()
}

// Handler receives subscription notifications. A non-nil error indicates the
// subscription failed; no batch accompanies it.
type Handler func(Batch, error)

// Store is the consumed document-store capability.
//
// Requirements for implementations:
//   - Read returns documents in constraint order; a failed read returns an error
//     and no partial snapshot.
//   - Create/Update are point writes; Update merges fields into the document.
//   - Listen first delivers the window currently matching the constraints as
//     one batch of Added changes (when non-empty), then delivers change
//     batches until Stop; batches for one subscription are delivered
//     sequentially, never concurrently.
type Store interface {
	Read(ctx context.Context, path string, constraints []Constraint) (Snapshot, error)
	Get(ctx context.Context, path, id string) (Document, error)
	Create(ctx context.Context, path, id string, data map[string]any) error
	Update(ctx context.Context, path, id string, fields map[string]any) error
	Listen(path string, constraints []Constraint, fn Handler) (Subscription, error)
	Close() error
}

// ErrNotFound is returned by Get when no document exists at the id.
var ErrNotFound = errors.New("docstore: document not found")
