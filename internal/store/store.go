// Package store defines the durable document store the ledger core is built
// against: keyed JSON documents grouped into
// collections, partial updates, generated-key appends, full-collection reads
// in insertion order, and snapshot subscriptions that deliver the complete
// collection after every visible mutation.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get and Update when no document has the key.
var ErrNotFound = errors.New("document not found")

// Document is one stored record with its key and raw JSON body.
type Document struct {
	Key  string
	Data json.RawMessage
}

// OnChange receives the full snapshot of a collection, in insertion order.
// Delivery is decoupled from the committing writer: a slow callback only
// delays its own subscription, and snapshots it never got around to reading
// may be coalesced into the latest one. The slice must not be retained past
// the call.
type OnChange func(docs []Document)

// Unsubscribe stops further notifications and releases the subscription's
// resources. It is safe to call more than once.
type Unsubscribe func()

// Store is the durable storage collaborator. Implementations must make
// single-document writes atomic and must deliver subscription snapshots
// eventually after each committed mutation, with no cross-subscriber
// ordering guarantee.
type Store interface {
	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)
	// Put stores data under key, creating or replacing the document.
	Put(ctx context.Context, collection, key string, data json.RawMessage) error
	// Update merges the top-level fields of partial into the existing
	// document, or returns ErrNotFound.
	Update(ctx context.Context, collection, key string, partial json.RawMessage) error
	// Append stores data under a generated key and returns that key.
	// Appended documents keep their insertion order in ListAll.
	Append(ctx context.Context, collection string, data json.RawMessage) (string, error)
	// ListAll returns every document in the collection in insertion order.
	ListAll(ctx context.Context, collection string) ([]Document, error)
	// Subscribe registers onChange for the collection. The current snapshot
	// is delivered once immediately; later mutations are delivered
	// asynchronously, coalesced to the latest state.
	Subscribe(collection string, onChange OnChange) (Unsubscribe, error)
	// InTx runs fn as one atomic unit: either every mutation issued through
	// ctx commits, or none of them is observable. Change notifications for
	// collections touched inside fn fire only after commit.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
