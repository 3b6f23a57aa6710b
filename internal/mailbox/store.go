// Package mailbox defines the shared document store two participants use as
// an indirect message channel, and an in-process implementation of it.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a record is absent.
	ErrNotFound = errors.New("mailbox: record not found")
	// ErrConflict is returned by Merge when the record changed underneath the
	// caller or no longer matches the expected fields.
	ErrConflict = errors.New("mailbox: conflicting write")
)

// Document is a record as a set of independently encoded top-level fields.
// A nil Document in a snapshot means the record is absent.
type Document map[string]json.RawMessage

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Store is the mailbox contract: single records with last-write-wins
// semantics and snapshot subscriptions, plus append-only logs with one
// delivery per inserted entry. No cross-record transactions are offered.
type Store interface {
	// Put creates or fully overwrites the record at key.
	Put(ctx context.Context, key string, doc Document) error
	// Merge sets fields on an existing record. Every field in expect must
	// currently hold exactly the given bytes. Returns ErrNotFound when the
	// record is absent and ErrConflict when expect does not match.
	Merge(ctx context.Context, key string, expect, fields Document) error
	// Get reads the record at key or returns ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)
	// Delete removes records and logs. Absent keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// DeleteIf removes the record at key, together with the keys in also,
	// only while every field in expect matches. It reports whether anything
	// was deleted.
	DeleteIf(ctx context.Context, key string, expect Document, also ...string) (bool, error)
	// Watch delivers the current snapshot of key and then a fresh snapshot
	// after every change. Rapid changes may be coalesced.
	Watch(ctx context.Context, key string) (*Subscription[Document], error)

	// Append adds an entry to the log at key.
	Append(ctx context.Context, key string, entry []byte) error
	// Tail delivers every entry of the log at key, from the first, in
	// insertion order, and keeps following it.
	Tail(ctx context.Context, key string) (*Subscription[[]byte], error)
}
