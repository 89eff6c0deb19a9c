// Package livecoll defines the Live Collection contract the chat core consumes:
// an ordered document collection that can be read once, written with append
// and merge semantics, and subscribed to for change snapshots.
//
// Paths follow the document-store convention of alternating collection and
// document segments, e.g. "chats/u1_u2/messages" (a collection) and
// "chats/u1_u2/messages/01HV..." (a document).
package livecoll

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document path does not exist.
	ErrNotFound = errors.New("livecoll: document not found")

	// ErrInvalidPath is returned for malformed or wrongly-typed paths.
	ErrInvalidPath = errors.New("livecoll: invalid path")

	// ErrClosed is returned by stores that have been shut down.
	ErrClosed = errors.New("livecoll: store closed")
)

// ChangeKind classifies a single document change inside an Event.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Direction is the sort direction of a subscription's backfill.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Document is one stored record. Path is the full document path; ID is its
// last segment.
type Document struct {
	ID     string
	Path   string
	Fields Fields
}

// Change is one entry of a snapshot diff.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Event is delivered to a subscription Handler. The first event of every
// subscription carries the backfill as Added changes (possibly none). An Event
// with a non-nil Err reports that the subscription failed; no further events
// follow it.
type Event struct {
	Changes []Change
	Err     error
}

// Handler receives events. Calls for one subscription are serialized and
// arrive in the order the store applied the writes.
type Handler func(Event)

// Query selects a collection and how its backfill is ordered. Limit > 0
// restricts the backfill to the last Limit documents in OrderBy order; it does
// not affect later events.
type Query struct {
	Path      string
	OrderBy   string
	Direction Direction
	Limit     int
}

// Subscription is a live query handle.
type Subscription interface {
	// Close stops delivery. Handlers already running may still complete;
	// consumers guard against late events themselves.
	Close() error
}

// Store is the Live Collection client.
type Store interface {
	Subscribe(ctx context.Context, q Query, fn Handler) (Subscription, error)
	Append(ctx context.Context, collection string, fields Fields) (string, error)
	// GetOnce reads a collection (all documents, ordered by id) or a single
	// document (zero or one result) depending on the path shape.
	GetOnce(ctx context.Context, path string) ([]Document, error)
	SetMerge(ctx context.Context, docPath string, fields Fields) error
	Delete(ctx context.Context, docPath string) error
	Close() error
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Segments splits a path and validates that no segment is empty.
func Segments(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " .*>") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// IsDocumentPath reports whether path names a document (even segment count).
func IsDocumentPath(path string) bool {
	parts, err := Segments(path)
	return err == nil && len(parts)%2 == 0
}

// IsCollectionPath reports whether path names a collection (odd segment count).
func IsCollectionPath(path string) bool {
	parts, err := Segments(path)
	return err == nil && len(parts)%2 == 1
}

// SplitDocument returns the parent collection and id of a document path.
func SplitDocument(docPath string) (collection, id string, err error) {
	if !IsDocumentPath(docPath) {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, docPath)
	}
	i := strings.LastIndex(docPath, "/")
	return docPath[:i], docPath[i+1:], nil
}
