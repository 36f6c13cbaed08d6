// Package store defines the path-addressed real-time document store the
// timer and scoring cores read and write through. Documents are flat JSON
// objects keyed by hierarchical paths; writes from any client become visible
// to every subscriber of the written path. There is no cross-path atomicity.
package store

import (
	"context"
	"encoding/json"
	"strings"
)

// Document is one JSON object held at a path. Values are what encoding/json
// produces for an object field: bool, float64, string, nil, []any or
// map[string]any, plus int64 for fields written via Increment.
type Document map[string]any

// Event is delivered to subscribers after a committed write. Doc is nil when
// the path was deleted.
type Event struct {
	Path string
	Doc  Document
}

// Store is the realtime store contract. Set replaces the whole document,
// Update shallow-merges fields into it, Increment atomically adds to a
// numeric field (creating document and field as needed) and returns the new
// value. Subscribe accepts either an exact path or a prefix pattern ending
// in "/*"; the returned cancel must be called to release the subscription.
type Store interface {
	Get(ctx context.Context, path string) (Document, bool, error)
	Set(ctx context.Context, path string, doc Document) error
	Update(ctx context.Context, path string, partial Document) error
	Increment(ctx context.Context, path, field string, delta int64) (int64, error)
	Delete(ctx context.Context, path string) error
	// DeleteTree removes every document matching a "/*" pattern.
	DeleteTree(ctx context.Context, pattern string) error
	// List returns the documents matching a "/*" pattern, keyed by the path
	// segment that replaced the wildcard.
	List(ctx context.Context, pattern string) (map[string]Document, error)
	Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error)
	// ServerNow reports the store's own wall clock, letting skewed clients
	// compute a correction offset during resync.
	ServerNow(ctx context.Context) (int64, error)
}

// Marshal converts any JSON-encodable struct into a Document.
func Marshal(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Unmarshal decodes a Document into a struct.
func Unmarshal(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Int64 coerces a document field to int64, tolerating the numeric types the
// different store backends produce.
func Int64(doc Document, field string) (int64, bool) {
	switch n := doc[field].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		v, err := n.Int64()
		return v, err == nil
	default:
		return 0, false
	}
}

// MatchesPattern reports whether path matches an exact subscription path or
// a "/*" prefix pattern.
func MatchesPattern(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(path, prefix+"/")
	}
	return pattern == path
}
