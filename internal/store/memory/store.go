// Package memory provides an in-process store.Store used by tests and the
// single-node demo mode.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"quizbee-service/internal/store"
)

// Store keeps documents in a map and fans events out to subscriber channels.
type Store struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	docs map[string]store.Document
	subs map[*subscriber]struct{}
}

type subscriber struct {
	pattern string
	ch      chan store.Event
}

func NewStore() *Store {
	return NewStoreWithClock(clockwork.NewRealClock())
}

// NewStoreWithClock allows deterministic ServerNow values in tests.
func NewStoreWithClock(clock clockwork.Clock) *Store {
	return &Store{
		clock: clock,
		docs:  make(map[string]store.Document),
		subs:  make(map[*subscriber]struct{}),
	}
}

func (s *Store) Get(_ context.Context, path string) (store.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, false, nil
	}
	return cloneDoc(doc), true, nil
}

func (s *Store) Set(_ context.Context, path string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = cloneDoc(doc)
	s.publishLocked(path)
	return nil
}

func (s *Store) Update(_ context.Context, path string, partial store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		doc = make(store.Document, len(partial))
		s.docs[path] = doc
	}
	for k, v := range cloneDoc(partial) {
		doc[k] = v
	}
	s.publishLocked(path)
	return nil
}

func (s *Store) Increment(_ context.Context, path, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		doc = make(store.Document, 1)
		s.docs[path] = doc
	}
	current, _ := store.Int64(doc, field)
	next := current + delta
	doc[field] = next
	s.publishLocked(path)
	return next, nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; !ok {
		return nil
	}
	delete(s.docs, path)
	s.publishLocked(path)
	return nil
}

func (s *Store) DeleteTree(_ context.Context, pattern string) error {
	prefix, _ := strings.CutSuffix(pattern, "/*")
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.docs {
		if strings.HasPrefix(path, prefix+"/") {
			delete(s.docs, path)
			s.publishLocked(path)
		}
	}
	return nil
}

func (s *Store) List(_ context.Context, pattern string) (map[string]store.Document, error) {
	prefix, _ := strings.CutSuffix(pattern, "/*")
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.Document)
	for path, doc := range s.docs {
		rest, ok := strings.CutPrefix(path, prefix+"/")
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out[rest] = cloneDoc(doc)
	}
	return out, nil
}

func (s *Store) Subscribe(_ context.Context, pattern string) (<-chan store.Event, func(), error) {
	sub := &subscriber{pattern: pattern, ch: make(chan store.Event, 16)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

func (s *Store) ServerNow(_ context.Context) (int64, error) {
	return s.clock.Now().UnixMilli(), nil
}

// publishLocked delivers the current document at path to matching
// subscribers. Slow subscribers lose their oldest pending event rather than
// blocking the writer.
func (s *Store) publishLocked(path string) {
	doc, ok := s.docs[path]
	var snapshot store.Document
	if ok {
		snapshot = cloneDoc(doc)
	}
	evt := store.Event{Path: path, Doc: snapshot}
	for sub := range s.subs {
		if !store.MatchesPattern(sub.pattern, path) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- evt
		}
	}
}

func cloneDoc(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}
