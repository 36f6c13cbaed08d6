// Package redis backs store.Store with Redis. Each document lives in a hash
// keyed by its path (one hash field per top-level JSON key), so Update maps
// to HSET, Increment to HINCRBY, and subscribers are fed through pub/sub
// channels derived from the path.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"quizbee-service/internal/store"
)

const (
	keyPrefix     = "rt:"
	channelPrefix = "rtevt:"
)

type Store struct {
	client *goredis.Client
}

func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, path string) (store.Document, bool, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+path).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store get %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return decodeDoc(fields), true, nil
}

func (s *Store) Set(ctx context.Context, path string, doc store.Document) error {
	encoded, err := encodeDoc(doc)
	if err != nil {
		return fmt.Errorf("store set %s: %w", path, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+path)
	pipe.HSet(ctx, keyPrefix+path, encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store set %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *Store) Update(ctx context.Context, path string, partial store.Document) error {
	encoded, err := encodeDoc(partial)
	if err != nil {
		return fmt.Errorf("store update %s: %w", path, err)
	}
	if err := s.client.HSet(ctx, keyPrefix+path, encoded).Err(); err != nil {
		return fmt.Errorf("store update %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *Store) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	next, err := s.client.HIncrBy(ctx, keyPrefix+path, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("store increment %s.%s: %w", path, field, err)
	}
	if err := s.publish(ctx, path); err != nil {
		return next, err
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, keyPrefix+path).Err(); err != nil {
		return fmt.Errorf("store delete %s: %w", path, err)
	}
	return s.publishDeleted(ctx, path)
}

func (s *Store) DeleteTree(ctx context.Context, pattern string) error {
	prefix, _ := strings.CutSuffix(pattern, "/*")
	iter := s.client.Scan(ctx, 0, keyPrefix+prefix+"/*", 0).Iterator()
	for iter.Next(ctx) {
		path := strings.TrimPrefix(iter.Val(), keyPrefix)
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("store delete tree %s: %w", pattern, err)
		}
		if err := s.publishDeleted(ctx, path); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store delete tree %s: %w", pattern, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, pattern string) (map[string]store.Document, error) {
	prefix, _ := strings.CutSuffix(pattern, "/*")
	out := make(map[string]store.Document)
	iter := s.client.Scan(ctx, 0, keyPrefix+prefix+"/*", 0).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), keyPrefix+prefix+"/")
		if strings.Contains(rest, "/") {
			continue
		}
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("store list %s: %w", pattern, err)
		}
		if len(fields) == 0 {
			continue
		}
		out[rest] = decodeDoc(fields)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store list %s: %w", pattern, err)
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, pattern string) (<-chan store.Event, func(), error) {
	var pubsub *goredis.PubSub
	if strings.HasSuffix(pattern, "/*") {
		pubsub = s.client.PSubscribe(ctx, channelPrefix+pattern)
	} else {
		pubsub = s.client.Subscribe(ctx, channelPrefix+pattern)
	}
	// Force the subscription to be established before returning so callers
	// do not miss writes that race with Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("store subscribe %s: %w", pattern, err)
	}

	out := make(chan store.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				evt := store.Event{Path: strings.TrimPrefix(msg.Channel, channelPrefix)}
				if msg.Payload != "" && msg.Payload != "null" {
					var doc store.Document
					if err := json.Unmarshal([]byte(msg.Payload), &doc); err == nil {
						evt.Doc = doc
					}
				}
				select {
				case out <- evt:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (s *Store) ServerNow(ctx context.Context) (int64, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("store server time: %w", err)
	}
	return t.UnixMilli(), nil
}

// publish pushes the current document at path to its channel. Readers that
// miss a payload simply re-read on the next resync, so publish failures are
// surfaced but not retried here.
func (s *Store) publish(ctx context.Context, path string) error {
	fields, err := s.client.HGetAll(ctx, keyPrefix+path).Result()
	if err != nil {
		return fmt.Errorf("store publish %s: %w", path, err)
	}
	payload, err := json.Marshal(decodeDoc(fields))
	if err != nil {
		return fmt.Errorf("store publish %s: %w", path, err)
	}
	if err := s.client.Publish(ctx, channelPrefix+path, payload).Err(); err != nil {
		return fmt.Errorf("store publish %s: %w", path, err)
	}
	return nil
}

func (s *Store) publishDeleted(ctx context.Context, path string) error {
	if err := s.client.Publish(ctx, channelPrefix+path, "null").Err(); err != nil {
		return fmt.Errorf("store publish %s: %w", path, err)
	}
	return nil
}

func encodeDoc(doc store.Document) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for field, value := range doc {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[field] = string(raw)
	}
	return out, nil
}

func decodeDoc(fields map[string]string) store.Document {
	doc := make(store.Document, len(fields))
	for field, raw := range fields {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		doc[field] = value
	}
	return doc
}
