package redis

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/call-signaling/internal/mailbox"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	entryField     = "data"
	tailBatch      = 64
	mergeAttempts  = 3
	pollInterval   = 200 * time.Millisecond
	retryInterval  = time.Second
	changesPayload = "changed"
)

// Store is the Redis backed mailbox. Records are hashes holding one JSON
// value per top-level field; every write publishes on "<key>:changes" so
// watchers know to re-read. Logs are streams.
type Store struct {
	rdb   *redis.Client
	ttl   time.Duration
	block time.Duration
	log   zerolog.Logger
}

type Options struct {
	// TTL applied to every record and log on write. Zero disables expiry.
	TTL time.Duration
	// Block is how long one XREAD waits for new log entries. Zero or less
	// switches tails to polling.
	Block time.Duration
}

func NewStore(rdb *redis.Client, opts Options, logger zerolog.Logger) *Store {
	return &Store{
		rdb:   rdb,
		ttl:   opts.TTL,
		block: opts.Block,
		log:   logger.With().Str("component", "redis-store").Logger(),
	}
}

func changesChannel(key string) string {
	return key + ":changes"
}

func fieldArgs(doc mailbox.Document) []any {
	args := make([]any, 0, len(doc)*2)
	for f, v := range doc {
		args = append(args, f, []byte(v))
	}
	return args
}

func (s *Store) Put(ctx context.Context, key string, doc mailbox.Document) error {
	if len(doc) == 0 {
		return s.Delete(ctx, key)
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fieldArgs(doc)...)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.Publish(ctx, changesChannel(key), changesPayload)
		return nil
	})
	return err
}

func (s *Store) Merge(ctx context.Context, key string, expect, fields mailbox.Document) error {
	merge := func(tx *redis.Tx) error {
		cur, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(cur) == 0 {
			return mailbox.ErrNotFound
		}
		for f, want := range expect {
			if cur[f] != string(want) {
				return mailbox.ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fieldArgs(fields)...)
			p.Publish(ctx, changesChannel(key), changesPayload)
			return nil
		})
		return err
	}

	// Optimistic lock: retry while some other client touches the key
	// between our read and our write.
	for i := 0; i < mergeAttempts; i++ {
		err := s.rdb.Watch(ctx, merge, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return mailbox.ErrConflict
}

func (s *Store) Get(ctx context.Context, key string) (mailbox.Document, error) {
	doc, err := s.snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, mailbox.ErrNotFound
	}
	return doc, nil
}

func (s *Store) snapshot(ctx context.Context, key string) (mailbox.Document, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	doc := make(mailbox.Document, len(fields))
	for f, v := range fields {
		doc[f] = []byte(v)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, key := range keys {
			p.Publish(ctx, changesChannel(key), changesPayload)
		}
		return nil
	})
	return err
}

func (s *Store) DeleteIf(ctx context.Context, key string, expect mailbox.Document, also ...string) (bool, error) {
	keys := append([]string{key}, also...)
	var deleted bool
	del := func(tx *redis.Tx) error {
		deleted = false
		cur, err := tx.HGetAll(ctx, key).Result()
		if err != nil || len(cur) == 0 {
			return err
		}
		for f, want := range expect {
			if cur[f] != string(want) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, keys...)
			for _, k := range keys {
				p.Publish(ctx, changesChannel(k), changesPayload)
			}
			return nil
		})
		deleted = err == nil
		return err
	}

	for i := 0; i < mergeAttempts; i++ {
		err := s.rdb.Watch(ctx, del, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return deleted, err
	}
	return false, mailbox.ErrConflict
}

func (s *Store) Watch(ctx context.Context, key string) (*mailbox.Subscription[mailbox.Document], error) {
	ps := s.rdb.Subscribe(ctx, changesChannel(key))
	// Wait for the subscription confirmation so no write made after Watch
	// returns can slip past us.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	// A resubscription after a reconnect arrives as a *redis.Subscription;
	// anything may have changed while we were away, so it also marks the
	// record dirty.
	msgs := ps.ChannelWithSubscriptions()

	return mailbox.Start(ctx, func(ctx context.Context, emit func(mailbox.Document) bool) error {
		defer ps.Close()
		dirty := true
		for {
			if dirty {
				doc, err := s.snapshot(ctx, key)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.log.Warn().Err(err).Str("key", key).Msg("Failed to read snapshot, retrying")
					if !sleep(ctx, retryInterval) {
						return nil
					}
					continue
				}
				if !emit(doc) {
					return nil
				}
				dirty = false
			}

			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-msgs:
				if !ok {
					return errors.New("redis: change feed closed")
				}
				if sub, isSub := msg.(*redis.Subscription); isSub {
					s.log.Debug().Str("key", key).Str("kind", sub.Kind).Msg("Change feed resubscribed")
				}
				dirty = true
				drain(msgs)
			}
		}
	}), nil
}

func (s *Store) Append(ctx context.Context, key string, entry []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]any{entryField: entry},
		})
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *Store) Tail(ctx context.Context, key string) (*mailbox.Subscription[[]byte], error) {
	block := s.block
	if block <= 0 {
		block = -1
	}

	return mailbox.Start(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		last := "0"
		for {
			streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   tailBatch,
				Block:   block,
			}).Result()
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, redis.Nil):
				if block < 0 && !sleep(ctx, pollInterval) {
					return nil
				}
				continue
			case err != nil:
				s.log.Warn().Err(err).Str("key", key).Msg("Failed to read log, retrying")
				if !sleep(ctx, retryInterval) {
					return nil
				}
				continue
			}

			received := 0
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					last = msg.ID
					received++
					data, ok := msg.Values[entryField].(string)
					if !ok {
						s.log.Warn().Str("key", key).Str("id", msg.ID).Msg("Skipping log entry without data")
						continue
					}
					if !emit([]byte(data)) {
						return nil
					}
				}
			}
			if received == 0 && block < 0 && !sleep(ctx, pollInterval) {
				return nil
			}
		}
	}), nil
}

func drain(msgs <-chan any) {
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
