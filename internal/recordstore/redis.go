package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces record keys in a shared Redis database.
const DefaultRedisKeyPrefix = "consignd:record:"

// RedisStore keeps records as JSON strings in Redis. Creation uses SETNX and
// acknowledgments use WATCH/MULTI so concurrent responders race on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
	opts   Options
}

// OpenRedis connects to the redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string, opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("recordstore: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("recordstore: connect redis: %w", err)
	}
	store := NewRedis(client, opts)
	store.owned = true
	return store, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisKeyPrefix, opts: opts.withDefaults("redis")}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Find implements Store.
func (s *RedisStore) Find(ctx context.Context, token string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recordstore: redis get %q: %w", token, err)
	}
	return decodeRecord(data)
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, token, address string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	rec := newRecord(token, address, s.opts.Clock.Now())
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, s.key(token), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("recordstore: redis setnx %q: %w", token, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	s.opts.Logger.Debug("records.create.success", "token", token, "address", address)
	return rec, nil
}

// SetAckState implements Store.
func (s *RedisStore) SetAckState(ctx context.Context, token string, state AckState) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	if err := validateAckState(state); err != nil {
		return nil, err
	}
	key := s.key(token)
	for {
		var updated *Record
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if err := respond(rec, state, s.opts.Clock.Now()); err != nil {
				return err
			}
			payload, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = rec
			return nil
		}, key)
		switch {
		case err == nil:
			s.opts.Logger.Debug("records.ack.success", "token", token, "state", string(state))
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			s.opts.Logger.Debug("records.ack.watch_conflict", "token", token, "state", string(state))
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyResponded):
			return nil, err
		default:
			return nil, fmt.Errorf("recordstore: redis update %q: %w", token, err)
		}
	}
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
