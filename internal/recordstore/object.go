package recordstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"pkt.systems/consignd/internal/storage"
)

// ObjectKeyPrefix is the object key prefix under which records are stored.
const ObjectKeyPrefix = "records/"

// ObjectStore keeps each record as a JSON document in an object backend and
// relies on the backend's conditional writes for atomicity.
type ObjectStore struct {
	backend storage.Backend
	opts    Options
}

// NewObjectStore builds a Store on top of backend. The backend is not closed
// by Close; its owner is responsible for that.
func NewObjectStore(backend storage.Backend, opts Options) (*ObjectStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("recordstore: backend required")
	}
	return &ObjectStore{backend: backend, opts: opts.withDefaults("object")}, nil
}

// ObjectKey returns the object key for token.
func ObjectKey(token string) string {
	return ObjectKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}

func (s *ObjectStore) load(ctx context.Context, token string) (*Record, string, error) {
	data, info, err := storage.ReadObject(ctx, s.backend, ObjectKey(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("recordstore: load %q: %w", token, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, "", err
	}
	etag := ""
	if info != nil {
		etag = info.ETag
	}
	return rec, etag, nil
}

// Find implements Store.
func (s *ObjectStore) Find(ctx context.Context, token string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	rec, _, err := s.load(ctx, token)
	return rec, err
}

// Create implements Store.
func (s *ObjectStore) Create(ctx context.Context, token, address string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	rec := newRecord(token, address, s.opts.Clock.Now())
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	_, err = s.backend.PutObject(ctx, ObjectKey(token), bytes.NewReader(data), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("recordstore: create %q: %w", token, err)
	}
	s.opts.Logger.Debug("records.create.success", "token", token, "address", address)
	return rec, nil
}

// SetAckState implements Store. A lost conditional write re-reads the record
// so the loser observes the winner's response.
func (s *ObjectStore) SetAckState(ctx context.Context, token string, state AckState) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	if err := validateAckState(state); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, etag, err := s.load(ctx, token)
		if err != nil {
			return nil, err
		}
		if err := respond(rec, state, s.opts.Clock.Now()); err != nil {
			return nil, err
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		_, err = s.backend.PutObject(ctx, ObjectKey(token), bytes.NewReader(data), storage.PutObjectOptions{
			ExpectedETag: etag,
			ContentType:  storage.ContentTypeJSON,
		})
		switch {
		case err == nil:
			s.opts.Logger.Debug("records.ack.success", "token", token, "state", string(state))
			return rec, nil
		case errors.Is(err, storage.ErrCASMismatch):
			s.opts.Logger.Debug("records.ack.cas_conflict", "token", token, "state", string(state))
			continue
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("recordstore: update %q: %w", token, err)
		}
	}
}

// Close implements Store.
func (s *ObjectStore) Close() error { return nil }
