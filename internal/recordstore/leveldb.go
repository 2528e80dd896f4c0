package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const levelDBKeyPrefix = "record:"

// LevelDBStore keeps records in an embedded LevelDB database. A store-wide
// mutex serialises every read-modify-write so check-and-set is atomic within
// the process; writes are synced before returning.
type LevelDBStore struct {
	mu   sync.Mutex
	db   *leveldb.DB
	path string
	opts Options
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string, opts Options) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("recordstore: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open leveldb %q: %w", path, err)
	}
	return &LevelDBStore{db: db, path: path, opts: opts.withDefaults("leveldb")}, nil
}

// Path returns the database directory.
func (s *LevelDBStore) Path() string { return s.path }

func levelDBKey(token string) []byte {
	return []byte(levelDBKeyPrefix + token)
}

func (s *LevelDBStore) get(token string) (*Record, error) {
	data, err := s.db.Get(levelDBKey(token), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recordstore: leveldb get %q: %w", token, err)
	}
	return decodeRecord(data)
}

func (s *LevelDBStore) put(rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(levelDBKey(rec.Token), data)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("recordstore: leveldb write %q: %w", rec.Token, err)
	}
	return nil
}

// Find implements Store.
func (s *LevelDBStore) Find(ctx context.Context, token string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.get(token)
}

// Create implements Store.
func (s *LevelDBStore) Create(ctx context.Context, token, address string) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.db.Has(levelDBKey(token), nil)
	if err != nil {
		return nil, fmt.Errorf("recordstore: leveldb has %q: %w", token, err)
	}
	if exists {
		return nil, ErrConflict
	}
	rec := newRecord(token, address, s.opts.Clock.Now())
	if err := s.put(rec); err != nil {
		return nil, err
	}
	s.opts.Logger.Debug("records.create.success", "token", token, "address", address)
	return rec, nil
}

// SetAckState implements Store.
func (s *LevelDBStore) SetAckState(ctx context.Context, token string, state AckState) (*Record, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}
	if err := validateAckState(state); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(token)
	if err != nil {
		return nil, err
	}
	if err := respond(rec, state, s.opts.Clock.Now()); err != nil {
		return nil, err
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	s.opts.Logger.Debug("records.ack.success", "token", token, "state", string(state))
	return rec, nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
