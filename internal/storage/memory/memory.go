package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/consignd/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry)}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// ListObjects enumerates stored keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	if opts.Prefix != "" {
		prefixIdx := sort.SearchStrings(keys, opts.Prefix)
		if prefixIdx > startIdx {
			startIdx = prefixIdx
		}
	}
	result := &storage.ListResult{}
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, s.objs[key].info(key))
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info(key)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// StatObject returns metadata for key if present.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	info := entry.info(key)
	return &info, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	}
	entry = &objectEntry{
		payload:     payload,
		etag:        uuid.Must(uuid.NewV7()).String(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.objs[key] = entry
	if !exists {
		s.insertKeyLocked(key)
	}
	info := entry.info(key)
	return &info, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	return nil
}

func (e *objectEntry) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
