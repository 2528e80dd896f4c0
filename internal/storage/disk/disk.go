package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

const (
	infoSuffix = ".info.json"
	// lockStripes bounds the in-process mutexes and on-disk lock files; keys
	// hash onto a stripe.
	lockStripes = 256
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem. Objects
// live under <root>/objects with a JSON sidecar per object carrying the ETag
// and content type. Every write lands in <root>/tmp first and is renamed into
// place after fsync.
type Store struct {
	root      string
	tmpDir    string
	lockDir   string
	objectDir string
	now       func() time.Time

	stripes [lockStripes]sync.Mutex
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		objectDir: filepath.Join(root, "objects"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.tmpDir, s.lockDir, s.objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string {
	return s.root
}

// Close releases backend resources. The disk store holds none between calls.
func (s *Store) Close() error {
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "disk")
}

// lockKey serialises conditional writes on key within this process and,
// through an advisory lock file, across processes sharing the root. Keys
// share a fixed set of stripes, so neither mutexes nor lock files grow with
// the number of keys. A stripe's file is only ever opened by the goroutine
// holding the stripe mutex, which keeps fcntl's per-process locks sound.
func (s *Store) lockKey(key string) (func(), error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return nil, err
	}
	stripe := lockStripe(normalized)
	mutex := &s.stripes[stripe]
	mutex.Lock()
	fl, err := s.acquireFileLock(stripe)
	if err != nil {
		mutex.Unlock()
		return nil, err
	}
	return func() {
		_ = fl.Unlock()
		mutex.Unlock()
	}, nil
}

func lockStripe(normalizedKey string) int {
	sum := sha256.Sum256([]byte(normalizedKey))
	return int(sum[0]) % lockStripes
}

func (s *Store) acquireFileLock(stripe int) (*fileLock, error) {
	lockPath := filepath.Join(s.lockDir, fmt.Sprintf("%02x.lock", stripe))
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock stripe %02x: %w", stripe, err)
	}
	return &fileLock{file: f}, nil
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := normalizeObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func normalizeObjectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || clean == "." {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	rel = filepath.ToSlash(rel)
	if rel == "" {
		return "", fmt.Errorf("disk: empty object key for path %q", objectPath)
	}
	return rel, nil
}

func (s *Store) loadObjectInfo(key string) (*storage.ObjectInfo, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The payload lands before its sidecar; the ETag is the payload
			// digest, so derive it from the data.
			return s.describeObjectPath(key, dataPath)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects enumerates on-disk objects using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	logger.Trace("disk.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(p)
		if err != nil {
			return err
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{
		Objects: make([]storage.ObjectInfo, 0, limit),
	}
	for i := 0; i < limit; i++ {
		info, err := s.loadObjectInfo(keys[i])
		if err != nil {
			logger.Debug("disk.list_objects.load_error", "key", keys[i], "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit > 0 && limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Debug("disk.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject streams the object payload for key. The returned ETag is the
// digest of the bytes behind the returned reader rather than the sidecar, so
// a caller never pairs one version's payload with another version's ETag.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	logger.Trace("disk.get_object.begin", "key", key)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("disk.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.describeOpenObject(key, dataPath, f)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	logger.Debug("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

func (s *Store) describeObjectPath(key, dataPath string) (*storage.ObjectInfo, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	defer f.Close()
	return s.describeOpenObject(key, dataPath, f)
}

// describeOpenObject hashes the open file to derive its ETag and rewinds it.
// Renames replace the directory entry, not the inode, so the digest matches
// exactly what the reader will return.
func (s *Store) describeOpenObject(key, dataPath string, f *os.File) (*storage.ObjectInfo, error) {
	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return nil, fmt.Errorf("disk: hash object %q: %w", key, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("disk: rewind object %q: %w", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		Size:         size,
		LastModified: fi.ModTime(),
	}
	var rec objectInfoRecord
	if payload, err := os.ReadFile(dataPath + infoSuffix); err == nil && json.Unmarshal(payload, &rec) == nil {
		info.ContentType = rec.ContentType
	}
	return info, nil
}

// StatObject returns the metadata recorded for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	s.logger(ctx).Trace("disk.stat_object.begin", "key", key)
	return s.loadObjectInfo(key)
}

// PutObject writes an object to disk with optional conditional semantics.
// The condition check and the rename run under the key lock, so two writers
// racing on IfNotExists or the same ExpectedETag cannot both succeed.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	logger.Trace("disk.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	tmpPath, etag, written, err := s.spool(body)
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	defer os.Remove(tmpPath)

	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(key)
		switch {
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			logger.Debug("disk.put_object.load_error", "key", key, "error", err)
			return nil, err
		case opts.ExpectedETag != "":
			if current == nil {
				logger.Debug("disk.put_object.cas_missing", "key", key, "expected_etag", opts.ExpectedETag)
				return nil, storage.ErrNotFound
			}
			if current.ETag != opts.ExpectedETag {
				logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
				return nil, storage.ErrCASMismatch
			}
		case current != nil:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	now := s.now()
	// Data first, then the sidecar: a concurrent reader of the sidecar sees
	// the new payload with the old ETag at worst, which a CAS write rejects.
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := s.writeJSONAtomic(dataPath+infoSuffix, objectInfoRecord{
		ETag:          etag,
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("disk: store metadata for %q: %w", key, err)
	}
	if err := syncDir(filepath.Dir(dataPath)); err != nil {
		logger.Debug("disk.put_object.sync_dir_error", "key", key, "error", err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}
	logger.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// spool copies body into a synced temp file and returns its path together
// with the sha256 of the payload, used as the object ETag.
func (s *Store) spool(body io.Reader) (string, string, int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return "", "", 0, err
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", 0, err
	}
	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	logger.Trace("disk.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	info, err := s.loadObjectInfo(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		logger.Debug("disk.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", info.ETag)
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	logger.Debug("disk.delete_object.success", "key", key)

	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	tmp, err := os.CreateTemp(s.tmpDir, "objectinfo-*")
	if err != nil {
		return err
	}
	err = json.NewEncoder(tmp).Encode(v)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
