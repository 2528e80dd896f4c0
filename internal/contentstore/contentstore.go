// Package contentstore persists consignment artifacts addressed by the hash of
// their content. Uploads are staged to a private directory while hashing and
// then promoted into the object backend with a create-only write, so identical
// bytes are stored exactly once.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/xid"
	"github.com/zeebo/blake3"

	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

// KeyPrefix is the object key prefix under which artifacts are stored.
const KeyPrefix = "consignments/"

const stagingFilePrefix = "upload-"

// Algorithm names a content hash function.
type Algorithm string

// Supported hash algorithms. Both produce 32-byte digests.
const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmBLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = AlgorithmSHA256

var (
	// ErrNotFound is returned by Read when no artifact exists at the address.
	ErrNotFound = errors.New("contentstore: not found")
	// ErrInvalidAddress is returned when an address is not a lowercase hex
	// digest of the configured algorithm.
	ErrInvalidAddress = errors.New("contentstore: invalid address")
)

// ParseAlgorithm resolves name to a supported Algorithm. Empty selects the
// default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", AlgorithmSHA256:
		return AlgorithmSHA256, nil
	case AlgorithmBLAKE3:
		return AlgorithmBLAKE3, nil
	default:
		return "", fmt.Errorf("contentstore: unsupported hash algorithm %q", name)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if a == AlgorithmBLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

func (a Algorithm) digestSize() int {
	return 32
}

// PromoteResult reports the outcome of Promote.
type PromoteResult int

const (
	// PromoteCreated means this call stored the artifact.
	PromoteCreated PromoteResult = iota + 1
	// PromoteAlreadyExists means an artifact with the same address was
	// already present.
	PromoteAlreadyExists
)

func (r PromoteResult) String() string {
	switch r {
	case PromoteCreated:
		return "created"
	case PromoteAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Config configures a Store.
type Config struct {
	Backend    storage.Backend
	StagingDir string
	Algorithm  Algorithm
	Logger     pslog.Logger
}

// Store implements content-addressed artifact storage.
type Store struct {
	backend    storage.Backend
	stagingDir string
	algorithm  Algorithm
	logger     pslog.Logger
}

// New constructs a Store, creating the staging directory when needed.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("contentstore: backend required")
	}
	if strings.TrimSpace(cfg.StagingDir) == "" {
		return nil, fmt.Errorf("contentstore: staging directory required")
	}
	algo, err := ParseAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("contentstore: create staging dir: %w", err)
	}
	return &Store{
		backend:    cfg.Backend,
		stagingDir: cfg.StagingDir,
		algorithm:  algo,
		logger:     loggingutil.WithSubsystem(cfg.Logger, "storage.content"),
	}, nil
}

// Algorithm returns the hash algorithm used for addresses.
func (s *Store) Algorithm() Algorithm { return s.algorithm }

// StagingDir returns the directory holding in-flight uploads.
func (s *Store) StagingDir() string { return s.stagingDir }

// Key returns the object key for address.
func Key(address string) string {
	return KeyPrefix + address
}

// ValidateAddress reports whether address is a lowercase hex digest of the
// store's algorithm.
func (s *Store) ValidateAddress(address string) error {
	if len(address) != hex.EncodedLen(s.algorithm.digestSize()) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	for i := 0; i < len(address); i++ {
		c := address[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
	}
	return nil
}

func (s *Store) log(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return loggingutil.WithSubsystem(logger, "storage.content")
	}
	return s.logger
}

// Staged is an upload written to the staging directory. It must be closed to
// discard the staging file; Close is safe to call more than once.
type Staged struct {
	path    string
	address string
	size    int64

	once     sync.Once
	closeErr error
}

// Address returns the content hash of the staged bytes.
func (st *Staged) Address() string { return st.address }

// Size returns the number of staged bytes.
func (st *Staged) Size() int64 { return st.size }

// Close removes the staging file.
func (st *Staged) Close() error {
	st.once.Do(func() {
		if err := os.Remove(st.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			st.closeErr = err
		}
	})
	return st.closeErr
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Stage streams r into a private staging file while hashing it. Nothing is
// visible in the object backend until Promote is called.
func (s *Store) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	logger := s.log(ctx)
	name := filepath.Join(s.stagingDir, stagingFilePrefix+xid.New().String())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("contentstore: create staging file: %w", err)
	}
	h := s.algorithm.newHash()
	size, err := io.Copy(io.MultiWriter(f, h), ctxReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(name)
		logger.Debug("content.stage.error", "staging_file", name, "error", err)
		return nil, fmt.Errorf("contentstore: stage upload: %w", err)
	}
	staged := &Staged{
		path:    name,
		address: hex.EncodeToString(h.Sum(nil)),
		size:    size,
	}
	logger.Trace("content.stage.success", "address", staged.address, "size", size, "algorithm", string(s.algorithm))
	return staged, nil
}

// Exists reports whether an artifact is stored at address.
func (s *Store) Exists(ctx context.Context, address string) (bool, error) {
	if err := s.ValidateAddress(address); err != nil {
		return false, err
	}
	if _, err := s.backend.StatObject(ctx, Key(address)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("contentstore: stat %s: %w", address, err)
	}
	return true, nil
}

// Promote stores the staged bytes under their address unless an artifact is
// already present there. Concurrent promotions of the same address store a
// single copy; all but one report PromoteAlreadyExists.
func (s *Store) Promote(ctx context.Context, staged *Staged) (PromoteResult, error) {
	if staged == nil {
		return 0, fmt.Errorf("contentstore: nil staged upload")
	}
	logger := s.log(ctx)
	f, err := os.Open(staged.path)
	if err != nil {
		return 0, fmt.Errorf("contentstore: open staging file: %w", err)
	}
	defer f.Close()
	_, err = s.backend.PutObject(ctx, Key(staged.address), f, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeOctetStream,
	})
	switch {
	case err == nil:
		logger.Debug("content.promote.created", "address", staged.address, "size", staged.size)
		return PromoteCreated, nil
	case errors.Is(err, storage.ErrCASMismatch):
		logger.Debug("content.promote.exists", "address", staged.address)
		return PromoteAlreadyExists, nil
	default:
		return 0, fmt.Errorf("contentstore: promote %s: %w", staged.address, err)
	}
}

// Read returns the artifact bytes stored at address.
func (s *Store) Read(ctx context.Context, address string) ([]byte, error) {
	if err := s.ValidateAddress(address); err != nil {
		return nil, err
	}
	data, _, err := storage.ReadObject(ctx, s.backend, Key(address))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, fmt.Errorf("contentstore: read %s: %w", address, err)
	}
	return data, nil
}
