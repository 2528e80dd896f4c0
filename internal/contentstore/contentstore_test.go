package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zeebo/blake3"

	"pkt.systems/consignd/internal/storage"
	"pkt.systems/consignd/internal/storage/disk"
	"pkt.systems/consignd/internal/storage/memory"
)

func newTestStore(t *testing.T, backend storage.Backend, algo Algorithm) *Store {
	t.Helper()
	if backend == nil {
		backend = memory.New()
	}
	store, err := New(Config{Backend: backend, StagingDir: filepath.Join(t.TempDir(), "staging"), Algorithm: algo})
	if err != nil {
		t.Fatalf("new content store: %v", err)
	}
	return store
}

func stagingEntries(t *testing.T, store *Store) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(store.StagingDir())
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	return entries
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{"": AlgorithmSHA256, "SHA256": AlgorithmSHA256, " blake3 ": AlgorithmBLAKE3} {
		got, err := ParseAlgorithm(in)
		if err != nil || got != want {
			t.Fatalf("ParseAlgorithm(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseAlgorithm("md5"); err == nil {
		t.Fatalf("expected md5 to be rejected")
	}
}

func TestStageComputesAddress(t *testing.T) {
	ctx := context.Background()
	payload := []byte("consignment payload")

	sha := newTestStore(t, nil, AlgorithmSHA256)
	staged, err := sha.Stage(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	defer staged.Close()
	sum := sha256.Sum256(payload)
	if staged.Address() != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected sha256 address %s", staged.Address())
	}
	if staged.Size() != int64(len(payload)) {
		t.Fatalf("unexpected size %d", staged.Size())
	}

	b3 := newTestStore(t, nil, AlgorithmBLAKE3)
	staged3, err := b3.Stage(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("stage blake3: %v", err)
	}
	defer staged3.Close()
	sum3 := blake3.Sum256(payload)
	if staged3.Address() != hex.EncodeToString(sum3[:]) {
		t.Fatalf("unexpected blake3 address %s", staged3.Address())
	}
}

func TestStagedCloseRemovesFileAndIsIdempotent(t *testing.T) {
	store := newTestStore(t, nil, "")
	staged, err := store.Stage(context.Background(), strings.NewReader("x"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if n := len(stagingEntries(t, store)); n != 1 {
		t.Fatalf("expected one staging file, got %d", n)
	}
	if err := staged.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := staged.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := len(stagingEntries(t, store)); n != 0 {
		t.Fatalf("expected empty staging dir, got %d entries", n)
	}
}

func TestStageCancelledContextLeavesNothing(t *testing.T) {
	store := newTestStore(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Stage(ctx, strings.NewReader("payload")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(stagingEntries(t, store)); n != 0 {
		t.Fatalf("expected empty staging dir, got %d entries", n)
	}
}

func TestPromoteExistsRead(t *testing.T) {
	ctx := context.Background()
	diskStore, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	backends := map[string]storage.Backend{
		"memory": memory.New(),
		"disk":   diskStore,
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t, backend, "")
			payload := []byte("artifact bytes")
			staged, err := store.Stage(ctx, bytes.NewReader(payload))
			if err != nil {
				t.Fatalf("stage: %v", err)
			}
			defer staged.Close()

			exists, err := store.Exists(ctx, staged.Address())
			if err != nil || exists {
				t.Fatalf("expected absent artifact, got %v %v", exists, err)
			}
			if _, err := store.Read(ctx, staged.Address()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			res, err := store.Promote(ctx, staged)
			if err != nil || res != PromoteCreated {
				t.Fatalf("expected created, got %v %v", res, err)
			}
			res, err = store.Promote(ctx, staged)
			if err != nil || res != PromoteAlreadyExists {
				t.Fatalf("expected already exists, got %v %v", res, err)
			}
			exists, err = store.Exists(ctx, staged.Address())
			if err != nil || !exists {
				t.Fatalf("expected artifact present, got %v %v", exists, err)
			}
			got, err := store.Read(ctx, staged.Address())
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("read mismatch: %q", got)
			}
		})
	}
}

func TestConcurrentPromoteStoresOneCopy(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := newTestStore(t, backend, "")
	payload := []byte("same bytes from many uploaders")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			staged, err := store.Stage(ctx, bytes.NewReader(payload))
			if err != nil {
				t.Errorf("stage: %v", err)
				return
			}
			defer staged.Close()
			res, err := store.Promote(ctx, staged)
			if err != nil {
				t.Errorf("promote: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case PromoteCreated:
				created++
			case PromoteAlreadyExists:
				exists++
			}
		}()
	}
	wg.Wait()
	if created != 1 || exists != workers-1 {
		t.Fatalf("expected one creation, got created=%d exists=%d", created, exists)
	}
	list, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: KeyPrefix})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 {
		t.Fatalf("expected a single stored artifact, got %d", len(list.Objects))
	}
	if n := len(stagingEntries(t, store)); n != 0 {
		t.Fatalf("expected staging dir to be empty, got %d entries", n)
	}
}

func TestValidateAddress(t *testing.T) {
	store := newTestStore(t, nil, "")
	valid := strings.Repeat("ab", 32)
	if err := store.ValidateAddress(valid); err != nil {
		t.Fatalf("expected valid address: %v", err)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("AB", 32), strings.Repeat("zz", 32), "../" + valid[3:]} {
		if err := store.ValidateAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", bad, err)
		}
	}
	if _, err := store.Read(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected read to reject traversal, got %v", err)
	}
}
