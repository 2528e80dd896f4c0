package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"pkt.systems/consignd/internal/storage"
	"pkt.systems/consignd/internal/storage/storagetest"
)

func TestMemoryBackendConformance(t *testing.T) {
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	storagetest.Run(t, store, storagetest.Options{Prefix: "suite/"})
}

func TestPutObjectExpectedETagOnMissingKey(t *testing.T) {
	store := New()
	_, err := store.PutObject(context.Background(), "absent", bytes.NewReader(nil), storage.PutObjectOptions{ExpectedETag: "etag"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListObjectsPrefixSkipsSiblings(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"consignments/aa", "records/x", "consignments/bb", "zz"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte(key)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	res, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "consignments/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %+v", res.Objects)
	}
	if res.Truncated {
		t.Fatal("unexpected truncation without limit")
	}
}
