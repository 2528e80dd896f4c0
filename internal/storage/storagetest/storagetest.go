// Package storagetest holds the conformance checks every storage.Backend
// implementation is expected to pass.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"pkt.systems/consignd/internal/storage"
)

// Options tunes which checks Run performs.
type Options struct {
	// Prefix is prepended to every key so suites can share a bucket.
	Prefix string
	// SkipConcurrent disables the racing create check for fakes that do not
	// serialise conditional writes.
	SkipConcurrent bool
}

// Run exercises the conditional write contract against backend.
func Run(t *testing.T, backend storage.Backend, opts Options) {
	t.Helper()
	ctx := context.Background()
	prefix := opts.Prefix

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := backend.GetObject(ctx, prefix+"missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := backend.StatObject(ctx, prefix+"missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound from stat, got %v", err)
		}
	})

	t.Run("IfNotExists", func(t *testing.T) {
		key := prefix + "create-only"
		info, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("first")), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeOctetStream,
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if info.ETag == "" {
			t.Fatal("expected etag on create")
		}
		_, err = backend.PutObject(ctx, key, bytes.NewReader([]byte("second")), storage.PutObjectOptions{IfNotExists: true})
		if !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch, got %v", err)
		}
		data, _, err := storage.ReadObject(ctx, backend, key)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != "first" {
			t.Fatalf("expected first payload to survive, got %q", data)
		}
		stat, err := backend.StatObject(ctx, key)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if stat.Size != int64(len("first")) {
			t.Fatalf("expected size %d, got %d", len("first"), stat.Size)
		}
	})

	t.Run("ExpectedETag", func(t *testing.T) {
		key := prefix + "cas"
		created, err := backend.PutObject(ctx, key, bytes.NewReader([]byte(`{"v":1}`)), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		updated, err := backend.PutObject(ctx, key, bytes.NewReader([]byte(`{"v":2}`)), storage.PutObjectOptions{
			ExpectedETag: created.ETag,
			ContentType:  storage.ContentTypeJSON,
		})
		if err != nil {
			t.Fatalf("cas put: %v", err)
		}
		if updated.ETag == created.ETag {
			t.Fatal("expected etag to change after update")
		}
		_, err = backend.PutObject(ctx, key, bytes.NewReader([]byte(`{"v":3}`)), storage.PutObjectOptions{ExpectedETag: created.ETag})
		if !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
		}
		res, err := backend.GetObject(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		data, _ := io.ReadAll(res.Reader)
		_ = res.Reader.Close()
		if string(data) != `{"v":2}` {
			t.Fatalf("unexpected payload %q", data)
		}
		if res.Info == nil || res.Info.ETag != updated.ETag {
			t.Fatalf("expected etag %q, got %+v", updated.ETag, res.Info)
		}
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		if opts.SkipConcurrent {
			t.Skip("backend fake does not serialise conditional writes")
		}
		key := prefix + "race"
		const writers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("payload")), storage.PutObjectOptions{IfNotExists: true})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
					return
				}
				if !errors.Is(err, storage.ErrCASMismatch) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		listPrefix := prefix + "list/"
		for _, name := range []string{"c", "a", "b"} {
			if _, err := backend.PutObject(ctx, listPrefix+name, bytes.NewReader([]byte(name)), storage.PutObjectOptions{}); err != nil {
				t.Fatalf("put %s: %v", name, err)
			}
		}
		res, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: listPrefix, Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(res.Objects) != 2 || res.Objects[0].Key != listPrefix+"a" || res.Objects[1].Key != listPrefix+"b" {
			t.Fatalf("unexpected first page: %+v", res.Objects)
		}
		if !res.Truncated {
			t.Fatal("expected truncated first page")
		}
		next, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: listPrefix, StartAfter: res.NextStartAfter})
		if err != nil {
			t.Fatalf("list next: %v", err)
		}
		if len(next.Objects) != 1 || next.Objects[0].Key != listPrefix+"c" {
			t.Fatalf("unexpected second page: %+v", next.Objects)
		}
		if err := backend.DeleteObject(ctx, listPrefix+"a", storage.DeleteObjectOptions{}); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := backend.DeleteObject(ctx, listPrefix+"a", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			t.Fatalf("delete missing with ignore: %v", err)
		}
		if _, err := backend.GetObject(ctx, listPrefix+"a"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected deleted object to be gone, got %v", err)
		}
	})
}
