package recordstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"pkt.systems/consignd/internal/clock"
	"pkt.systems/consignd/internal/storage/disk"
	"pkt.systems/consignd/internal/storage/memory"
)

var testStart = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

type storeFactory func(t *testing.T, opts Options) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"object-memory": func(t *testing.T, opts Options) Store {
			store, err := NewObjectStore(memory.New(), opts)
			if err != nil {
				t.Fatalf("object store: %v", err)
			}
			return store
		},
		"object-disk": func(t *testing.T, opts Options) Store {
			backend, err := disk.New(disk.Config{Root: t.TempDir()})
			if err != nil {
				t.Fatalf("disk backend: %v", err)
			}
			store, err := NewObjectStore(backend, opts)
			if err != nil {
				t.Fatalf("object store: %v", err)
			}
			return store
		},
		"leveldb": func(t *testing.T, opts Options) Store {
			store, err := OpenLevelDB(filepath.Join(t.TempDir(), "records.ldb"), opts)
			if err != nil {
				t.Fatalf("leveldb store: %v", err)
			}
			return store
		},
		"redis": func(t *testing.T, opts Options) Store {
			srv, err := miniredis.Run()
			if err != nil {
				t.Skipf("miniredis unavailable: %v", err)
			}
			t.Cleanup(srv.Close)
			store, err := OpenRedis(context.Background(), "redis://"+srv.Addr(), opts)
			if err != nil {
				t.Fatalf("redis store: %v", err)
			}
			return store
		},
	}
}

func TestStores(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, factory) })
			t.Run("Validation", func(t *testing.T) { testValidation(t, factory) })
			t.Run("OddTokens", func(t *testing.T) { testOddTokens(t, factory) })
			t.Run("ConcurrentResponders", func(t *testing.T) { testConcurrentResponders(t, factory) })
		})
	}
}

func testLifecycle(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	store := factory(t, Options{Clock: clk})
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Find(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.SetAckState(ctx, "abc", AckStateAcked); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on ack of missing record, got %v", err)
	}

	rec, err := store.Create(ctx, "abc", "deadbeef")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.AckState != AckStateUnset || rec.Responded || rec.CreatedAt != testStart.Unix() {
		t.Fatalf("unexpected fresh record %+v", rec)
	}
	if _, err := store.Create(ctx, "abc", "cafebabe"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	found, err := store.Find(ctx, "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Address != "deadbeef" || found.Ack() || found.Nack() {
		t.Fatalf("unexpected record %+v", found)
	}

	clk.Advance(time.Minute)
	acked, err := store.SetAckState(ctx, "abc", AckStateAcked)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !acked.Ack() || acked.Nack() || !acked.Responded || acked.RespondedAt != testStart.Add(time.Minute).Unix() {
		t.Fatalf("unexpected acked record %+v", acked)
	}
	if _, err := store.SetAckState(ctx, "abc", AckStateNacked); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
	if _, err := store.SetAckState(ctx, "abc", AckStateAcked); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded for repeated ack, got %v", err)
	}
	final, err := store.Find(ctx, "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !final.Ack() || final.Nack() || final.Address != "deadbeef" {
		t.Fatalf("state changed after terminal response: %+v", final)
	}
}

func testValidation(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	store := factory(t, Options{})
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Create(ctx, "", "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := store.Find(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := store.Create(ctx, "tok", "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, state := range []AckState{AckStateUnset, "maybe"} {
		if _, err := store.SetAckState(ctx, "tok", state); !errors.Is(err, ErrInvalidAckState) {
			t.Fatalf("expected ErrInvalidAckState for %q, got %v", state, err)
		}
	}
	rec, err := store.Find(ctx, "tok")
	if err != nil || rec.Responded {
		t.Fatalf("invalid state must not respond: %+v %v", rec, err)
	}
}

func testOddTokens(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	store := factory(t, Options{})
	t.Cleanup(func() { _ = store.Close() })

	tokens := []string{"a/b c", "../escape", "utxo:1:ff", "ünïcode"}
	for i, token := range tokens {
		if _, err := store.Create(ctx, token, fmt.Sprintf("addr-%d", i)); err != nil {
			t.Fatalf("create %q: %v", token, err)
		}
	}
	for i, token := range tokens {
		rec, err := store.Find(ctx, token)
		if err != nil {
			t.Fatalf("find %q: %v", token, err)
		}
		if rec.Token != token || rec.Address != fmt.Sprintf("addr-%d", i) {
			t.Fatalf("unexpected record for %q: %+v", token, rec)
		}
	}
}

func testConcurrentResponders(t *testing.T, factory storeFactory) {
	store := factory(t, Options{})
	t.Cleanup(func() { _ = store.Close() })
	raceResponders(t, store, 5, 8)
}

// TestObjectDiskStoreSingleWinnerUnderLoad hammers the default configuration
// (object records on the disk backend) where readers race the writer's
// rename of payload and sidecar.
func TestObjectDiskStoreSingleWinnerUnderLoad(t *testing.T) {
	backend, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	store, err := NewObjectStore(backend, Options{})
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rounds := 2000
	if testing.Short() {
		rounds = 200
	}
	raceResponders(t, store, rounds, 16)
}

func raceResponders(t *testing.T, store Store, rounds, responders int) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < rounds; round++ {
		token := fmt.Sprintf("race-%d", round)
		if _, err := store.Create(ctx, token, "addr"); err != nil {
			t.Fatalf("create: %v", err)
		}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []AckState
			losers  int
		)
		for i := 0; i < responders; i++ {
			state := AckStateAcked
			if i%2 == 1 {
				state = AckStateNacked
			}
			wg.Add(1)
			go func(state AckState) {
				defer wg.Done()
				_, err := store.SetAckState(ctx, token, state)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, state)
				case errors.Is(err, ErrAlreadyResponded):
					losers++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(state)
		}
		wg.Wait()
		if len(winners) != 1 || losers != responders-1 {
			t.Fatalf("round %d: expected one winner, got winners=%v losers=%d", round, winners, losers)
		}
		rec, err := store.Find(ctx, token)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if rec.AckState != winners[0] {
			t.Fatalf("round %d: stored state %q does not match winner %q", round, rec.AckState, winners[0])
		}
		if rec.Ack() == rec.Nack() {
			t.Fatalf("round %d: exactly one of ack/nack must be true: %+v", round, rec)
		}
	}
}

func TestObjectKeyEncodesToken(t *testing.T) {
	if got := ObjectKey("a/b"); got != "records/YS9i" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDecodeRecordDefaultsAckState(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"token":"t","address":"a"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.AckState != AckStateUnset {
		t.Fatalf("expected unset, got %q", rec.AckState)
	}
	if _, err := decodeRecord([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRedisSharedClientNotClosed(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	owned, err := OpenRedis(context.Background(), "redis://"+srv.Addr(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer owned.Close()
	shared := NewRedis(owned.client, Options{})
	if err := shared.Close(); err != nil {
		t.Fatalf("close shared: %v", err)
	}
	if err := owned.client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("shared close must not close the client: %v", err)
	}
	if _, err := OpenRedis(context.Background(), "not a url", Options{}); err == nil {
		t.Fatalf("expected parse error")
	}
}
