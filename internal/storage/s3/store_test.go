package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/consignd/internal/storage"
	"pkt.systems/consignd/internal/storage/storagetest"
)

func TestS3BackendConformance(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	storagetest.Run(t, store, storagetest.Options{Prefix: "suite/", SkipConcurrent: true})
}

func TestS3StorePrefixIsolation(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	cfg.Prefix = "/tenant-a/"
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "consignments/abc", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.client.StatObject(ctx, cfg.Bucket, "tenant-a/consignments/abc", minio.StatObjectOptions{}); err != nil {
		t.Fatalf("expected prefixed object: %v", err)
	}
	res, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "consignments/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "consignments/abc" {
		t.Fatalf("unexpected list result: %+v", res.Objects)
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "consignd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsTransientNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusBadGateway}, expected: true},
		{name: "precondition", err: minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, expected: false},
		{name: "plain", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	err := wrapError(syscall.ECONNREFUSED, "s3: get object")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestIsPreconditionFailedRecognisesConflictCodes(t *testing.T) {
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}) {
		t.Fatal("expected conditional conflict to map to precondition failure")
	}
	if isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketAlreadyOwnedByYou"}) {
		t.Fatal("unexpected precondition failure for unrelated conflict")
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}

	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if !obj.closed {
		t.Fatal("Close: expected underlying close to be called")
	}
}
