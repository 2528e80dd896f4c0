package storagecheck

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/consignd"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/consignd/internal/storage/memory"
)

func TestVerifyStoreDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	res, err := VerifyStore(context.Background(), consignd.Config{Store: "disk://" + filepath.ToSlash(root)})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Provider != "disk" || res.Path != root {
		t.Fatalf("unexpected result header %+v", res)
	}
	if !res.Passed() {
		t.Fatalf("expected checks to pass: %+v", res.Checks)
	}
	names := make([]string, 0, len(res.Checks))
	for _, check := range res.Checks {
		names = append(names, check.Name)
	}
	want := "ListObjects,PutObjectIfNotExists,RejectDuplicateCreate,StatObject,GetObject,DeleteObject,GetDeletedObject"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("unexpected checks %s", got)
	}
}

func TestVerifyStoreMemory(t *testing.T) {
	res, err := VerifyStore(context.Background(), consignd.Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Provider != "memory" || !res.Passed() || res.AdditionalMessage == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyStoreErrors(t *testing.T) {
	if _, err := VerifyStore(context.Background(), consignd.Config{Store: "ftp://host/x"}); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := VerifyStore(context.Background(), consignd.Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected disk path error")
	}
}

// overwritingBackend ignores IfNotExists so the duplicate create check trips.
type overwritingBackend struct {
	*memory.Store
}

func (b overwritingBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	opts.IfNotExists = false
	return b.Store.PutObject(ctx, key, body, opts)
}

func TestVerifyBackendDetectsMissingCreateOnly(t *testing.T) {
	backend := overwritingBackend{Store: memory.New()}
	defer backend.Close()
	checks := VerifyBackend(context.Background(), backend)
	var failed []string
	for _, check := range checks {
		if check.Err != nil {
			failed = append(failed, check.Name)
		}
	}
	// The overwrite changes the ETag, so the conditional delete fails as well.
	if strings.Join(failed, ",") != "RejectDuplicateCreate,DeleteObject,GetDeletedObject" {
		t.Fatalf("unexpected failures %v", failed)
	}
}

func TestBuildAWSPolicy(t *testing.T) {
	var policy struct {
		Statement []struct {
			Resource []string
		}
	}
	if err := json.Unmarshal([]byte(buildAWSPolicy("bucket", "/consignd/")), &policy); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if len(policy.Statement) != 2 {
		t.Fatalf("unexpected statements %+v", policy.Statement)
	}
	if policy.Statement[0].Resource[0] != "arn:aws:s3:::bucket" {
		t.Fatalf("unexpected bucket resource %v", policy.Statement[0].Resource)
	}
	if policy.Statement[1].Resource[0] != "arn:aws:s3:::bucket/consignd/*" {
		t.Fatalf("unexpected object resource %v", policy.Statement[1].Resource)
	}
}
