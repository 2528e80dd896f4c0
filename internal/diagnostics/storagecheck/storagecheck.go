package storagecheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/consignd"
	"pkt.systems/consignd/internal/storage"
	awsstore "pkt.systems/consignd/internal/storage/aws"
	azurestore "pkt.systems/consignd/internal/storage/azure"
	"pkt.systems/consignd/internal/storage/disk"
	"pkt.systems/consignd/internal/storage/memory"
	"pkt.systems/consignd/internal/storage/s3"
)

const (
	diagnosticsPrefix = "diagnostics"
	checkTimeout      = 20 * time.Second
)

// Result captures the outcome of store verification checks.
type Result struct {
	Provider          string
	Bucket            string
	Prefix            string
	Path              string
	Endpoint          string
	Insecure          bool
	Credentials       consignd.CredentialSummary
	Checks            []CheckResult
	RecommendedPolicy string
	AdditionalMessage string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// VerifyStore opens the backend selected by cfg.Store and exercises the
// operations the consignment and record stores depend on.
func VerifyStore(ctx context.Context, cfg consignd.Config) (Result, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return Result{}, fmt.Errorf("parse store URL: %w", err)
	}
	var (
		backend storage.Backend
		result  Result
	)
	switch u.Scheme {
	case "mem", "memory":
		backend = memory.New()
		result = Result{
			Provider:          "memory",
			AdditionalMessage: "In-memory store; contents are lost when the server stops.",
		}
	case "disk":
		diskCfg, err := consignd.BuildDiskConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		store, err := disk.New(diskCfg)
		if err != nil {
			return Result{}, fmt.Errorf("init disk store: %w", err)
		}
		backend = store
		result = Result{Provider: "disk", Path: store.Root()}
	case "s3":
		s3cfg, creds, err := consignd.BuildGenericS3Config(cfg)
		if err != nil {
			return Result{}, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return Result{}, fmt.Errorf("init s3-compatible store: %w", err)
		}
		backend = store
		result = Result{
			Provider:    "s3-compatible",
			Bucket:      s3cfg.Bucket,
			Prefix:      s3cfg.Prefix,
			Endpoint:    s3cfg.Endpoint,
			Insecure:    s3cfg.Insecure,
			Credentials: creds,
		}
	case "aws":
		awsCfg, err := consignd.BuildAWSConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		store, err := awsstore.New(awsCfg)
		if err != nil {
			return Result{}, fmt.Errorf("init aws store: %w", err)
		}
		backend = store
		result = Result{
			Provider:    "aws",
			Bucket:      awsCfg.Bucket,
			Prefix:      awsCfg.Prefix,
			Endpoint:    awsCfg.Endpoint,
			Insecure:    awsCfg.Insecure,
			Credentials: consignd.AWSCredentialSummary(),
		}
	case "azure":
		azureCfg, err := consignd.BuildAzureConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		store, err := azurestore.New(azureCfg)
		if err != nil {
			return Result{}, fmt.Errorf("init azure store: %w", err)
		}
		backend = store
		result = Result{
			Provider: "azure-blob",
			Bucket:   azureCfg.Container,
			Prefix:   strings.Trim(azureCfg.Prefix, "/"),
			Endpoint: store.Endpoint(),
			Credentials: consignd.CredentialSummary{
				AccessKey: azureCfg.Account,
				HasSecret: azureCfg.AccountKey != "" || azureCfg.SASToken != "",
				Source:    azureCredentialSource(azureCfg),
			},
		}
	default:
		return Result{}, storage.ErrNotImplemented
	}
	defer backend.Close()

	result.Checks = VerifyBackend(ctx, backend)
	if result.Provider == "aws" && !result.Passed() {
		result.RecommendedPolicy = buildAWSPolicy(result.Bucket, result.Prefix)
	}
	return result, nil
}

// VerifyBackend runs the backend-agnostic checks: listing, create-only
// writes, reads and conditional deletes under a throwaway diagnostics key.
func VerifyBackend(ctx context.Context, backend storage.Backend) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var checks []CheckResult
	run := func(name string, fn func(context.Context) error) {
		checks = append(checks, CheckResult{Name: name, Err: fn(ctx)})
	}

	if bc, ok := backend.(bucketChecker); ok {
		run("BucketExists", func(ctx context.Context) error {
			exists, err := bc.BucketExists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return errors.New("bucket does not exist")
			}
			return nil
		})
	}

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: diagnosticsPrefix + "/", Limit: 1})
		return err
	})

	key := path.Join(diagnosticsPrefix, uuid.Must(uuid.NewV7()).String()+".bin")
	payload := []byte("consignd diagnostics " + key)
	var etag string

	run("PutObjectIfNotExists", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeOctetStream,
		})
		if err != nil {
			return err
		}
		etag = info.ETag
		return nil
	})

	run("RejectDuplicateCreate", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeOctetStream,
		})
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil
		}
		if err != nil {
			return err
		}
		return errors.New("create-only write overwrote an existing object")
	})

	run("StatObject", func(ctx context.Context) error {
		info, err := backend.StatObject(ctx, key)
		if err != nil {
			return err
		}
		if info.Size != int64(len(payload)) {
			return fmt.Errorf("size mismatch: got %d want %d", info.Size, len(payload))
		}
		return nil
	})

	run("GetObject", func(ctx context.Context) error {
		data, _, err := storage.ReadObject(ctx, backend, key)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			return errors.New("payload mismatch")
		}
		return nil
	})

	run("DeleteObject", func(ctx context.Context) error {
		return backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag, IgnoreNotFound: true})
	})

	run("GetDeletedObject", func(ctx context.Context) error {
		_, err := backend.StatObject(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return errors.New("object still present after delete")
	})
	return checks
}

func azureCredentialSource(cfg azurestore.Config) string {
	switch {
	case cfg.SASToken != "":
		return "sas_token"
	case cfg.AccountKey != "":
		return "account_key"
	default:
		return ""
	}
}
