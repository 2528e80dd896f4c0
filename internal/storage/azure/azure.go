package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/consignd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store using the provided configuration. The container is
// created when it does not exist yet.
func New(cfg Config) (*Store, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.Account == "" {
		return fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return fmt.Errorf("azure: account key or SAS token required")
	}
	return nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

// Endpoint returns the service endpoint the store talks to.
func (s *Store) Endpoint() string { return s.endpoint }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "azure")
}

func (s *Store) blobName(key string) (string, error) {
	segments := escapeSegments(key)
	if len(segments) == 0 {
		return "", fmt.Errorf("azure: object key required")
	}
	name := path.Join(segments...)
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}

func (s *Store) logicalKey(name string) (string, error) {
	if s.prefix != "" {
		name = strings.TrimPrefix(name, s.prefix+"/")
	}
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", nil
	}
	return unescapeSegments(name)
}

func escapeSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	escaped := make([]string, 0, len(parts))
	for _, segment := range parts {
		if segment == "" {
			continue
		}
		escaped = append(escaped, url.PathEscape(segment))
	}
	return escaped
}

func unescapeSegments(name string) (string, error) {
	parts := strings.Split(name, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", err
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), nil
}

// ListObjects enumerates blobs whose logical key starts with opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	logger.Trace("azure.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	blobPrefix := ""
	if s.prefix != "" {
		blobPrefix = s.prefix + "/"
	}
	if segments := escapeSegments(opts.Prefix); len(segments) > 0 {
		blobPrefix += path.Join(segments...)
		if strings.HasSuffix(opts.Prefix, "/") {
			blobPrefix += "/"
		}
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &blobPrefix,
	})
	logicalPrefix := strings.TrimPrefix(opts.Prefix, "/")
	result := &storage.ListResult{}
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			logger.Debug("azure.list_objects.error", "error", err)
			return nil, fmt.Errorf("azure: list objects: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			logical, err := s.logicalKey(*item.Name)
			if err != nil || logical == "" {
				continue
			}
			if logicalPrefix != "" && !strings.HasPrefix(logical, logicalPrefix) {
				continue
			}
			if opts.StartAfter != "" && logical <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				break outer
			}
			info := storage.ObjectInfo{Key: logical}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	logger.Debug("azure.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated)
	return result, nil
}

// GetObject streams the blob stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	logger.Trace("azure.get_object.begin", "key", key, "blob", name)
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("azure.get_object.not_found", "key", key, "blob", name)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "key", key, "blob", name, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("azure: download object: %w", err)
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	logger.Debug("azure.get_object.success", "key", key, "blob", name, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// StatObject fetches blob properties without downloading the payload.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.stat_object.error", "key", key, "blob", name, "error", err)
		return nil, fmt.Errorf("azure: get properties: %w", err)
	}
	info := &storage.ObjectInfo{Key: key}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	return info, nil
}

// PutObject uploads a blob with CAS or create-only semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	logger.Trace("azure.put_object.begin", "key", key, "blob", name, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	if cond := accessConditions(opts); cond != nil {
		uploadOpts.AccessConditions = cond
	}
	resp, err := s.client.UploadStream(ctx, s.container, name, body, uploadOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger.Debug("azure.put_object.cas_mismatch", "key", key, "blob", name, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		default:
			logger.Debug("azure.put_object.error", "key", key, "blob", name, "error", err)
			return nil, fmt.Errorf("azure: upload object: %w", err)
		}
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	logger.Debug("azure.put_object.success", "key", key, "blob", name, "etag", info.ETag)
	return info, nil
}

func accessConditions(opts storage.PutObjectOptions) *blob.AccessConditions {
	switch {
	case opts.ExpectedETag != "":
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	case opts.IfNotExists:
		return &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		}
	}
	return nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		s.logger(ctx).Debug("azure.delete_object.error", "key", key, "blob", name, "error", err)
		return fmt.Errorf("azure: delete object: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
