package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/consignd/api"
	"pkt.systems/consignd/internal/correlation"
	"pkt.systems/consignd/internal/version"
	"pkt.systems/pslog"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 64 << 10
)

// Client talks to a consignd server over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	userAgent   string
	logger      pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Ignored for
// unix:// base URLs, which need their own dialer.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger attaches a logger for request tracing. Nil disables logging.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout bounds every request. Zero or negative keeps the default.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// New constructs a client for baseURL. Plain http(s) URLs are used as is;
// unix-domain sockets are reached with unix:///var/run/consignd.sock.
//
//	cli, err := client.New("http://127.0.0.1:8000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := cli.AckStatus(ctx, "utxob:abc")
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout: defaultHTTPTimeout,
		userAgent:   version.UserAgent(),
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	if c.httpClient == nil || strings.HasPrefix(strings.TrimSpace(baseURL), "unix://") {
		c.httpClient = httpClient
	}
	c.baseURL = base
	return c, nil
}

// BaseURL returns the normalised base URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Upload sends a consignment for token. filename is informational and
// defaults to "consignment".
func (c *Client) Upload(ctx context.Context, token string, r io.Reader, filename string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("consignd: token required")
	}
	if filename == "" {
		filename = "consignment"
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, token, r, filename)
		_ = pw.CloseWithError(err)
	}()
	defer pr.Close()
	return c.do(ctx, http.MethodPost, "/consignment", pr, mw.FormDataContentType(), nil)
}

// UploadFile uploads the file at path for token.
func (c *Client) UploadFile(ctx context.Context, token, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Upload(ctx, token, f, filepath.Base(path))
}

// UploadBytes uploads an in-memory consignment for token.
func (c *Client) UploadBytes(ctx context.Context, token string, data []byte, filename string) error {
	return c.Upload(ctx, token, bytes.NewReader(data), filename)
}

func writeUploadForm(mw *multipart.Writer, token string, r io.Reader, filename string) error {
	if err := mw.WriteField(api.FormFieldToken, token); err != nil {
		return err
	}
	part, err := mw.CreateFormFile(api.FormFieldConsignment, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// Fetch downloads the consignment stored for token.
func (c *Client) Fetch(ctx context.Context, token string) ([]byte, error) {
	var resp api.FetchResponse
	if err := c.do(ctx, http.MethodGet, "/consignment/"+url.PathEscape(token), nil, "", &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Consignment)
	if err != nil {
		return nil, fmt.Errorf("consignd: decode consignment: %w", err)
	}
	return data, nil
}

// Ack records a positive response for token.
func (c *Client) Ack(ctx context.Context, token string) error {
	return c.respond(ctx, "/ack", token)
}

// Nack records a negative response for token.
func (c *Client) Nack(ctx context.Context, token string) error {
	return c.respond(ctx, "/nack", token)
}

func (c *Client) respond(ctx context.Context, path, token string) error {
	body, err := json.Marshal(api.AckRequest{BlindedUTXO: token})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", nil)
}

// AckStatus reports whether token was acknowledged or rejected. Both fields
// are false while no response has been recorded.
func (c *Client) AckStatus(ctx context.Context, token string) (*api.AckStatusResponse, error) {
	var resp api.AckStatusResponse
	if err := c.do(ctx, http.MethodGet, "/ack/"+url.PathEscape(token), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
}

// Ready calls /readyz.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, "", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	cid := CorrelationIDFromContext(ctx)
	if cid != "" {
		req.Header.Set(correlation.HeaderCorrelationID, cid)
	}
	c.logger.Trace("client.http.start", "method", method, "path", path, "cid", cid)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", method, "path", path, "cid", cid, "error", err)
		return err
	}
	defer resp.Body.Close()
	reqID := resp.Header.Get(correlation.HeaderRequestID)
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.error", "method", method, "path", path, "status", resp.StatusCode, "req_id", reqID, "cid", cid)
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("consignd: decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logger.Trace("client.http.success", "method", method, "path", path, "status", resp.StatusCode, "req_id", reqID, "elapsed", time.Since(start))
	return nil
}

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded envelope, when the body was JSON.
	Response api.Envelope
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RequestID echoes the server's X-Request-Id.
	RequestID string
}

func (e *APIError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("consignd: %s (status %d)", e.Response.Error, e.Status)
	}
	return fmt.Sprintf("consignd: status %d", e.Status)
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	apiErr := &APIError{
		Status:    resp.StatusCode,
		Body:      data,
		RequestID: resp.Header.Get(correlation.HeaderRequestID),
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	return apiErr
}

func apiErrorIs(err error, status int, message string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == status && (message == "" || apiErr.Response.Error == message)
}

// IsNotFound reports whether err means no consignment exists for the token.
func IsNotFound(err error) bool {
	return apiErrorIs(err, http.StatusNotFound, "")
}

// IsAlreadyUploaded reports whether the upload was rejected as a duplicate.
func IsAlreadyUploaded(err error) bool {
	return apiErrorIs(err, http.StatusForbidden, api.ErrMsgAlreadyUploaded)
}

// IsAlreadyResponded reports whether the token was already acked or nacked.
func IsAlreadyResponded(err error) bool {
	return apiErrorIs(err, http.StatusForbidden, api.ErrMsgAlreadyResponded)
}

func buildHTTPClient(rawBase string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", fmt.Errorf("baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("parse baseURL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return nil, "", fmt.Errorf("baseURL %q missing scheme (http://, https:// or unix://)", trimmed)
	default:
		return nil, "", fmt.Errorf("baseURL scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("baseURL %q missing host", trimmed)
	}
	return &http.Client{}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		if socketPath == "" || socketPath == "/" {
			socketPath = "/" + u.Host
		} else {
			socketPath = "/" + u.Host + socketPath
		}
	}
	if socketPath == "" {
		return nil, "", fmt.Errorf("unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}
