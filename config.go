package consignd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/consignd/internal/contentstore"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8000"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultRecords selects the object-backed record store sharing the artifact backend.
	DefaultRecords = "object"
	// DefaultHash is the content addressing algorithm.
	DefaultHash = string(contentstore.DefaultAlgorithm)
	// DefaultShutdownTimeout caps how long in-flight requests may drain on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultMultipartMemory caps the in-memory share of a multipart upload.
	DefaultMultipartMemory = int64(32 << 20)
	// DefaultLogLevel is the CLI log level.
	DefaultLogLevel = "info"
	// DefaultAzureEndpoint is empty so endpoints are derived from the account name.
	DefaultAzureEndpoint = ""
	// DefaultConfigFileName is the config file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a consignd server.
type Config struct {
	Listen      string
	ListenProto string
	// Store selects the object backend (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container). Empty means a disk store under
	// the default data directory.
	Store string
	// Records selects the record store: "object" (records live next to the
	// artifacts in Store), leveldb:///path or redis://host:port/db.
	Records string
	// StagingDir holds uploads while they are hashed. Empty derives it from the
	// disk store root, or the default data directory.
	StagingDir string
	// Hash is the content addressing algorithm (sha256 or blake3).
	Hash string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	MultipartMemory   int64

	S3SSE             string
	S3KMSKeyID        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// DisableHTTPTracing turns off otelhttp and per-operation spans.
	DisableHTTPTracing bool
}

// Validate fills defaults and reports configuration errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if strings.TrimSpace(c.Store) == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data dir: %w", err)
		}
		c.Store = "disk://" + filepath.ToSlash(dir)
	}
	storeURL, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	switch storeURL.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: store scheme %q not supported", storeURL.Scheme)
	}
	c.Records = strings.TrimSpace(c.Records)
	if c.Records == "" {
		c.Records = DefaultRecords
	}
	if c.Records != DefaultRecords {
		recordsURL, err := url.Parse(c.Records)
		if err != nil {
			return fmt.Errorf("config: parse records: %w", err)
		}
		switch recordsURL.Scheme {
		case "leveldb", "redis", "rediss":
		default:
			return fmt.Errorf("config: records scheme %q not supported (object, leveldb://, redis://)", recordsURL.Scheme)
		}
	}
	if c.Hash == "" {
		c.Hash = DefaultHash
	}
	if _, err := contentstore.ParseAlgorithm(c.Hash); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		dir, err := c.defaultStagingDir(storeURL)
		if err != nil {
			return err
		}
		c.StagingDir = dir
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadHeaderTimeout < 0 {
		return fmt.Errorf("config: read header timeout must be >= 0")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.MultipartMemory < 0 {
		return fmt.Errorf("config: multipart memory must be >= 0")
	}
	if c.MultipartMemory == 0 {
		c.MultipartMemory = DefaultMultipartMemory
	}
	c.S3SSE = strings.TrimSpace(c.S3SSE)
	switch strings.ToLower(c.S3SSE) {
	case "", "aes256", "aws:kms", "kms":
	default:
		return fmt.Errorf("config: s3 sse must be AES256 or aws:kms")
	}
	return nil
}

// defaultStagingDir places staging under the disk store root when there is one.
func (c *Config) defaultStagingDir(storeURL *url.URL) (string, error) {
	if storeURL.Scheme == "disk" {
		root, err := diskRoot(storeURL)
		if err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		return filepath.Join(root, "staging"), nil
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve data dir: %w", err)
	}
	return filepath.Join(dir, "staging"), nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.consignd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CONSIGND_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".consignd"), nil
}

// DefaultDataDir returns the directory holding the default disk store.
func DefaultDataDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// DefaultConfigFile returns the default YAML config file location.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
