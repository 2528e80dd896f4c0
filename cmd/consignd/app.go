package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/consignd"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CONSIGND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "consignd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand, so failures can be logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := consignd.DefaultConfigFile(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg consignd.Config

	cmd := &cobra.Command{
		Use:           "consignd",
		Short:         "consignd relays RGB consignments between payer and payee and records the payee's ack or nack",
		SilenceErrors: true,
		Example: `
  # Disk store under $HOME/.consignd/data, listening on :8000
  consignd

  # In-memory storage (tests/dev only)
  consignd --store mem://

  # MinIO with records in Redis (TLS on by default; append ?insecure=1 for HTTP)
  CONSIGND_S3_ACCESS_KEY_ID=minioadmin CONSIGND_S3_SECRET_ACCESS_KEY=minioadmin \
    consignd --store 's3://localhost:9000/consignments?insecure=1' --records redis://localhost:6379/0

  # AWS S3 (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  CONSIGND_STORE=aws://my-bucket/prefix CONSIGND_AWS_REGION=eu-north-1 consignd

  # Local disk artifacts with LevelDB records and BLAKE3 addressing
  consignd --store disk:///var/lib/consignd --records leveldb:///var/lib/consignd/records.ldb --hash blake3
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to consignd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = consignd.DefaultLogLevel
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			} else {
				cliLogger.Warn("unknown log level, keeping default", "log_level", logLevel)
			}

			server, err := consignd.NewServer(cfg, consignd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = consignd.DefaultShutdownTimeout
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer func() { _ = shutdown() }()

			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.consignd/"+consignd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", consignd.DefaultListen, "listen address (socket path when --listen-proto=unix)")
	flags.String("listen-proto", consignd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", consignd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", consignd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("store", "", "artifact store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container); default disk store under $HOME/.consignd/data")
	flags.String("records", consignd.DefaultRecords, "record store (object, leveldb:///path, redis://host:port/db)")
	flags.String("staging-dir", "", "directory for in-flight uploads (defaults next to the disk store)")
	flags.String("hash", consignd.DefaultHash, "content addressing algorithm (sha256, blake3)")
	flags.String("multipart-memory", humanizeBytes(consignd.DefaultMultipartMemory), "bytes of a multipart upload held in memory before spilling to disk")
	flags.Duration("shutdown-timeout", consignd.DefaultShutdownTimeout, "maximum time to drain in-flight requests on shutdown")
	flags.Duration("read-header-timeout", consignd.DefaultReadHeaderTimeout, "maximum time to read request headers")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects (AES256, aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or CONSIGND_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores (or CONSIGND_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account name (overrides the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or CONSIGND_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", consignd.DefaultAzureEndpoint, "Azure Blob service endpoint (derived from the account when empty)")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable otelhttp request spans")
	flags.String("log-level", consignd.DefaultLogLevel, "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CONSIGND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"store", "records", "staging-dir", "hash", "multipart-memory", "shutdown-timeout", "read-header-timeout",
		"s3-sse", "s3-kms-key-id", "s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"otlp-endpoint", "disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *consignd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Store = viper.GetString("store")
	cfg.Records = viper.GetString("records")
	cfg.StagingDir = viper.GetString("staging-dir")
	cfg.Hash = strings.ToLower(strings.TrimSpace(viper.GetString("hash")))
	if mem := strings.TrimSpace(viper.GetString("multipart-memory")); mem != "" {
		size, err := humanize.ParseBytes(mem)
		if err != nil {
			return fmt.Errorf("parse multipart-memory: %w", err)
		}
		cfg.MultipartMemory = int64(size)
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
