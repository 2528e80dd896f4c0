package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	consigndclient "pkt.systems/consignd/client"
	"pkt.systems/consignd/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	clientServerKey      = "client.server"
	clientTimeoutKey     = "client.timeout"
	clientLogLevelKey    = "client.log-level"
	clientCorrelationKey = "client.correlation-id"

	defaultClientServer  = "http://127.0.0.1:8000"
	defaultClientTimeout = 60 * time.Second
)

type clientCLIConfig struct {
	server        string
	timeout       time.Duration
	logLevel      string
	correlationID string
	logger        pslog.Logger
	logWriter     io.Writer
}

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{logWriter: os.Stderr}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Upload, fetch and acknowledge consignments on a running consignd server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "consignd server base URL (http://, https:// or unix:///path.sock)")
	flags.Duration("timeout", defaultClientTimeout, "HTTP request timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("correlation-id", "", "X-Correlation-Id sent with every request")

	mustBindFlag(clientServerKey, "CONSIGND_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "CONSIGND_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "CONSIGND_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientCorrelationKey, "CONSIGND_CLIENT_CORRELATION_ID", flags.Lookup("correlation-id"))

	cmd.AddCommand(
		newClientUploadCommand(cfg),
		newClientFetchCommand(cfg),
		newClientAckCommand(cfg, true),
		newClientAckCommand(cfg, false),
		newClientStatusCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) load() error {
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultClientServer
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = defaultClientTimeout
	}
	c.correlationID = strings.TrimSpace(viper.GetString(clientCorrelationKey))
	c.logLevel = strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	return c.setupLogger()
}

func (c *clientCLIConfig) setupLogger() error {
	switch c.logLevel {
	case "", "none", "off", "disabled":
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(c.logLevel)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		return nil
	}
	writer := c.logWriter
	if writer == nil {
		writer = os.Stderr
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewWithOptions(writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}), "client.cli")
	return nil
}

func (c *clientCLIConfig) client() (*consigndclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []consigndclient.Option{consigndclient.WithHTTPTimeout(c.timeout)}
	if c.logger != nil {
		opts = append(opts, consigndclient.WithLogger(c.logger))
	}
	return consigndclient.New(c.server, opts...)
}

func (c *clientCLIConfig) withCorrelation(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.correlationID != "" {
		ctx = consigndclient.WithCorrelationID(ctx, c.correlationID)
	}
	return ctx
}

func newClientUploadCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <blinded-utxo> <file|->",
		Short: "Upload a consignment for a blinded UTXO",
		Example: `  consignd client upload utxob:abc transfer.rgb
  cat transfer.rgb | consignd client upload utxob:abc -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cfg.withCorrelation(cmd.Context())
			token, path := args[0], args[1]
			if path == "-" {
				err = cli.Upload(ctx, token, cmd.InOrStdin(), "")
			} else {
				err = cli.UploadFile(ctx, token, path)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded consignment for %s\n", token)
			return nil
		},
	}
}

func newClientFetchCommand(cfg *clientCLIConfig) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "fetch <blinded-utxo>",
		Short: "Download the consignment stored for a blinded UTXO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			data, err := cli.Fetch(cfg.withCorrelation(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if dir := filepath.Dir(outPath); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write consignment: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the consignment to this file instead of stdout")
	return cmd
}

func newClientAckCommand(cfg *clientCLIConfig, ack bool) *cobra.Command {
	use, short, verb := "ack", "Accept the consignment for a blinded UTXO", "acked"
	if !ack {
		use, short, verb = "nack", "Reject the consignment for a blinded UTXO", "nacked"
	}
	return &cobra.Command{
		Use:   use + " <blinded-utxo>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cfg.withCorrelation(cmd.Context())
			if ack {
				err = cli.Ack(ctx, args[0])
			} else {
				err = cli.Nack(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			return nil
		},
	}
}

func newClientStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status <blinded-utxo>",
		Short: "Show whether the payee acked or nacked a consignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			status, err := cli.AckStatus(cfg.withCorrelation(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}
