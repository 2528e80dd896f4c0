package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/consignd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage consignd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.consignd/" + consignd.DefaultConfigFileName
	if path, err := consignd.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default consignd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := consignd.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match the flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	Store                  string `yaml:"store"`
	Records                string `yaml:"records"`
	StagingDir             string `yaml:"staging-dir"`
	Hash                   string `yaml:"hash"`
	MultipartMemory        string `yaml:"multipart-memory"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	ReadHeaderTimeout      string `yaml:"read-header-timeout"`
	S3SSE                  string `yaml:"s3-sse"`
	S3KMSKeyID             string `yaml:"s3-kms-key-id"`
	AWSRegion              string `yaml:"aws-region"`
	AzureAccount           string `yaml:"azure-account"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool   `yaml:"disable-http-tracing"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	store := ""
	if dir, err := consignd.DefaultDataDir(); err == nil {
		store = "disk://" + filepath.ToSlash(dir)
	}
	defaults := configDefaults{
		Listen:            consignd.DefaultListen,
		ListenProto:       consignd.DefaultListenProto,
		MetricsListen:     consignd.DefaultMetricsListen,
		PprofListen:       consignd.DefaultPprofListen,
		Store:             store,
		Records:           consignd.DefaultRecords,
		Hash:              consignd.DefaultHash,
		MultipartMemory:   humanizeBytes(consignd.DefaultMultipartMemory),
		ShutdownTimeout:   consignd.DefaultShutdownTimeout.String(),
		ReadHeaderTimeout: consignd.DefaultReadHeaderTimeout.String(),
		AzureEndpoint:     consignd.DefaultAzureEndpoint,
		LogLevel:          consignd.DefaultLogLevel,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
