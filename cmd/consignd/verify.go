package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/consignd"
	"pkt.systems/consignd/internal/diagnostics/storagecheck"
	"pkt.systems/consignd/internal/storage"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand())
	return cmd
}

func newVerifyStoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify the artifact store is reachable and honours create-only writes",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
CONSIGND_STORE=disk:///var/lib/consignd consignd verify store

# Verify Azure Blob using Shared Key credentials
CONSIGND_STORE=azure://myacct/consignments CONSIGND_AZURE_KEY=... consignd verify store

# Verify S3-compatible service (MinIO)
CONSIGND_STORE='s3://localhost:9000/consignments?insecure=1' CONSIGND_S3_ACCESS_KEY_ID=minio CONSIGND_S3_SECRET_ACCESS_KEY=minio123 consignd verify store

# Verify AWS S3
CONSIGND_STORE=aws://my-bucket CONSIGND_AWS_REGION=us-west-2 consignd verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg consignd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			res, err := storagecheck.VerifyStore(cmd.Context(), cfg)
			if errors.Is(err, storage.ErrNotImplemented) {
				fmt.Fprintln(cmd.OutOrStdout(), "Storage verification not implemented for this backend")
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", redactStore(cfg.Store))
			if res.Provider != "" {
				fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			}
			if res.Path != "" {
				fmt.Fprintf(out, "Path: %s\n", res.Path)
			}
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s (insecure:%t)\n", res.Endpoint, res.Insecure)
			}
			if res.Bucket != "" {
				fmt.Fprintf(out, "Bucket/Container: %s\n", res.Bucket)
			}
			if res.Prefix != "" {
				fmt.Fprintf(out, "Prefix: %s\n", res.Prefix)
			}
			cred := res.Credentials
			if cred.Source != "" || cred.AccessKey != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			if res.AdditionalMessage != "" {
				fmt.Fprintln(out, res.AdditionalMessage)
			}
			fmt.Fprintln(out)

			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			if res.RecommendedPolicy != "" {
				fmt.Fprintf(out, "\nRecommended AWS IAM policy:\n%s\n", res.RecommendedPolicy)
			}
			return fmt.Errorf("storage verification failed")
		},
	}
}

// redactStore drops query parameters, which may carry SAS tokens.
func redactStore(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
