package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/aspect-build/caxe/internal/client"
	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/refparser"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/aspect-build/caxe/internal/version"
	"github.com/spf13/cobra"
)

// devCommands is populated by dev.go (build tag "dev") with dev-only subcommands.
var devCommands []*cobra.Command

// resolveServerURL returns the server URL from the flag or CAXE_SERVER_URL env var.
// Prints a warning to stderr when falling back to the env var.
// Returns an error if neither is set.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	if cmd.Flags().Changed("server") {
		return flagValue, nil
	}
	if v := os.Getenv("CAXE_SERVER_URL"); v != "" {
		fmt.Fprintf(os.Stderr, "caxe: WARNING: using server URL from CAXE_SERVER_URL environment variable\n")
		return v, nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set CAXE_SERVER_URL")
}

// readReport reads path, or stdin when path is "-".
func readReport(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func main() {
	var (
		verbose  bool
		logLevel string
	)
	rootCmd := &cobra.Command{
		Use:     "caxe",
		Short:   "caxe - verify reports against the credentials they link to",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logx.Configure(logLevel, verbose)
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate(version.String("caxe") + "\n")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose debug logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (or CAXE_LOG_LEVEL)")

	rootCmd.AddCommand(newLinksCmd())
	rootCmd.AddCommand(newDigestCmd())
	rootCmd.AddCommand(newSaidifyCmd())
	rootCmd.AddCommand(newVerifyCmd())
	for _, cmd := range devCommands {
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLinksCmd() *cobra.Command {
	var (
		file      string
		mediaType string
	)

	cmd := &cobra.Command{
		Use:   "links",
		Short: "List the credential links of a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readReport(file)
			if err != nil {
				return err
			}
			links, err := report.LinksOfType(doc, mediaType)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range links {
				ref, err := refparser.Parse(l)
				if err != nil {
					fmt.Fprintf(out, "%s\t(invalid: %v)\n", l, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", ref.SAID, l)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Report file (- for stdin)")
	cmd.Flags().StringVar(&mediaType, "media-type", report.CredentialMediaType, "Link type of credential references")

	return cmd
}

func newDigestCmd() *cobra.Command {
	var (
		file      string
		alg       string
		mediaType string
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the content identifier of a report",
		Long: `Canonicalize the report with its credential links removed and print the
qb64 digest issuers place in a credential's "rd" field.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := crypto.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			doc, err := readReport(file)
			if err != nil {
				return err
			}
			cid, err := report.ContentIDOfType(doc, mediaType, a)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Report file (- for stdin)")
	cmd.Flags().StringVar(&alg, "alg", string(crypto.Blake3), "Digest algorithm: blake3|blake2b|sha3")
	cmd.Flags().StringVar(&mediaType, "media-type", report.CredentialMediaType, "Link type of credential references")

	return cmd
}

func newSaidifyCmd() *cobra.Command {
	var (
		file      string
		alg       string
		mediaType string
	)

	cmd := &cobra.Command{
		Use:   "saidify",
		Short: "Print the attribute block an issuer signs for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := crypto.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			doc, err := readReport(file)
			if err != nil {
				return err
			}
			attrs, err := report.Attributes(doc, mediaType, a, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(attrs)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Report file (- for stdin)")
	cmd.Flags().StringVar(&alg, "alg", string(crypto.Blake3), "Digest algorithm: blake3|blake2b|sha3")
	cmd.Flags().StringVar(&mediaType, "media-type", report.CredentialMediaType, "Link type of credential references")

	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		file      string
		reportURL string
		serverURL string
		insecure  bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Submit a report to a caxe server and print the result",
		Long: `Submit a report (--file) or a report URL (--url) to a caxe server and wait
for the verification result. Exits non-zero on rejection, failure or timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (reportURL == "") {
				return errors.New("exactly one of --file or --url is required")
			}
			resolved, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			c, err := client.New(resolved, insecure)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var res *client.Result
			if reportURL != "" {
				res, err = c.VerifyURL(ctx, reportURL)
			} else {
				doc, rerr := readReport(file)
				if rerr != nil {
					return rerr
				}
				res, err = c.Verify(ctx, doc)
			}
			return printVerifyResult(cmd.OutOrStdout(), res, err)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Report file (- for stdin)")
	cmd.Flags().StringVar(&reportURL, "url", "", "Report URL for the server to fetch")
	cmd.Flags().StringVar(&serverURL, "server", "", "caxe server URL (or set CAXE_SERVER_URL)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Allow plaintext HTTP connection to server")

	return cmd
}

func printVerifyResult(out io.Writer, res *client.Result, err error) error {
	var failed *client.FailedError
	switch {
	case errors.As(err, &failed):
		fmt.Fprintf(out, "FAILED (%s): %s\n", failed.CorrelationID, failed.Msg)
		for _, d := range failed.Diagnostics {
			fmt.Fprintf(out, "  [%s] %s: %s\n", d.Severity, d.Code, d.Msg)
		}
		return failed
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "VERIFIED (%s)\n", res.CorrelationID)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Attestations)
}
