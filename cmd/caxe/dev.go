//go:build dev

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/spf13/cobra"
)

func init() {
	devCommands = append(devCommands, newIssueCmd())
}

func newIssueCmd() *cobra.Command {
	var (
		file   string
		output string
		seed   string
		schema string
		alg    string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "[dev] Issue a self-signed credential for a report",
		Long: `Build the attribute block for a report, issue a credential over it from a
throwaway identifier and write the signed message stream (inception,
registry, issuance and credential) to --output. Serve that file with
Content-Type application/json+acdc and link it from the report.

NOTE: This command is only available in dev builds (go build -tags dev).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueCredential(file, output, seed, schema, alg)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Report file (- for stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "credential.cesr", "Output path for the credential stream")
	cmd.Flags().StringVar(&seed, "seed", "", "Hex Ed25519 seed of the issuer (random when empty)")
	cmd.Flags().StringVar(&schema, "schema", "EReportAttestationSchema", "Schema SAID recorded in the credential")
	cmd.Flags().StringVar(&alg, "alg", string(crypto.Blake3), "Digest algorithm: blake3|blake2b|sha3")

	return cmd
}

func issueCredential(file, output, seedHex, schema, algName string) error {
	alg, err := crypto.ParseAlgorithm(algName)
	if err != nil {
		return err
	}
	doc, err := readReport(file)
	if err != nil {
		return err
	}

	seed := make([]byte, 32)
	if seedHex == "" {
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("generate seed: %w", err)
		}
	} else if seed, err = hex.DecodeString(seedHex); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	issuer, err := engine.NewIssuer(seed, alg)
	if err != nil {
		return err
	}

	attrs, err := report.Attributes(doc, report.CredentialMediaType, alg, time.Now())
	if err != nil {
		return err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	said, stream, err := issuer.Bundle(hex.EncodeToString(nonce), schema, attrs)
	if err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}
	if err := os.WriteFile(output, stream, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}

	fmt.Printf("Issuer:     %s\n", issuer.Prefix())
	fmt.Printf("Credential: %s\n", said)
	fmt.Printf("Report:     %s\n", attrs["rd"])
	fmt.Printf("Written to: %s\n", output)
	fmt.Printf("\nLink it from the report:\n  <link rel=\"alternate\" type=%q href=\"https://<host>/oobi/%s\"/>\n", report.CredentialMediaType, said)
	return nil
}
