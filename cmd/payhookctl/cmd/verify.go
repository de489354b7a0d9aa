package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/payhook/internal/signing"
)

var errBadSignature = errors.New("signature does not match")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a webhook signature",
	Long: `Check a signature header value against a payload and the endpoint secret,
the same way a merchant receiver should.

Example:
  payhookctl verify --secret "$SECRET" --signature "sha256=ab12..." --file body.json
  cat body.json | payhookctl verify --secret "$SECRET" --signature "sha256=ab12..."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secretB64, _ := cmd.Flags().GetString("secret")
		signature, _ := cmd.Flags().GetString("signature")
		file, _ := cmd.Flags().GetString("file")
		body, _ := cmd.Flags().GetString("body")

		secret, err := signing.DecodeSecret(secretB64)
		if err != nil || len(secret) == 0 {
			return fmt.Errorf("invalid secret: expected the base64 value returned at registration")
		}

		var payload []byte
		switch {
		case cmd.Flags().Changed("body"):
			payload = []byte(body)
		case file != "":
			if payload, err = os.ReadFile(file); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		default:
			if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}

		if !signing.Verify(secret, payload, signature) {
			fmt.Fprintln(cmd.OutOrStdout(), "✗ Signature is invalid")
			return errBadSignature
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Signature is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().String("secret", "", "endpoint secret (base64)")
	verifyCmd.Flags().String("signature", "", "signature header value, sha256=<hex>")
	verifyCmd.Flags().String("file", "", "file holding the exact request body")
	verifyCmd.Flags().String("body", "", "request body as a string")
	_ = verifyCmd.MarkFlagRequired("secret")
	_ = verifyCmd.MarkFlagRequired("signature")
}
