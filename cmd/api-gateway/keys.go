package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-gateway/services/token"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Signing key utilities.",
	}

	var size int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a new random signing key in SIGNING_KEY form.",
		Long: `Print a new random signing key in SIGNING_KEY form.

To rotate a running gateway, write the key to its env file and send it
SIGHUP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < token.MinKeyLength {
				return fmt.Errorf("key size must be at least %d bytes", token.MinKeyLength)
			}
			key := make([]byte, size)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "base64:%s\n", base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
	generate.Flags().IntVar(&size, "bytes", 32, "key length in bytes")

	cmd.AddCommand(generate)
	return cmd
}
