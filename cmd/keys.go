package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate COOKIE_HASH_KEY, COOKIE_BLOCK_KEY (base64) and GATEWAY_SECRET values",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := make([]byte, 32)
			block := make([]byte, 32)
			gateway := make([]byte, 48)
			for _, b := range [][]byte{hash, block, gateway} {
				if _, err := rand.Read(b); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stdout, "export COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(os.Stdout, "export COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))
			fmt.Fprintf(os.Stdout, "export GATEWAY_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(gateway))
			return nil
		},
	}
}
