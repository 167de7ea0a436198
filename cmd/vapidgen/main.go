// Command vapidgen prints a fresh VAPID key pair for web push, and can hash
// the shared login secret for notifier.shared_secret_hash.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"

	"github.com/real-rm/notifier/internal/auth"
	"github.com/real-rm/notifier/internal/constants"
)

const (
	formatEnv  = "env"
	formatTOML = "toml"
)

// generateKeys is swapped in tests.
var generateKeys = webpush.GenerateVAPIDKeys

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var format, subscriber string

	cmd := &cobra.Command{
		Use:   "vapidgen",
		Short: "Generates a VAPID key pair for web push notifications.",
		Long: "Generates a VAPID key pair for web push notifications. " +
			"The public key is handed to browsers; keep the private key secret.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, publicKey, err := generateKeys()
			if err != nil {
				return fmt.Errorf("failed to generate VAPID keys: %w", err)
			}
			return writeKeys(cmd.OutOrStdout(), format, publicKey, privateKey, subscriber)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatEnv,
		"Output format: env (for .env files) or toml (for the config file).")
	cmd.Flags().StringVarP(&subscriber, "subscriber", "s", constants.DefaultVAPIDSubscriber,
		"Contact URI sent to push services (mailto: or https:).")

	cmd.AddCommand(newHashSecretCmd())
	return cmd
}

func writeKeys(w io.Writer, format, publicKey, privateKey, subscriber string) error {
	switch strings.ToLower(format) {
	case formatEnv:
		_, err := fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\nVAPID_MAILTO=%s\n",
			publicKey, privateKey, subscriber)
		return err
	case formatTOML:
		_, err := fmt.Fprintf(w, "[push]\nvapid_public_key = %q\nvapid_private_key = %q\nsubscriber = %q\n",
			publicKey, privateKey, subscriber)
		return err
	}
	return fmt.Errorf("unknown format %q: use %s or %s", format, formatEnv, formatTOML)
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Prints a bcrypt hash of the shared login secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < constants.MinSharedSecretLength {
				return fmt.Errorf("secret must be at least %d characters", constants.MinSharedSecretLength)
			}
			hash, err := auth.HashSecret(args[0])
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "NOTIFIER_SHARED_SECRET_HASH=%s\n", hash)
			return err
		},
	}
}
