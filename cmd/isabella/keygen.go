package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tamv/isabella/internal/identity"
)

const minPassphraseLen = 8

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the creator's hybrid signing keys",
		Long: `Generates the creator key bundle:
- Ed25519 keys (classical digital signatures)
- ML-DSA-65 keys (post-quantum signatures)

Private keys are encrypted with your passphrase. Point
creator.key_bundle_path at the written file to require signed
creator sessions. NEVER share your private keys or passphrase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = filepath.Join(dataDir, "creator.keys.json")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			passphrase, err := readNewPassphrase(cmd)
			if err != nil {
				return err
			}

			bundle, err := identity.GenerateKeyBundle()
			if err != nil {
				return err
			}
			serialized, err := bundle.Serialize(passphrase)
			if err != nil {
				return err
			}
			if err := writeKeyBundle(out, serialized); err != nil {
				return err
			}

			pub := bundle.Public()
			edB64, mldsaB64, err := pub.Encode()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Key bundle written to %s\n\n", out)
			fmt.Fprintf(w, "pubkey:      %s\n", pub.PubKeyString())
			fmt.Fprintf(w, "fingerprint: %s\n", pub.Fingerprint())
			fmt.Fprintf(w, "ed25519:     %s\n", edB64)
			fmt.Fprintf(w, "ml-dsa-65:   %s...\n", mldsaB64[:32])
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <data-dir>/creator.keys.json)")
	return cmd
}

func readNewPassphrase(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("keygen needs an interactive terminal for the passphrase")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Create a passphrase (min %d chars): ", minPassphraseLen)
	first, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if len(first) < minPassphraseLen {
		return "", fmt.Errorf("passphrase must be at least %d characters", minPassphraseLen)
	}

	fmt.Fprint(cmd.OutOrStdout(), "Confirm passphrase: ")
	second, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases don't match")
	}
	return string(first), nil
}

func writeKeyBundle(path string, skb *identity.SerializedKeyBundle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(skb, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
