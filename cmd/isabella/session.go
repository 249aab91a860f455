package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Creator session tools",
	}
	cmd.AddCommand(sessionSignCmd())
	return cmd
}

type signOptions struct {
	bundle    string
	device    string
	action    string
	nonce     string
	timestamp string
	assurance string
}

func sessionSignCmd() *cobra.Command {
	opts := signOptions{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a creator session for POST /v1/tasks",
		Long: `Decrypts the creator key bundle and prints a signed creator session
as JSON. Pass it as the "session" field of a task request to a server
started with creator.key_bundle_path set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			path := opts.bundle
			if path == "" {
				path = cfg.Creator.KeyBundlePath
			}
			if path == "" {
				path = filepath.Join(dataDir, "creator.keys.json")
			}
			skb, err := readKeyBundle(path)
			if err != nil {
				return err
			}

			passphrase, err := readPassphrase(cmd)
			if err != nil {
				return err
			}

			session, err := signSession(skb, passphrase, core.CreatorSessionContext{
				DID:            cfg.Creator.DID,
				DeviceID:       opts.device,
				AssuranceLevel: core.AssuranceLevel(opts.assurance),
				Nonce:          opts.nonce,
				Timestamp:      opts.timestamp,
				Action:         opts.action,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		},
	}

	cmd.Flags().StringVar(&opts.bundle, "bundle", "", "key bundle (default creator.key_bundle_path or <data-dir>/creator.keys.json)")
	cmd.Flags().StringVar(&opts.device, "device", "", "device id")
	cmd.Flags().StringVar(&opts.action, "action", "", "action the session authorizes")
	cmd.Flags().StringVar(&opts.nonce, "nonce", "", "nonce (default random)")
	cmd.Flags().StringVar(&opts.timestamp, "timestamp", "", "RFC3339 timestamp (default now)")
	cmd.Flags().StringVar(&opts.assurance, "assurance", string(core.AssuranceHigh), "assurance level")
	cmd.MarkFlagRequired("device")

	return cmd
}

// signSession fills the nonce and timestamp when empty and signs ctx with the
// decrypted bundle
func signSession(skb *identity.SerializedKeyBundle, passphrase string, ctx core.CreatorSessionContext) (core.CreatorSessionContext, error) {
	if ctx.AssuranceLevel.Rank() == 0 {
		return ctx, fmt.Errorf("%w: assurance level %q", core.ErrInvalidInput, ctx.AssuranceLevel)
	}
	if ctx.Nonce == "" {
		ctx.Nonce = uuid.NewString()
	}
	if ctx.Timestamp == "" {
		ctx.Timestamp = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, ctx.Timestamp); err != nil {
		return ctx, fmt.Errorf("%w: timestamp: %v", core.ErrInvalidInput, err)
	}

	kb, err := skb.Deserialize(passphrase)
	if err != nil {
		return ctx, fmt.Errorf("unlock key bundle: %w", err)
	}

	ctx.Signature, err = identity.SignSession(kb, ctx)
	if err != nil {
		return ctx, err
	}
	return ctx, nil
}

func readKeyBundle(path string) (*identity.SerializedKeyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key bundle: %w", err)
	}
	var skb identity.SerializedKeyBundle
	if err := json.Unmarshal(data, &skb); err != nil {
		return nil, fmt.Errorf("parse key bundle: %w", err)
	}
	return &skb, nil
}

func readPassphrase(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("session sign needs an interactive terminal for the passphrase")
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(pass), nil
}
