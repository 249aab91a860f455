package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tamv/isabella/internal/ledger"
	"github.com/tamv/isabella/internal/storage"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(ledgerVerifyCmd())
	cmd.AddCommand(ledgerTailCmd())
	return cmd
}

func openLedger() (*storage.DB, *ledger.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	path := cfg.LedgerPath()
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("no ledger at %s: %w", path, err)
	}

	db, err := storage.Open(storage.Config{Path: path})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, ledger.NewStore(db.Conn()), nil
}

func ledgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openLedger()
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := store.Count()
			if err != nil {
				return err
			}

			if err := store.VerifyChain(); err != nil {
				var chainErr *ledger.ChainError
				if errors.As(err, &chainErr) {
					fmt.Fprintf(cmd.OutOrStdout(), "chain BROKEN at entry %d (%s): %s\n",
						chainErr.EntryNum, chainErr.EntryID, chainErr.Type)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "chain valid: %d entries\n", count)
			return nil
		},
	}
}

func ledgerTailCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openLedger()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := store.GetRecent(limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %-15s %-10s %s/%s\n",
					e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.EntityType, e.EntityID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
