package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistic96/skyvault/internal/crypto"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export an encrypted snapshot of the key index",
	Long: `Exports the key-metadata index as a passphrase-encrypted snapshot for
off-site storage. The snapshot contains key metadata and public keys only,
never private key material.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := snapshotPassphrase(cmd)
		if err != nil {
			return err
		}

		versioned, err := storage.LoadIndex(context.Background())
		if err != nil {
			return fmt.Errorf("failed to load key index: %w", err)
		}

		encrypted, err := crypto.EncryptWithPassphrase(versioned.Data, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt snapshot: %w", err)
		}

		if err = os.WriteFile(args[0], encrypted, 0600); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}

		fmt.Printf("Exported index snapshot (version %s) to %s\n", versioned.Version, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore the key index from an encrypted snapshot",
	Long: `Restores the key-metadata index from a snapshot produced by export.
Fails if the index was modified since the last load unless --force is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := snapshotPassphrase(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		encrypted, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		data, err := crypto.DecryptWithPassphrase(encrypted, passphrase)
		if err != nil {
			return fmt.Errorf("failed to decrypt snapshot (wrong passphrase?): %w", err)
		}

		ctx := context.Background()
		expectedVersion := ""
		if exists, existsErr := storage.IndexExists(ctx); existsErr == nil && exists {
			if !force {
				return fmt.Errorf("an index already exists; pass --force to overwrite it")
			}
			current, loadErr := storage.LoadIndex(ctx)
			if loadErr != nil {
				return fmt.Errorf("failed to load current index: %w", loadErr)
			}
			expectedVersion = current.Version
		}

		newVersion, err := storage.SaveIndex(ctx, data, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to restore index: %w", err)
		}

		fmt.Printf("Restored index from %s (new version %s)\n", args[0], newVersion)
		return nil
	},
}

func snapshotPassphrase(cmd *cobra.Command) (string, error) {
	passphrase, _ := cmd.Flags().GetString("passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("SKYVAULT_SNAPSHOT_PASSPHRASE")
	}
	if passphrase == "" {
		return "", fmt.Errorf("snapshot passphrase is required. Use --passphrase or the SKYVAULT_SNAPSHOT_PASSPHRASE environment variable")
	}
	return passphrase, nil
}

func init() {
	exportCmd.Flags().String("passphrase", "", "snapshot passphrase")
	importCmd.Flags().String("passphrase", "", "snapshot passphrase")
	importCmd.Flags().Bool("force", false, "overwrite an existing index")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
