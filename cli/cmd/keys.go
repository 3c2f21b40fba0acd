package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistic96/skyvault"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage key records",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		algorithm, _ := cmd.Flags().GetString("algorithm")
		category, _ := cmd.Flags().GetString("category")

		entities, err := keyStore.ListActiveKeys(context.Background(), algorithm, skyvault.KeyCategory(category))
		if err != nil {
			return fmt.Errorf("failed to list keys: %w", err)
		}

		if len(entities) == 0 {
			fmt.Println("No active keys found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACCOUNT\tALGORITHM\tCATEGORY\tVERSION\tCREATED\tEXPIRES")
		for _, e := range entities {
			expires := "-"
			if e.ExpiresAt != nil {
				expires = e.ExpiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID, e.AccountAddress, e.Algorithm, e.Category, e.Version,
				e.CreatedAt.UTC().Format(time.RFC3339), expires)
		}
		return w.Flush()
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show <identifier>",
	Short: "Show one key record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := keyStore.Entity(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:           %s\n", entity.ID)
		fmt.Printf("Account:      %s\n", entity.AccountAddress)
		fmt.Printf("Algorithm:    %s\n", entity.Algorithm)
		fmt.Printf("Category:     %s\n", entity.Category)
		fmt.Printf("Version:      %d\n", entity.Version)
		if entity.PreviousVersionID != "" {
			fmt.Printf("Previous:     %s\n", entity.PreviousVersionID)
		}
		fmt.Printf("Storage path: %s\n", entity.StoragePath)
		fmt.Printf("Checksum:     %s\n", entity.Checksum)
		fmt.Printf("Created:      %s\n", entity.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Printf("Last access:  %s\n", entity.LastAccessedAt.UTC().Format(time.RFC3339))
		if entity.ExpiresAt != nil {
			fmt.Printf("Expires:      %s\n", entity.ExpiresAt.UTC().Format(time.RFC3339))
		}
		if entity.RevokedAt != nil {
			fmt.Printf("Revoked:      %s\n", entity.RevokedAt.UTC().Format(time.RFC3339))
		}
		for k, v := range entity.Metadata {
			fmt.Printf("Meta %s: %s\n", k, v)
		}
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <identifier>",
	Short: "Rotate a key to its next version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		newID, err := keyStore.RotateKey(context.Background(), args[0], nil)
		if err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
		fmt.Printf("Rotated %s -> %s\n", args[0], newID)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <identifier>",
	Short: "Revoke a key (soft delete, blob removed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keyStore.RevokeKey(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revocation failed: %w", err)
		}
		fmt.Printf("Revoked %s\n", args[0])
		return nil
	},
}

var keysDelegateCmd = &cobra.Command{
	Use:   "delegate <address>",
	Short: "Issue a substitution key pair for an account address",
	Long: `Issues a delegation key pair linked to the given account address. The
private key is printed once and never stored; hand it to the delegate and
keep no copy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := subKeys.GenerateSubstitutionKey(context.Background(), args[0], nil)
		if err != nil {
			return fmt.Errorf("delegation failed: %w", err)
		}

		fmt.Printf("Key ID:      %s\n", pair.KeyID)
		fmt.Printf("Address:     %s\n", pair.AccountAddress)
		if pair.ExpiresAt != nil {
			fmt.Printf("Expires:     %s\n", pair.ExpiresAt.UTC().Format(time.RFC3339))
		}
		fmt.Printf("Private key: %x\n", pair.PrivateKey)
		fmt.Printf("Public key:  %x\n", pair.PublicKey)
		fmt.Println("\nThe private key above is the only copy. It cannot be recovered.")
		return nil
	},
}

var keysBackupCmd = &cobra.Command{
	Use:   "backup <identifier>",
	Short: "Copy a key's material into the configured backup tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backupPath, err := keyStore.BackupKey(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backed up %s to %s\n", args[0], backupPath)
		return nil
	},
}

var keysRestoreCmd = &cobra.Command{
	Use:   "restore <identifier>",
	Short: "Restore a key's material from its last backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keyStore.RestoreKey(context.Background(), args[0]); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %s from backup\n", args[0])
		return nil
	},
}

func init() {
	keysListCmd.Flags().String("algorithm", "", "filter by algorithm")
	keysListCmd.Flags().String("category", "", "filter by category (Traditional, PostQuantum, Substitution)")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysShowCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDelegateCmd)
	keysCmd.AddCommand(keysBackupCmd)
	keysCmd.AddCommand(keysRestoreCmd)
	rootCmd.AddCommand(keysCmd)
}
