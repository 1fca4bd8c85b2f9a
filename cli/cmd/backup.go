package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	e2ee "github.com/iatoba72/MeetingMind-sub002"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "List, inspect and restore key backups",
	Long: `Operate on the password-protected key backups in the configured store.
Backups are write-once; restore re-creates the key under a fresh id and
prints the restored record.`,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	RunE:  listBackups,
}

var infoBackupCmd = &cobra.Command{
	Use:   "info [backup-id]",
	Short: "Show a backup's metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  backupInfo,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Restore a key from a backup",
	Long: `Decrypt a backup and re-create its key in an ephemeral registry,
printing the restored record. The wrong password fails before any
decryption is attempted.`,
	Args: cobra.ExactArgs(1),
	RunE: restoreBackup,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete [backup-id]",
	Short: "Delete a stored backup",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var restorePassword string

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(infoBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	restoreBackupCmd.Flags().StringVar(&restorePassword, "password", "", "backup password (or use E2EE_BACKUP_PASSWORD env var)")
}

func listBackups(cmd *cobra.Command, args []string) error {
	core, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	infos, err := core.Vault.ListKeyBackups()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no backups stored")
		return nil
	}
	return yaml.NewEncoder(os.Stdout).Encode(infos)
}

func backupInfo(cmd *cobra.Command, args []string) error {
	core, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := core.Vault.GetBackupInfo(args[0])
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(info)
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	password := backupPasswordOrEnv(restorePassword)
	if password == "" {
		return fmt.Errorf("backup password is required. Use --password or the E2EE_BACKUP_PASSWORD environment variable")
	}

	core, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	meta, err := core.Vault.RestoreKeyFromBackup(cmd.Context(), args[0], password, cliUser())
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Println("Backup restored successfully")
	return yaml.NewEncoder(os.Stdout).Encode(meta)
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	core, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := core.Vault.DeleteBackup(args[0], cliUser()); err != nil {
		return err
	}
	fmt.Printf("Backup %s deleted\n", args[0])
	return nil
}

// buildCore assembles an ephemeral core over the configured store and
// audit sink. cleanup closes both.
func buildCore() (*e2ee.Core, func(), error) {
	store, err := buildStore()
	if err != nil {
		return nil, nil, err
	}
	emitter, err := buildEmitter()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	core, err := e2ee.New(e2ee.Config{
		Options: e2ee.DefaultOptions(),
		Store:   store,
		Audit:   emitter,
	})
	if err != nil {
		store.Close()
		emitter.Close()
		return nil, nil, err
	}

	cleanup := func() {
		core.Close()
		store.Close()
	}
	return core, cleanup, nil
}
