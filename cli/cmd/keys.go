package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	e2ee "github.com/iatoba72/MeetingMind-sub002"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Create and escrow content keys",
}

var keyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a content key and escrow it into the backup store",
	Long: `Mint a fresh content key and immediately write a password-protected
backup of it to the configured store. The key itself lives only in this
process; the backup is the durable artifact, restorable with the same
password on any instance pointed at the same store.`,
	RunE: newKey,
}

var (
	keyPurpose    string
	keyExpiresIn  time.Duration
	keyPassword   string
	keyIncludeMat bool
)

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyNewCmd)

	keyNewCmd.Flags().StringVar(&keyPurpose, "purpose", "file", "key purpose (meeting, transcript, file, session)")
	keyNewCmd.Flags().DurationVar(&keyExpiresIn, "expires-in", 0, "key lifetime (0 = no expiry)")
	keyNewCmd.Flags().StringVar(&keyPassword, "password", "", "backup password (or use E2EE_BACKUP_PASSWORD env var)")
	keyNewCmd.Flags().BoolVar(&keyIncludeMat, "include-material", true, "include wrapped key material in the backup")
}

func newKey(cmd *cobra.Command, args []string) error {
	password := backupPasswordOrEnv(keyPassword)
	if password == "" {
		return fmt.Errorf("backup password is required. Use --password or the E2EE_BACKUP_PASSWORD environment variable")
	}

	store, err := buildStore()
	if err != nil {
		return err
	}
	defer store.Close()

	emitter, err := buildEmitter()
	if err != nil {
		return err
	}
	defer emitter.Close()

	opts := e2ee.DefaultOptions()
	opts.IncludeKeyMaterialInBackup = keyIncludeMat

	core, err := e2ee.New(e2ee.Config{
		Options: opts,
		Store:   store,
		Audit:   emitter,
	})
	if err != nil {
		return err
	}
	defer core.Close()

	actor := cliUser()
	meta, err := core.Registry.CreateKey(e2ee.KeyPurpose(keyPurpose), actor, nil, e2ee.CreateKeyOptions{
		ExpiresIn: keyExpiresIn,
	})
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	info, err := core.Vault.CreateKeyBackup(cmd.Context(), meta.KeyID, password, actor)
	if err != nil {
		return fmt.Errorf("failed to escrow key: %w", err)
	}

	out := map[string]interface{}{
		"key_id":    meta.KeyID,
		"purpose":   string(meta.Purpose),
		"algorithm": string(meta.Algorithm),
		"backup_id": info.BackupID,
		"size":      info.Size,
	}
	if meta.ExpiresAt != nil {
		out["expires_at"] = meta.ExpiresAt
	}
	return yaml.NewEncoder(os.Stdout).Encode(out)
}

func backupPasswordOrEnv(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("E2EE_BACKUP_PASSWORD")
}
