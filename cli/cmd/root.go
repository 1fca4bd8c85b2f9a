package cmd

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	"github.com/iatoba72/MeetingMind-sub002/persist"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "e2ectl",
	Short: "Manage end-to-end encryption keys and backups",
	Long: `e2ectl operates the offline surfaces of the end-to-end encryption core:
generating session key pairs, escrowing content keys into password-protected
backups, and listing or restoring those backups.

Key material only exists inside a running process; what survives between
invocations is the configured backup store and the audit log.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.e2ee.yaml)")
	rootCmd.PersistentFlags().String("store-type", "", "backup store backend (memory, filesystem, s3)")
	rootCmd.PersistentFlags().String("store-path", "", "base path for the filesystem store")
	rootCmd.PersistentFlags().String("namespace", "", "store namespace")
	rootCmd.PersistentFlags().String("user", "", "acting user id (defaults to the OS user)")
	rootCmd.PersistentFlags().String("audit-file", "", "append audit events to this JSONL file")

	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.base_path", "store-path")
	bindFlagOrPanic("store.namespace", "namespace")
	bindFlagOrPanic("user", "user")
	bindFlagOrPanic("audit.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	viper.SetDefault("store.type", "filesystem")
	viper.SetDefault("store.base_path", ".e2ee")
	viper.SetDefault("store.namespace", "default")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".e2ee")
	}

	viper.SetEnvPrefix("E2EE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// No config file is fine; defaults and env vars apply.
	}
}

// buildStore constructs the backup store from the resolved configuration.
func buildStore() (persist.Store, error) {
	storeType := persist.StoreType(viper.GetString("store.type"))
	namespace := viper.GetString("store.namespace")

	switch storeType {
	case persist.StoreTypeMemory:
		return persist.NewMemoryStore(), nil

	case persist.StoreTypeFileSystem, "":
		return persist.NewFileSystemStore(viper.GetString("store.base_path"), namespace)

	case persist.StoreTypeS3:
		return persist.NewS3Store(persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.key_prefix"),
		}, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

// buildEmitter constructs the audit sink; no-op unless a file is
// configured.
func buildEmitter() (audit.Emitter, error) {
	filePath := viper.GetString("audit.file_path")
	if filePath == "" {
		return &audit.NoOpEmitter{}, nil
	}
	return audit.NewEmitter(&audit.Config{
		Enabled: true,
		Type:    audit.FileEmitterType,
		Options: map[string]interface{}{"file_path": filePath},
	})
}

// cliUser resolves the acting user id for permission checks and audit.
func cliUser() string {
	if id := viper.GetString("user"); id != "" {
		return id
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "e2ectl"
}
