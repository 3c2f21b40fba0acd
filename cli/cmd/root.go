package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mistic96/skyvault"
	"github.com/mistic96/skyvault/audit"
	"github.com/mistic96/skyvault/internal/crypto"
	"github.com/mistic96/skyvault/persist"
	"github.com/mistic96/skyvault/vault"
)

var (
	cfgFile  string
	storage  persist.Store
	keyStore *skyvault.HybridKeyStore
	factory  *skyvault.ProviderFactory
	subKeys  *skyvault.SubstitutionKeyService
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyctl",
	Short: "Manage the key-vault lifecycle store",
	Long: `keyctl manages cryptographic key records in the lifecycle store:
listing, rotation, revocation, delegation keys, provider health and cost
analysis. Keys are stored as encrypted blobs on the configured backend with
a versioned metadata index as the source of truth.`,
	PersistentPreRunE: initializeStore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var firstErr error
		if keyStore != nil {
			firstErr = keyStore.Close()
		}
		if factory != nil {
			if err := factory.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if storage != nil {
			if err := storage.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keyctl.yaml)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path to key storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")
	rootCmd.PersistentFlags().String("storage-prefix", "", "prefix for all blob paths")
	rootCmd.PersistentFlags().Int("retention-days", 0, "default key retention in days")
	rootCmd.PersistentFlags().Bool("no-auto-rotation", false, "disable automatic rotation of expiring keys")
	rootCmd.PersistentFlags().String("master-key", "", "base64 master secret (or SKYVAULT_MASTER_KEY env var)")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.prefix", "storage-prefix")
	bindFlagOrPanic("keys.retention_days", "retention-days")
	bindFlagOrPanic("keys.no_auto_rotation", "no-auto-rotation")
	bindFlagOrPanic("vault.master_key", "master-key")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	bindFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName))
}

func bindFlag(configKey string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("no flag registered for %s", configKey))
	}
	if err := viper.BindPFlag(configKey, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flag.Name, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/skyvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keyctl")
	}

	viper.SetEnvPrefix("SKYVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// No config file is fine; defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".skyvault")
	viper.SetDefault("store.type", "filesystem")
	viper.SetDefault("store.prefix", "")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("keys.retention_days", 90)
	viper.SetDefault("keys.no_auto_rotation", false)
	viper.SetDefault("keys.backup_tier", "default")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)

	viper.SetDefault("vault.region", "us-east-1")
}

func initializeStore(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	var err error
	storage, err = createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	opts := skyvault.Options{
		RetentionDays:       viper.GetInt("keys.retention_days"),
		DisableAutoRotation: viper.GetBool("keys.no_auto_rotation"),
		BackupTier:          viper.GetString("keys.backup_tier"),
		BackupRegion:        viper.GetString("keys.backup_region"),
		Audit: audit.Config{
			Enabled: viper.GetBool("audit.enabled"),
			Type:    audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path":   viper.GetString("audit.options.file_path"),
				"max_size":    viper.GetInt("audit.options.max_size"),
				"max_backups": viper.GetInt("audit.options.max_backups"),
			},
		},
	}

	keyStore, err = skyvault.NewHybridKeyStore(storage, opts)
	if err != nil {
		return fmt.Errorf("failed to create key store: %w", err)
	}

	factory, err = createProviderFactory()
	if err != nil {
		return fmt.Errorf("failed to create provider factory: %w", err)
	}

	subKeys, err = skyvault.NewSubstitutionKeyService(keyStore, factory, nil)
	if err != nil {
		return fmt.Errorf("failed to create substitution key service: %w", err)
	}

	return nil
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		return persist.NewFileSystemStore(viper.GetString("store.path"), viper.GetString("store.prefix"))

	case "s3":
		return persist.NewS3Store(persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		})

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}
}

// createProviderFactory registers one derived-key provider per stock cloud
// configuration. Each provider gets its own master secret derived from the
// configured root secret, so a single configured value drives all backends
// without any provider sharing key material.
func createProviderFactory() (*skyvault.ProviderFactory, error) {
	rootSecret, err := masterSecret()
	if err != nil {
		return nil, err
	}

	region := viper.GetString("vault.region")
	configs := []vault.Config{
		vault.AWSConfig(region),
		vault.AzureConfig(region),
		vault.GCPConfig(region),
	}

	f := skyvault.NewProviderFactory(nil)
	for _, cfg := range configs {
		secret, deriveErr := crypto.DeriveAccountKey(rootSecret, cfg.Name, "master")
		if deriveErr != nil {
			return nil, fmt.Errorf("failed to derive master secret for %s: %w", cfg.Name, deriveErr)
		}

		provider, provErr := vault.NewDerivedKeyProvider(cfg, secret, nil)
		if provErr != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Name, provErr)
		}
		if regErr := f.Register(provider); regErr != nil {
			return nil, regErr
		}
	}

	return f, nil
}

func masterSecret() ([]byte, error) {
	encoded := viper.GetString("vault.master_key")
	if encoded == "" {
		encoded = os.Getenv("SKYVAULT_MASTER_KEY")
	}
	if encoded == "" {
		return nil, fmt.Errorf("master key is required. Use --master-key or the SKYVAULT_MASTER_KEY environment variable")
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master key must be base64 encoded: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(secret))
	}
	return secret, nil
}
