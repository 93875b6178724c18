// Package cli implements the appfoundry admin command line: catalog
// upserts, plan population and API key provisioning.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/internal/config"
	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/server"
)

var (
	envFile string
	cfgFile string
	verbose bool
)

// NewRootCommand builds the appfoundry CLI.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "appfoundry",
		Short:   "AppFoundry control plane admin CLI",
		Long:    "Administrative commands for the AppFoundry control plane: seed the app catalog, populate subscription plans and provision agent API keys.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
			return loadEnvironment()
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to an appfoundry.yaml config file (default: ./appfoundry.yaml when present)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(newUpsertAppCommand())
	root.AddCommand(newUpsertFunctionsCommand())
	root.AddCommand(newPopulatePlansCommand())
	root.AddCommand(newCreateAPIKeyCommand())
	return root
}

// loadEnvironment merges a .env file into the process environment and
// reads the optional appfoundry.yaml config file. Only an explicitly
// requested config file is required to exist.
func loadEnvironment() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("appfoundry")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("APPFOUNDRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("read config file: %w", err)
		}
	} else {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("Using config file")
	}
	return nil
}

// loadConfig starts from the environment defaults and lets config-file
// keys override them.
func loadConfig() *config.Config {
	cfg := config.Load()
	if v := viper.GetString("environment"); v != "" {
		cfg.Environment = v
	}
	if v := viper.GetString("apps_dir"); v != "" {
		cfg.AppsDir = v
	}
	if v := viper.GetString("database.url"); v != "" {
		cfg.Database.URL = v
	}
	if v := viper.GetString("keyvault.url"); v != "" {
		cfg.Vault.URL = v
	}
	if v := viper.GetString("keyvault.key_name"); v != "" {
		cfg.Vault.KeyName = v
	}
	if v := viper.GetString("keyvault.token"); v != "" {
		cfg.Vault.Token = v
	}
	if v := viper.GetString("auth.api_key_hashing_secret"); v != "" {
		cfg.Auth.APIKeyHashSecret = v
	}
	return cfg
}

// runtimeDeps bundles what most commands need.
type runtimeDeps struct {
	cfg     *config.Config
	store   store.Store
	cipher  crypto.Cipher
	catalog *catalog.Service
}

func buildDeps(ctx context.Context) (*runtimeDeps, error) {
	cfg := loadConfig()
	st, err := server.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := server.NewCipher(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	driver := server.NewEmbeddingDriver(cfg)
	return &runtimeDeps{
		cfg:     cfg,
		store:   st,
		cipher:  cipher,
		catalog: catalog.NewService(st, driver),
	}, nil
}

func (d *runtimeDeps) close() {
	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}
