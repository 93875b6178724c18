// Package server provides the public entry point for initializing the
// AppFoundry control plane. It wires configuration, storage, encryption,
// embeddings, the seeding service and the HTTP surface into one handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/api"
	"github.com/appfoundry/appfoundry/internal/api/handlers"
	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/internal/billing"
	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/internal/config"
	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/executor"
	"github.com/appfoundry/appfoundry/internal/keyvault"
	"github.com/appfoundry/appfoundry/internal/seeding"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/internal/telemetry"
)

const keyvaultTimeout = 15 * time.Second

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store: Postgres when DATABASE_URL is set,
	// in-memory otherwise.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cipher, err := NewCipher(cfg)
	if err != nil {
		return nil, err
	}

	driver := NewEmbeddingDriver(cfg)
	log.Info().Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver initialized")

	cat := catalog.NewService(dataStore, driver)
	seeder := seeding.NewSeeder(cat, dataStore, cfg.AppsDir)
	exec := executor.New(dataStore, cipher, executor.Quota{
		ProjectDaily:   cfg.Quota.ProjectDaily,
		ProjectMonthly: cfg.Quota.ProjectMonthly,
	})
	bil := billing.NewService(dataStore)

	h := handlers.New(dataStore, cipher, driver, exec, seeder, bil, cfg)
	auth := middleware.NewAuthenticator(dataStore, cfg.Auth.APIKeyHeader, cfg.Auth.APIKeyHashSecret)
	router := api.NewRouter(h, auth, cfg.IsLocal())

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// NewStore picks the storage backend from configuration.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Embedding.Dimension)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return st, nil
	}
	st := store.NewMemoryStore()
	log.Info().Msg("In-memory store initialized")
	return st, nil
}

// NewCipher builds the at-rest encryption from configuration. Local mode
// runs without encryption; everything else fetches the key from the
// vault on first use.
func NewCipher(cfg *config.Config) (crypto.Cipher, error) {
	if cfg.IsLocal() {
		log.Warn().Msg("Local environment: secret encryption disabled")
		return crypto.PlainCipher{}, nil
	}
	if cfg.Vault.URL == "" {
		return nil, fmt.Errorf("KEYVAULT_URL is required outside local environment")
	}
	vault := keyvault.NewClient(cfg.Vault.URL, cfg.Vault.Token)
	keyName := cfg.Vault.KeyName
	return crypto.NewAESCipher(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(context.Background(), keyvaultTimeout)
		defer cancel()
		return vault.GetEncryptionKey(ctx, keyName)
	}), nil
}

// NewEmbeddingDriver picks the embedding backend. Without an API key the
// deterministic hash driver keeps local seeding and search working.
func NewEmbeddingDriver(cfg *config.Config) embeddings.Driver {
	if cfg.Embedding.APIKey != "" {
		return embeddings.NewOpenAIDriver(cfg.Embedding.APIKey, cfg.Embedding.Model,
			embeddings.WithOpenAIDimensions(cfg.Embedding.Dimension))
	}
	return embeddings.NewHashDriver(cfg.Embedding.Dimension)
}
