// Package store provides the storage interface and implementations for the
// AppFoundry control plane. The in-memory store backs local development and
// tests; PostgreSQL (with pgvector) backs production.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/appfoundry/appfoundry/pkg/models"
)

// Store is the primary storage interface for the control plane.
// All handler code depends on this interface, making it easy to swap
// between in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	EntityStore
	ProjectStore
	AppStore
	FunctionStore
	AgentStore
	APIKeyStore
	AppConfigurationStore
	LinkedAccountStore
	SecretStore
	ExecutionStore
	BillingStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
}

// ── Entity / Project Stores ─────────────────────────────────

type EntityStore interface {
	CreateEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
}

type ProjectStore interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
	UpdateProject(ctx context.Context, project *models.Project) error
}

// ── Catalog Stores ──────────────────────────────────────────

// AppFilter narrows app listings. Zero value lists everything.
type AppFilter struct {
	PublicOnly bool
	ActiveOnly bool
	Names      []string
	Categories []string
	Limit      int
	Offset     int
}

// ScoredApp pairs an app with its similarity score from an intent search.
// Score is nil when the listing was not intent-ranked.
type ScoredApp struct {
	App   models.App
	Score *float64
}

type AppStore interface {
	ListApps(ctx context.Context, filter AppFilter) ([]models.App, error)
	GetApp(ctx context.Context, name string) (*models.App, error)
	GetAppByID(ctx context.Context, id uuid.UUID) (*models.App, error)
	CreateApp(ctx context.Context, app *models.App) error
	UpdateApp(ctx context.Context, app *models.App) error
	DeleteApp(ctx context.Context, name string) error

	// SearchApps ranks apps by cosine similarity to the intent embedding.
	SearchApps(ctx context.Context, filter AppFilter, intentEmbedding []float64) ([]ScoredApp, error)
}

// FunctionFilter narrows function listings.
type FunctionFilter struct {
	PublicOnly bool
	ActiveOnly bool
	AppNames   []string
	Names      []string
	Limit      int
	Offset     int
}

type FunctionStore interface {
	ListFunctions(ctx context.Context, filter FunctionFilter) ([]models.Function, error)
	ListFunctionsByAppID(ctx context.Context, appID uuid.UUID) ([]models.Function, error)
	GetFunction(ctx context.Context, name string) (*models.Function, error)
	CreateFunctions(ctx context.Context, functions []*models.Function) error
	UpdateFunction(ctx context.Context, function *models.Function) error
	DeleteFunctionsByAppID(ctx context.Context, appID uuid.UUID) (int, error)

	// SearchFunctions ranks functions by cosine similarity to the intent
	// embedding.
	SearchFunctions(ctx context.Context, filter FunctionFilter, intentEmbedding []float64) ([]models.Function, error)
}

// ── Access Stores ───────────────────────────────────────────

type AgentStore interface {
	ListAgentsByProject(ctx context.Context, projectID uuid.UUID) ([]models.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error
}

type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	// GetAPIKeyByHMAC looks a key up by its keyed-HMAC index. Used on every
	// authenticated request.
	GetAPIKeyByHMAC(ctx context.Context, hmac string) (*models.APIKey, error)
	GetAPIKeyByAgent(ctx context.Context, agentID uuid.UUID) (*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
}

type AppConfigurationStore interface {
	ListAppConfigurations(ctx context.Context, projectID uuid.UUID) ([]models.AppConfiguration, error)
	GetAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error)
	// CreateAppConfiguration returns ErrConflict when the (project, app)
	// pair is already configured.
	CreateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error
	UpdateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error
	DeleteAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) error
}

// LinkedAccountFilter narrows linked-account listings within a project.
type LinkedAccountFilter struct {
	AppName        string
	OwnerAccountID string
}

type LinkedAccountStore interface {
	ListLinkedAccounts(ctx context.Context, projectID uuid.UUID, filter LinkedAccountFilter) ([]models.LinkedAccount, error)
	GetLinkedAccount(ctx context.Context, id uuid.UUID) (*models.LinkedAccount, error)
	GetLinkedAccountByOwner(ctx context.Context, projectID uuid.UUID, appName, ownerAccountID string) (*models.LinkedAccount, error)
	// CreateLinkedAccount returns ErrConflict when the (project, app, owner)
	// triple already exists.
	CreateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error
	UpdateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error
	DeleteLinkedAccount(ctx context.Context, id uuid.UUID) error
}

type SecretStore interface {
	ListSecrets(ctx context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error)
	GetSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error)
	// SetSecret inserts or replaces the secret value for the key.
	SetSecret(ctx context.Context, secret *models.Secret) error
	DeleteSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) error
}

// ── Audit Store ─────────────────────────────────────────────

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.FunctionExecution) error
	ListExecutions(ctx context.Context, projectID uuid.UUID, limit int) ([]models.FunctionExecution, error)
}

// ── Billing Store ───────────────────────────────────────────

type BillingStore interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
	GetPlanByName(ctx context.Context, name string) (*models.Plan, error)
	UpsertPlan(ctx context.Context, plan *models.Plan) error

	GetSubscriptionByOrg(ctx context.Context, orgID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, orgID string) error

	// MarkStripeEventProcessed records the event id and returns ErrConflict
	// if the event was already processed.
	MarkStripeEventProcessed(ctx context.Context, event *models.ProcessedStripeEvent) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an insert violates a uniqueness constraint.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	_, ok := err.(*ErrConflict)
	return ok
}
