// Package models defines the shared data model for the AppFoundry control plane:
// the app/function catalog, project-scoped access (agents, API keys,
// configurations, linked accounts, secrets) and billing state.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ── Enums ────────────────────────────────────────────────────

// Visibility controls whether an app or function is visible to projects
// with public-only access.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// EntityType discriminates the entities table subtype.
type EntityType string

const (
	EntityTypeUser         EntityType = "user"
	EntityTypeOrganization EntityType = "organization"
)

// SecurityScheme is the authentication mechanism an app supports.
type SecurityScheme string

const (
	SecuritySchemeNone   SecurityScheme = "no_auth"
	SecuritySchemeAPIKey SecurityScheme = "api_key"
	SecuritySchemeOAuth2 SecurityScheme = "oauth2"
)

// Protocol is how a function call is carried out against the third party.
type Protocol string

const (
	ProtocolREST      Protocol = "rest"
	ProtocolConnector Protocol = "connector"
)

// APIKeyStatus is the lifecycle state of an agent API key.
type APIKeyStatus string

const (
	APIKeyStatusActive   APIKeyStatus = "active"
	APIKeyStatusDisabled APIKeyStatus = "disabled"
	APIKeyStatusDeleted  APIKeyStatus = "deleted"
)

// SubscriptionStatus mirrors the payment provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

// SubscriptionInterval is the billing cadence.
type SubscriptionInterval string

const (
	SubscriptionIntervalMonth SubscriptionInterval = "month"
	SubscriptionIntervalYear  SubscriptionInterval = "year"
)

// ── Tenancy ──────────────────────────────────────────────────

// Entity is a user or an organization. Organizations get a one-to-one
// extension row in Organization.
type Entity struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Type      EntityType `json:"type" db:"type"`
	Name      string     `json:"name" db:"name"`
	Email     string     `json:"email,omitempty" db:"email"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Organization extends an Entity of type organization.
type Organization struct {
	EntityID    uuid.UUID `json:"entity_id" db:"entity_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Project is the unit of tenancy: apps are configured, accounts linked and
// quotas tracked per project.
type Project struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	OrgID            uuid.UUID  `json:"org_id" db:"org_id"`
	Name             string     `json:"name" db:"name"`
	OwnerID          uuid.UUID  `json:"owner_id" db:"owner_id"`
	VisibilityAccess Visibility `json:"visibility_access" db:"visibility_access"`

	// Usage quotas. Counters reset when the corresponding reset timestamp
	// has passed.
	DailyQuotaUsed      int       `json:"daily_quota_used" db:"daily_quota_used"`
	DailyQuotaResetAt   time.Time `json:"daily_quota_reset_at" db:"daily_quota_reset_at"`
	MonthlyQuotaUsed    int       `json:"monthly_quota_used" db:"monthly_quota_used"`
	MonthlyQuotaResetAt time.Time `json:"monthly_quota_reset_at" db:"monthly_quota_reset_at"`
	TotalQuotaUsed      int64     `json:"total_quota_used" db:"total_quota_used"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Catalog ──────────────────────────────────────────────────

// App is a cataloged third-party integration exposing callable functions.
type App struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"` // canonical, SCREAMING_SNAKE
	DisplayName string     `json:"display_name" db:"display_name"`
	Provider    string     `json:"provider" db:"provider"`
	Version     string     `json:"version" db:"version"`
	Description string     `json:"description" db:"description"`
	Logo        string     `json:"logo,omitempty" db:"logo"`
	Categories  []string   `json:"categories" db:"categories"`
	Visibility  Visibility `json:"visibility" db:"visibility"`
	Active      bool       `json:"active" db:"active"`

	// SecuritySchemes maps scheme name to scheme settings (JSON-encoded in
	// the database).
	SecuritySchemes map[SecurityScheme]map[string]any `json:"security_schemes" db:"security_schemes"`

	// DefaultSecurityCredentialsByScheme holds operator-provided shared
	// credentials (e.g. oauth2 client id/secret). Never serialized to API
	// responses.
	DefaultSecurityCredentialsByScheme map[SecurityScheme]map[string]any `json:"-" db:"default_security_credentials_by_scheme"`

	// Embedding is the semantic-search vector computed from the embedding
	// fields (name, display name, provider, description, categories).
	Embedding []float64 `json:"-" db:"embedding"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AppEmbeddingFields is the subset of App fields the embedding is derived
// from. Serialized as JSON and fed to the embedding model.
type AppEmbeddingFields struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Provider    string   `json:"provider"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
}

// EmbeddingFields extracts the embedding-relevant subset of the app.
func (a *App) EmbeddingFields() AppEmbeddingFields {
	return AppEmbeddingFields{
		Name:        a.Name,
		DisplayName: a.DisplayName,
		Provider:    a.Provider,
		Description: a.Description,
		Categories:  a.Categories,
	}
}

// SupportsSecurityScheme reports whether the app declares the scheme.
func (a *App) SupportsSecurityScheme(scheme SecurityScheme) bool {
	_, ok := a.SecuritySchemes[scheme]
	return ok
}

// Function is a callable unit of an App. Its name carries the app name as a
// prefix: APP__FUNCTION.
type Function struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	AppID       uuid.UUID  `json:"app_id" db:"app_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Tags        []string   `json:"tags,omitempty" db:"tags"`
	Visibility  Visibility `json:"visibility" db:"visibility"`
	Active      bool       `json:"active" db:"active"`

	Protocol     Protocol       `json:"protocol" db:"protocol"`
	ProtocolData map[string]any `json:"protocol_data" db:"protocol_data"`
	Parameters   map[string]any `json:"parameters" db:"parameters"`

	Embedding []float64 `json:"-" db:"embedding"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FunctionEmbeddingFields is the embedding-relevant subset of a function.
type FunctionEmbeddingFields struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EmbeddingFields extracts the embedding-relevant subset of the function.
func (f *Function) EmbeddingFields() FunctionEmbeddingFields {
	return FunctionEmbeddingFields{Name: f.Name, Description: f.Description}
}

// AppNameFromFunctionName parses the APP__FUNCTION prefix convention.
// Returns "" if the name carries no app prefix.
func AppNameFromFunctionName(functionName string) string {
	app, _, found := strings.Cut(functionName, "__")
	if !found {
		return ""
	}
	return app
}

// ── Access ───────────────────────────────────────────────────

// Agent is a credentialed caller scoped to a project's allowed apps and
// functions. Empty AllowedApps means all configured apps are allowed.
type Agent struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	ProjectID          uuid.UUID         `json:"project_id" db:"project_id"`
	Name               string            `json:"name" db:"name"`
	Description        string            `json:"description" db:"description"`
	AllowedApps        []string          `json:"allowed_apps" db:"allowed_apps"`
	ExcludedApps       []string          `json:"excluded_apps,omitempty" db:"excluded_apps"`
	ExcludedFunctions  []string          `json:"excluded_functions,omitempty" db:"excluded_functions"`
	CustomInstructions map[string]string `json:"custom_instructions,omitempty" db:"custom_instructions"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// AppAllowed reports whether the agent may call functions of the app.
func (a *Agent) AppAllowed(appName string) bool {
	for _, excluded := range a.ExcludedApps {
		if excluded == appName {
			return false
		}
	}
	if len(a.AllowedApps) == 0 {
		return true
	}
	for _, allowed := range a.AllowedApps {
		if allowed == appName {
			return true
		}
	}
	return false
}

// FunctionAllowed reports whether the agent may call the named function.
func (a *Agent) FunctionAllowed(functionName string) bool {
	for _, excluded := range a.ExcludedFunctions {
		if excluded == functionName {
			return false
		}
	}
	return a.AppAllowed(AppNameFromFunctionName(functionName))
}

// APIKey is the credential record for an agent. The plaintext key is only
// returned at creation time; the database keeps a SHA-256 hash, an encrypted
// copy for recovery, and a keyed HMAC used as the lookup index.
type APIKey struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	AgentID      uuid.UUID    `json:"agent_id" db:"agent_id"`
	KeyHash      string       `json:"-" db:"key_hash"`
	KeyEncrypted []byte       `json:"-" db:"key_encrypted"`
	KeyHMAC      string       `json:"-" db:"key_hmac"`
	Status       APIKeyStatus `json:"status" db:"status"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`

	// Key carries the plaintext only on creation responses.
	Key string `json:"key,omitempty" db:"-"`
}

// AppConfiguration enables an App for a project. Unique per (project, app).
type AppConfiguration struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	AppID     uuid.UUID `json:"app_id" db:"app_id"`
	AppName   string    `json:"app_name" db:"app_name"`

	SecurityScheme          SecurityScheme                    `json:"security_scheme" db:"security_scheme"`
	SecuritySchemeOverrides map[SecurityScheme]map[string]any `json:"security_scheme_overrides,omitempty" db:"security_scheme_overrides"`

	Enabled             bool     `json:"enabled" db:"enabled"`
	AllFunctionsEnabled bool     `json:"all_functions_enabled" db:"all_functions_enabled"`
	EnabledFunctions    []string `json:"enabled_functions,omitempty" db:"enabled_functions"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FunctionEnabled reports whether a function may be executed under this
// configuration.
func (c *AppConfiguration) FunctionEnabled(functionName string) bool {
	if !c.Enabled {
		return false
	}
	if c.AllFunctionsEnabled {
		return true
	}
	for _, name := range c.EnabledFunctions {
		if name == functionName {
			return true
		}
	}
	return false
}

// LinkedAccount binds a project to an App for a specific external account
// owner. Unique per (project, app, owner).
type LinkedAccount struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	ProjectID      uuid.UUID      `json:"project_id" db:"project_id"`
	AppID          uuid.UUID      `json:"app_id" db:"app_id"`
	AppName        string         `json:"app_name" db:"app_name"`
	OwnerAccountID string         `json:"owner_account_id" db:"owner_account_id"`
	SecurityScheme SecurityScheme `json:"security_scheme" db:"security_scheme"`

	// EncryptedCredentials is the AES-GCM blob of the JSON credentials.
	EncryptedCredentials []byte `json:"-" db:"encrypted_credentials"`

	Enabled    bool       `json:"enabled" db:"enabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Secret is an encrypted key/value scoped to a linked account. Unique per
// (linked_account, key).
type Secret struct {
	ID              uuid.UUID `json:"id" db:"id"`
	LinkedAccountID uuid.UUID `json:"linked_account_id" db:"linked_account_id"`
	Key             string    `json:"key" db:"key"`
	EncryptedValue  []byte    `json:"-" db:"encrypted_value"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// ── Audit ────────────────────────────────────────────────────

// FunctionExecution is the audit row of one function invocation.
type FunctionExecution struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	ProjectID          uuid.UUID       `json:"project_id" db:"project_id"`
	AgentID            uuid.UUID       `json:"agent_id" db:"agent_id"`
	FunctionName       string          `json:"function_name" db:"function_name"`
	AppName            string          `json:"app_name" db:"app_name"`
	LinkedAccountOwner string          `json:"linked_account_owner_id,omitempty" db:"linked_account_owner_id"`
	Input              map[string]any  `json:"input,omitempty" db:"input"`
	Output             json.RawMessage `json:"output,omitempty" db:"output"`
	Success            bool            `json:"success" db:"success"`
	Error              string          `json:"error,omitempty" db:"error"`
	DurationMs         int64           `json:"duration_ms" db:"duration_ms"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// ── Billing ──────────────────────────────────────────────────

// Plan is a purchasable subscription tier synchronized with the payment
// provider.
type Plan struct {
	ID                   uuid.UUID      `json:"id" db:"id"`
	Name                 string         `json:"name" db:"name"`
	StripeProductID      string         `json:"stripe_product_id" db:"stripe_product_id"`
	StripeMonthlyPriceID string         `json:"stripe_monthly_price_id" db:"stripe_monthly_price_id"`
	StripeYearlyPriceID  string         `json:"stripe_yearly_price_id" db:"stripe_yearly_price_id"`
	Features             map[string]int `json:"features" db:"features"`
	IsPublic             bool           `json:"is_public" db:"is_public"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// Subscription ties an organization to a plan. Unique per org.
type Subscription struct {
	ID                   uuid.UUID            `json:"id" db:"id"`
	OrgID                string               `json:"org_id" db:"org_id"`
	PlanID               uuid.UUID            `json:"plan_id" db:"plan_id"`
	StripeCustomerID     string               `json:"stripe_customer_id" db:"stripe_customer_id"`
	StripeSubscriptionID string               `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	Status               SubscriptionStatus   `json:"status" db:"status"`
	Interval             SubscriptionInterval `json:"interval" db:"interval"`
	CurrentPeriodEnd     time.Time            `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd    bool                 `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" db:"updated_at"`
}

// ProcessedStripeEvent records a handled billing webhook event. The unique
// event id makes webhook processing idempotent.
type ProcessedStripeEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	EventType   string    `json:"event_type" db:"event_type"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}
