package store

// SQL schema for the PostgreSQL store. Statements are idempotent
// (CREATE ... IF NOT EXISTS) so Migrate can run on every startup.
//
// The embedding columns use pgvector; the dimension placeholder is filled
// in by PostgresStore.Migrate.

const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS entities (
    id         UUID PRIMARY KEY,
    type       VARCHAR(32) NOT NULL,
    name       VARCHAR(255) NOT NULL,
    email      VARCHAR(255),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS organizations (
    entity_id    UUID PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    display_name VARCHAR(255) NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS projects (
    id                     UUID PRIMARY KEY,
    org_id                 UUID NOT NULL REFERENCES entities(id),
    owner_id               UUID NOT NULL REFERENCES entities(id),
    name                   VARCHAR(255) NOT NULL,
    visibility_access      VARCHAR(16) NOT NULL DEFAULT 'public',
    daily_quota_used       INTEGER NOT NULL DEFAULT 0,
    daily_quota_reset_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    monthly_quota_used     INTEGER NOT NULL DEFAULT 0,
    monthly_quota_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    total_quota_used       BIGINT NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_projects_org ON projects (org_id);

CREATE TABLE IF NOT EXISTS apps (
    id              UUID PRIMARY KEY,
    name            VARCHAR(255) NOT NULL UNIQUE,
    display_name    VARCHAR(255) NOT NULL,
    provider        VARCHAR(255) NOT NULL DEFAULT '',
    version         VARCHAR(64) NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    logo            TEXT NOT NULL DEFAULT '',
    categories      TEXT[] NOT NULL DEFAULT '{}',
    visibility      VARCHAR(16) NOT NULL DEFAULT 'public',
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    security_schemes JSONB NOT NULL DEFAULT '{}',
    default_security_credentials_by_scheme JSONB NOT NULL DEFAULT '{}',
    embedding       vector(%d),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_apps_visibility ON apps (visibility) WHERE active;

CREATE TABLE IF NOT EXISTS functions (
    id            UUID PRIMARY KEY,
    app_id        UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    name          VARCHAR(255) NOT NULL UNIQUE,
    description   TEXT NOT NULL DEFAULT '',
    tags          TEXT[] NOT NULL DEFAULT '{}',
    visibility    VARCHAR(16) NOT NULL DEFAULT 'public',
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    protocol      VARCHAR(32) NOT NULL DEFAULT 'rest',
    protocol_data JSONB NOT NULL DEFAULT '{}',
    parameters    JSONB NOT NULL DEFAULT '{}',
    embedding     vector(%d),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_functions_app ON functions (app_id);

CREATE TABLE IF NOT EXISTS agents (
    id                  UUID PRIMARY KEY,
    project_id          UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name                VARCHAR(255) NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    allowed_apps        TEXT[] NOT NULL DEFAULT '{}',
    excluded_apps       TEXT[] NOT NULL DEFAULT '{}',
    excluded_functions  TEXT[] NOT NULL DEFAULT '{}',
    custom_instructions JSONB NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_agents_project ON agents (project_id);

CREATE TABLE IF NOT EXISTS api_keys (
    id            UUID PRIMARY KEY,
    agent_id      UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    key_hash      VARCHAR(128) NOT NULL,
    key_encrypted BYTEA NOT NULL,
    key_hmac      VARCHAR(128) NOT NULL UNIQUE,
    status        VARCHAR(16) NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys (agent_id);

CREATE TABLE IF NOT EXISTS app_configurations (
    id                        UUID PRIMARY KEY,
    project_id                UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    app_id                    UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    app_name                  VARCHAR(255) NOT NULL,
    security_scheme           VARCHAR(32) NOT NULL,
    security_scheme_overrides JSONB NOT NULL DEFAULT '{}',
    enabled                   BOOLEAN NOT NULL DEFAULT TRUE,
    all_functions_enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    enabled_functions         TEXT[] NOT NULL DEFAULT '{}',
    created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (project_id, app_id)
);

CREATE TABLE IF NOT EXISTS linked_accounts (
    id                    UUID PRIMARY KEY,
    project_id            UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    app_id                UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    app_name              VARCHAR(255) NOT NULL,
    owner_account_id      VARCHAR(255) NOT NULL,
    security_scheme       VARCHAR(32) NOT NULL,
    encrypted_credentials BYTEA,
    enabled               BOOLEAN NOT NULL DEFAULT TRUE,
    last_used_at          TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (project_id, app_id, owner_account_id)
);
CREATE INDEX IF NOT EXISTS idx_linked_accounts_project ON linked_accounts (project_id);

CREATE TABLE IF NOT EXISTS secrets (
    id                UUID PRIMARY KEY,
    linked_account_id UUID NOT NULL REFERENCES linked_accounts(id) ON DELETE CASCADE,
    key               VARCHAR(255) NOT NULL,
    encrypted_value   BYTEA NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (linked_account_id, key)
);

CREATE TABLE IF NOT EXISTS function_executions (
    id                      UUID PRIMARY KEY,
    project_id              UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    agent_id                UUID NOT NULL,
    function_name           VARCHAR(255) NOT NULL,
    app_name                VARCHAR(255) NOT NULL,
    linked_account_owner_id VARCHAR(255) NOT NULL DEFAULT '',
    input                   JSONB,
    output                  JSONB,
    success                 BOOLEAN NOT NULL,
    error                   TEXT NOT NULL DEFAULT '',
    duration_ms             BIGINT NOT NULL DEFAULT 0,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_executions_project ON function_executions (project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS plans (
    id                      UUID PRIMARY KEY,
    name                    VARCHAR(255) NOT NULL UNIQUE,
    stripe_product_id       VARCHAR(255) NOT NULL UNIQUE,
    stripe_monthly_price_id VARCHAR(255) NOT NULL UNIQUE,
    stripe_yearly_price_id  VARCHAR(255) NOT NULL UNIQUE,
    features                JSONB NOT NULL DEFAULT '{}',
    is_public               BOOLEAN NOT NULL DEFAULT TRUE,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id                     UUID PRIMARY KEY,
    org_id                 VARCHAR(255) NOT NULL UNIQUE,
    plan_id                UUID NOT NULL REFERENCES plans(id),
    stripe_customer_id     VARCHAR(255) NOT NULL UNIQUE,
    stripe_subscription_id VARCHAR(255) NOT NULL UNIQUE,
    status                 VARCHAR(50) NOT NULL,
    interval               VARCHAR(20) NOT NULL,
    current_period_end     TIMESTAMPTZ NOT NULL,
    cancel_at_period_end   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS processed_stripe_events (
    event_id     VARCHAR(255) PRIMARY KEY,
    event_type   VARCHAR(255) NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// repairDDL contains idempotent fixes for schema drift observed in older
// deployments. Each statement tolerates already-correct schemas.
var repairStatements = []string{
	// org_id was historically a UUID column; provider org ids are strings.
	`DO $$
	BEGIN
		BEGIN
			ALTER TABLE subscriptions ALTER COLUMN org_id TYPE VARCHAR(255);
		EXCEPTION
			WHEN undefined_table THEN NULL;
			WHEN undefined_column THEN NULL;
			WHEN cannot_coerce THEN NULL;
			WHEN datatype_mismatch THEN NULL;
		END;
	END $$`,

	// Older deployments predate the monthly quota columns.
	`ALTER TABLE projects ADD COLUMN IF NOT EXISTS monthly_quota_used INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE projects ADD COLUMN IF NOT EXISTS monthly_quota_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW()`,
	`ALTER TABLE projects ADD COLUMN IF NOT EXISTS total_quota_used BIGINT NOT NULL DEFAULT 0`,

	// Seed default plans so billing works before the provider sync runs.
	`INSERT INTO plans (id, name, stripe_product_id, stripe_monthly_price_id, stripe_yearly_price_id, features, is_public)
	 VALUES
	     (gen_random_uuid(), 'starter', 'prod_starter', 'price_starter_monthly', 'price_starter_yearly', '{"projects": 5, "agents": 10}', true),
	     (gen_random_uuid(), 'team', 'prod_team', 'price_team_monthly', 'price_team_yearly', '{"projects": 50, "agents": 100}', true)
	 ON CONFLICT (name) DO NOTHING`,
}
