// PostgreSQL Store implementation backed by pgxpool and pgvector.
// Requires the pgvector extension for the embedding columns.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/pkg/models"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgresStore connects to PostgreSQL, verifies reachability and runs
// the idempotent schema migration.
func NewPostgresStore(ctx context.Context, connURL string, dimensions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if missing and applies drift repairs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(schemaDDL, s.dimensions, s.dimensions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return err
	}
	return s.Repair(ctx)
}

// Repair applies idempotent fixes for schema drift seen in older
// deployments. Safe to run on every startup.
func (s *PostgresStore) Repair(ctx context.Context) error {
	for _, stmt := range repairStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Msg("Schema repair statement failed, continuing")
		}
	}
	return nil
}

// conflictOr translates a unique-violation error into ErrConflict.
func conflictOr(err error, entity, key string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &ErrConflict{Entity: entity, Key: key}
	}
	return err
}

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func unmarshalJSON[T any](data []byte) T {
	var out T
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

// vectorText converts a float slice to pgvector's text format: [1.0,2.0,3.0]
func vectorText(v []float64) *string {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	out := sb.String()
	return &out
}

// ── Entities / Organizations ────────────────────────────────

func (s *PostgresStore) CreateEntity(ctx context.Context, entity *models.Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (id, type, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entity.ID, entity.Type, entity.Name, entity.Email, entity.CreatedAt, entity.UpdatedAt)
	return conflictOr(err, "entity", entity.ID.String())
}

func (s *PostgresStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	var e models.Entity
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, name, COALESCE(email, ''), created_at, updated_at
		FROM entities WHERE id = $1`, id).
		Scan(&e.ID, &e.Type, &e.Name, &e.Email, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entity", Key: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (entity_id, display_name, created_at)
		VALUES ($1, $2, $3)`,
		org.EntityID, org.DisplayName, org.CreatedAt)
	return conflictOr(err, "organization", org.EntityID.String())
}

// ── Projects ────────────────────────────────────────────────

const projectColumns = `id, org_id, owner_id, name, visibility_access,
	daily_quota_used, daily_quota_reset_at, monthly_quota_used,
	monthly_quota_reset_at, total_quota_used, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.OwnerID, &p.Name, &p.VisibilityAccess,
		&p.DailyQuotaUsed, &p.DailyQuotaResetAt, &p.MonthlyQuotaUsed,
		&p.MonthlyQuotaResetAt, &p.TotalQuotaUsed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id.String()}
	}
	return p, err
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		project.ID, project.OrgID, project.OwnerID, project.Name, project.VisibilityAccess,
		project.DailyQuotaUsed, project.DailyQuotaResetAt, project.MonthlyQuotaUsed,
		project.MonthlyQuotaResetAt, project.TotalQuotaUsed, project.CreatedAt, project.UpdatedAt)
	return conflictOr(err, "project", project.ID.String())
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project *models.Project) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET
			name = $2, visibility_access = $3,
			daily_quota_used = $4, daily_quota_reset_at = $5,
			monthly_quota_used = $6, monthly_quota_reset_at = $7,
			total_quota_used = $8, updated_at = $9
		WHERE id = $1`,
		project.ID, project.Name, project.VisibilityAccess,
		project.DailyQuotaUsed, project.DailyQuotaResetAt,
		project.MonthlyQuotaUsed, project.MonthlyQuotaResetAt,
		project.TotalQuotaUsed, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "project", Key: project.ID.String()}
	}
	return nil
}

// ── Apps ────────────────────────────────────────────────────

const appColumns = `id, name, display_name, provider, version, description, logo,
	categories, visibility, active, security_schemes,
	default_security_credentials_by_scheme, created_at, updated_at`

func scanApp(row pgx.Row) (*models.App, error) {
	var a models.App
	var schemes, creds []byte
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Provider, &a.Version,
		&a.Description, &a.Logo, &a.Categories, &a.Visibility, &a.Active,
		&schemes, &creds, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.SecuritySchemes = unmarshalJSON[map[models.SecurityScheme]map[string]any](schemes)
	a.DefaultSecurityCredentialsByScheme = unmarshalJSON[map[models.SecurityScheme]map[string]any](creds)
	return &a, nil
}

func appFilterClause(filter AppFilter, args *[]any) string {
	var conds []string
	if filter.PublicOnly {
		conds = append(conds, "visibility = 'public'")
	}
	if filter.ActiveOnly {
		conds = append(conds, "active")
	}
	if len(filter.Names) > 0 {
		*args = append(*args, filter.Names)
		conds = append(conds, fmt.Sprintf("name = ANY($%d)", len(*args)))
	}
	if len(filter.Categories) > 0 {
		*args = append(*args, filter.Categories)
		conds = append(conds, fmt.Sprintf("categories && $%d", len(*args)))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitOffsetClause(limit, offset int, args *[]any) string {
	var sb strings.Builder
	if limit > 0 {
		*args = append(*args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(*args))
	}
	return sb.String()
}

func (s *PostgresStore) ListApps(ctx context.Context, filter AppFilter) ([]models.App, error) {
	var args []any
	query := `SELECT ` + appColumns + ` FROM apps` + appFilterClause(filter, &args) +
		` ORDER BY name` + limitOffsetClause(filter.Limit, filter.Offset, &args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetApp(ctx context.Context, name string) (*models.App, error) {
	a, err := scanApp(s.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "app", Key: name}
	}
	return a, err
}

func (s *PostgresStore) GetAppByID(ctx context.Context, id uuid.UUID) (*models.App, error) {
	a, err := scanApp(s.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "app", Key: id.String()}
	}
	return a, err
}

func (s *PostgresStore) CreateApp(ctx context.Context, app *models.App) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO apps (id, name, display_name, provider, version, description, logo,
			categories, visibility, active, security_schemes,
			default_security_credentials_by_scheme, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		app.ID, app.Name, app.DisplayName, app.Provider, app.Version, app.Description,
		app.Logo, app.Categories, app.Visibility, app.Active,
		marshalJSON(app.SecuritySchemes), marshalJSON(app.DefaultSecurityCredentialsByScheme),
		vectorText(app.Embedding), app.CreatedAt, app.UpdatedAt)
	return conflictOr(err, "app", app.Name)
}

func (s *PostgresStore) UpdateApp(ctx context.Context, app *models.App) error {
	// Embedding only changes when the embedding fields changed; a nil
	// embedding keeps the stored vector.
	query := `
		UPDATE apps SET
			display_name = $2, provider = $3, version = $4, description = $5,
			logo = $6, categories = $7, visibility = $8, active = $9,
			security_schemes = $10, default_security_credentials_by_scheme = $11,
			updated_at = $12`
	args := []any{app.Name, app.DisplayName, app.Provider, app.Version, app.Description,
		app.Logo, app.Categories, app.Visibility, app.Active,
		marshalJSON(app.SecuritySchemes), marshalJSON(app.DefaultSecurityCredentialsByScheme),
		time.Now().UTC()}
	if len(app.Embedding) > 0 {
		args = append(args, vectorText(app.Embedding))
		query += fmt.Sprintf(", embedding = $%d", len(args))
	}
	query += " WHERE name = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app", Key: app.Name}
	}
	return nil
}

func (s *PostgresStore) DeleteApp(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM apps WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app", Key: name}
	}
	return nil
}

func (s *PostgresStore) SearchApps(ctx context.Context, filter AppFilter, intentEmbedding []float64) ([]ScoredApp, error) {
	if intentEmbedding == nil {
		apps, err := s.ListApps(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := make([]ScoredApp, len(apps))
		for i, a := range apps {
			out[i] = ScoredApp{App: a}
		}
		return out, nil
	}

	args := []any{vectorText(intentEmbedding)}
	where := appFilterClause(filter, &args)
	query := `SELECT ` + appColumns + `, 1 - (embedding <=> $1) AS score FROM apps` + where +
		` ORDER BY embedding <=> $1` + limitOffsetClause(filter.Limit, filter.Offset, &args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredApp
	for rows.Next() {
		var a models.App
		var schemes, creds []byte
		var score float64
		if err := rows.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Provider, &a.Version,
			&a.Description, &a.Logo, &a.Categories, &a.Visibility, &a.Active,
			&schemes, &creds, &a.CreatedAt, &a.UpdatedAt, &score); err != nil {
			return nil, err
		}
		a.SecuritySchemes = unmarshalJSON[map[models.SecurityScheme]map[string]any](schemes)
		a.DefaultSecurityCredentialsByScheme = unmarshalJSON[map[models.SecurityScheme]map[string]any](creds)
		sc := score
		out = append(out, ScoredApp{App: a, Score: &sc})
	}
	return out, rows.Err()
}

// ── Functions ───────────────────────────────────────────────

const functionColumns = `f.id, f.app_id, f.name, f.description, f.tags, f.visibility,
	f.active, f.protocol, f.protocol_data, f.parameters, f.created_at, f.updated_at`

func scanFunction(row pgx.Row) (*models.Function, error) {
	var f models.Function
	var protocolData, parameters []byte
	err := row.Scan(&f.ID, &f.AppID, &f.Name, &f.Description, &f.Tags, &f.Visibility,
		&f.Active, &f.Protocol, &protocolData, &parameters, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ProtocolData = unmarshalJSON[map[string]any](protocolData)
	f.Parameters = unmarshalJSON[map[string]any](parameters)
	return &f, nil
}

func functionFilterClause(filter FunctionFilter, args *[]any) string {
	var conds []string
	if filter.PublicOnly {
		conds = append(conds, "f.visibility = 'public'", "a.visibility = 'public'")
	}
	if filter.ActiveOnly {
		conds = append(conds, "f.active", "a.active")
	}
	if len(filter.Names) > 0 {
		*args = append(*args, filter.Names)
		conds = append(conds, fmt.Sprintf("f.name = ANY($%d)", len(*args)))
	}
	if len(filter.AppNames) > 0 {
		*args = append(*args, filter.AppNames)
		conds = append(conds, fmt.Sprintf("a.name = ANY($%d)", len(*args)))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (s *PostgresStore) ListFunctions(ctx context.Context, filter FunctionFilter) ([]models.Function, error) {
	var args []any
	query := `SELECT ` + functionColumns + ` FROM functions f JOIN apps a ON f.app_id = a.id` +
		functionFilterClause(filter, &args) + ` ORDER BY f.name` +
		limitOffsetClause(filter.Limit, filter.Offset, &args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFunctionsByAppID(ctx context.Context, appID uuid.UUID) ([]models.Function, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+functionColumns+` FROM functions f WHERE f.app_id = $1 ORDER BY f.name`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFunction(ctx context.Context, name string) (*models.Function, error) {
	f, err := scanFunction(s.pool.QueryRow(ctx, `SELECT `+functionColumns+` FROM functions f WHERE f.name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	return f, err
}

func (s *PostgresStore) CreateFunctions(ctx context.Context, functions []*models.Function) error {
	if len(functions) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, f := range functions {
		_, err := tx.Exec(ctx, `
			INSERT INTO functions (id, app_id, name, description, tags, visibility,
				active, protocol, protocol_data, parameters, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			f.ID, f.AppID, f.Name, f.Description, f.Tags, f.Visibility, f.Active,
			f.Protocol, marshalJSON(f.ProtocolData), marshalJSON(f.Parameters),
			vectorText(f.Embedding), f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return conflictOr(err, "function", f.Name)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateFunction(ctx context.Context, function *models.Function) error {
	query := `
		UPDATE functions SET
			description = $2, tags = $3, visibility = $4, active = $5,
			protocol = $6, protocol_data = $7, parameters = $8, updated_at = $9`
	args := []any{function.Name, function.Description, function.Tags, function.Visibility,
		function.Active, function.Protocol, marshalJSON(function.ProtocolData),
		marshalJSON(function.Parameters), time.Now().UTC()}
	if len(function.Embedding) > 0 {
		args = append(args, vectorText(function.Embedding))
		query += fmt.Sprintf(", embedding = $%d", len(args))
	}
	query += " WHERE name = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "function", Key: function.Name}
	}
	return nil
}

func (s *PostgresStore) DeleteFunctionsByAppID(ctx context.Context, appID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM functions WHERE app_id = $1`, appID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SearchFunctions(ctx context.Context, filter FunctionFilter, intentEmbedding []float64) ([]models.Function, error) {
	var args []any
	orderBy := ` ORDER BY f.name`
	if intentEmbedding != nil {
		args = append(args, vectorText(intentEmbedding))
		orderBy = ` ORDER BY f.embedding <=> $1`
	}
	query := `SELECT ` + functionColumns + ` FROM functions f JOIN apps a ON f.app_id = a.id` +
		functionFilterClause(filter, &args) + orderBy +
		limitOffsetClause(filter.Limit, filter.Offset, &args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ── Agents ──────────────────────────────────────────────────

const agentColumns = `id, project_id, name, description, allowed_apps, excluded_apps,
	excluded_functions, custom_instructions, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var instructions []byte
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Description, &a.AllowedApps,
		&a.ExcludedApps, &a.ExcludedFunctions, &instructions, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CustomInstructions = unmarshalJSON[map[string]string](instructions)
	return &a, nil
}

func (s *PostgresStore) ListAgentsByProject(ctx context.Context, projectID uuid.UUID) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	return a, err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.ProjectID, agent.Name, agent.Description, agent.AllowedApps,
		agent.ExcludedApps, agent.ExcludedFunctions, marshalJSON(agent.CustomInstructions),
		agent.CreatedAt, agent.UpdatedAt)
	return conflictOr(err, "agent", agent.ID.String())
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET
			name = $2, description = $3, allowed_apps = $4, excluded_apps = $5,
			excluded_functions = $6, custom_instructions = $7, updated_at = $8
		WHERE id = $1`,
		agent.ID, agent.Name, agent.Description, agent.AllowedApps, agent.ExcludedApps,
		agent.ExcludedFunctions, marshalJSON(agent.CustomInstructions), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.ID.String()}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	return nil
}

// ── API Keys ────────────────────────────────────────────────

const apiKeyColumns = `id, agent_id, key_hash, key_encrypted, key_hmac, status, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.AgentID, &k.KeyHash, &k.KeyEncrypted, &k.KeyHMAC,
		&k.Status, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.AgentID, key.KeyHash, key.KeyEncrypted, key.KeyHMAC,
		key.Status, key.CreatedAt, key.UpdatedAt)
	return conflictOr(err, "api key", key.ID.String())
}

func (s *PostgresStore) GetAPIKeyByHMAC(ctx context.Context, hmac string) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hmac = $1`, hmac))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: "hmac"}
	}
	return k, err
}

func (s *PostgresStore) GetAPIKeyByAgent(ctx context.Context, agentID uuid.UUID) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE agent_id = $1 ORDER BY created_at LIMIT 1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: agentID.String()}
	}
	return k, err
}

func (s *PostgresStore) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET status = $2, updated_at = $3 WHERE id = $1`,
		key.ID, key.Status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api key", Key: key.ID.String()}
	}
	return nil
}

// ── App Configurations ──────────────────────────────────────

const appConfigColumns = `id, project_id, app_id, app_name, security_scheme,
	security_scheme_overrides, enabled, all_functions_enabled, enabled_functions,
	created_at, updated_at`

func scanAppConfig(row pgx.Row) (*models.AppConfiguration, error) {
	var c models.AppConfiguration
	var overrides []byte
	err := row.Scan(&c.ID, &c.ProjectID, &c.AppID, &c.AppName, &c.SecurityScheme,
		&overrides, &c.Enabled, &c.AllFunctionsEnabled, &c.EnabledFunctions,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.SecuritySchemeOverrides = unmarshalJSON[map[models.SecurityScheme]map[string]any](overrides)
	return &c, nil
}

func (s *PostgresStore) ListAppConfigurations(ctx context.Context, projectID uuid.UUID) ([]models.AppConfiguration, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+appConfigColumns+` FROM app_configurations WHERE project_id = $1 ORDER BY app_name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AppConfiguration
	for rows.Next() {
		c, err := scanAppConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error) {
	c, err := scanAppConfig(s.pool.QueryRow(ctx,
		`SELECT `+appConfigColumns+` FROM app_configurations WHERE project_id = $1 AND app_name = $2`,
		projectID, appName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	return c, err
}

func (s *PostgresStore) CreateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_configurations (`+appConfigColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cfg.ID, cfg.ProjectID, cfg.AppID, cfg.AppName, cfg.SecurityScheme,
		marshalJSON(cfg.SecuritySchemeOverrides), cfg.Enabled, cfg.AllFunctionsEnabled,
		cfg.EnabledFunctions, cfg.CreatedAt, cfg.UpdatedAt)
	return conflictOr(err, "app configuration", cfg.AppName)
}

func (s *PostgresStore) UpdateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE app_configurations SET
			security_scheme = $3, security_scheme_overrides = $4, enabled = $5,
			all_functions_enabled = $6, enabled_functions = $7, updated_at = $8
		WHERE project_id = $1 AND app_name = $2`,
		cfg.ProjectID, cfg.AppName, cfg.SecurityScheme, marshalJSON(cfg.SecuritySchemeOverrides),
		cfg.Enabled, cfg.AllFunctionsEnabled, cfg.EnabledFunctions, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app configuration", Key: cfg.AppName}
	}
	return nil
}

func (s *PostgresStore) DeleteAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM app_configurations WHERE project_id = $1 AND app_name = $2`, projectID, appName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	return nil
}

// ── Linked Accounts ─────────────────────────────────────────

const linkedAccountColumns = `id, project_id, app_id, app_name, owner_account_id,
	security_scheme, encrypted_credentials, enabled, last_used_at, created_at, updated_at`

func scanLinkedAccount(row pgx.Row) (*models.LinkedAccount, error) {
	var la models.LinkedAccount
	err := row.Scan(&la.ID, &la.ProjectID, &la.AppID, &la.AppName, &la.OwnerAccountID,
		&la.SecurityScheme, &la.EncryptedCredentials, &la.Enabled, &la.LastUsedAt,
		&la.CreatedAt, &la.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &la, nil
}

func (s *PostgresStore) ListLinkedAccounts(ctx context.Context, projectID uuid.UUID, filter LinkedAccountFilter) ([]models.LinkedAccount, error) {
	query := `SELECT ` + linkedAccountColumns + ` FROM linked_accounts WHERE project_id = $1`
	args := []any{projectID}
	if filter.AppName != "" {
		args = append(args, filter.AppName)
		query += fmt.Sprintf(" AND app_name = $%d", len(args))
	}
	if filter.OwnerAccountID != "" {
		args = append(args, filter.OwnerAccountID)
		query += fmt.Sprintf(" AND owner_account_id = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LinkedAccount
	for rows.Next() {
		la, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *la)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLinkedAccount(ctx context.Context, id uuid.UUID) (*models.LinkedAccount, error) {
	la, err := scanLinkedAccount(s.pool.QueryRow(ctx, `SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return la, err
}

func (s *PostgresStore) GetLinkedAccountByOwner(ctx context.Context, projectID uuid.UUID, appName, ownerAccountID string) (*models.LinkedAccount, error) {
	la, err := scanLinkedAccount(s.pool.QueryRow(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts
		 WHERE project_id = $1 AND app_name = $2 AND owner_account_id = $3`,
		projectID, appName, ownerAccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "linked account", Key: ownerAccountID}
	}
	return la, err
}

func (s *PostgresStore) CreateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO linked_accounts (`+linkedAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.ID, account.ProjectID, account.AppID, account.AppName, account.OwnerAccountID,
		account.SecurityScheme, account.EncryptedCredentials, account.Enabled,
		account.LastUsedAt, account.CreatedAt, account.UpdatedAt)
	return conflictOr(err, "linked account", account.OwnerAccountID)
}

func (s *PostgresStore) UpdateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE linked_accounts SET
			security_scheme = $2, encrypted_credentials = $3, enabled = $4,
			last_used_at = $5, updated_at = $6
		WHERE id = $1`,
		account.ID, account.SecurityScheme, account.EncryptedCredentials,
		account.Enabled, account.LastUsedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "linked account", Key: account.ID.String()}
	}
	return nil
}

func (s *PostgresStore) DeleteLinkedAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM linked_accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

func (s *PostgresStore) ListSecrets(ctx context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, linked_account_id, key, encrypted_value, created_at, updated_at
		FROM secrets WHERE linked_account_id = $1 ORDER BY key`, linkedAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Secret
	for rows.Next() {
		var sec models.Secret
		if err := rows.Scan(&sec.ID, &sec.LinkedAccountID, &sec.Key, &sec.EncryptedValue,
			&sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error) {
	var sec models.Secret
	err := s.pool.QueryRow(ctx, `
		SELECT id, linked_account_id, key, encrypted_value, created_at, updated_at
		FROM secrets WHERE linked_account_id = $1 AND key = $2`, linkedAccountID, key).
		Scan(&sec.ID, &sec.LinkedAccountID, &sec.Key, &sec.EncryptedValue, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "secret", Key: key}
	}
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *PostgresStore) SetSecret(ctx context.Context, secret *models.Secret) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (id, linked_account_id, key, encrypted_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (linked_account_id, key) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			updated_at = EXCLUDED.updated_at`,
		secret.ID, secret.LinkedAccountID, secret.Key, secret.EncryptedValue,
		secret.CreatedAt, secret.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE linked_account_id = $1 AND key = $2`, linkedAccountID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "secret", Key: key}
	}
	return nil
}

// ── Executions ──────────────────────────────────────────────

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.FunctionExecution) error {
	output := exec.Output
	if output == nil {
		output = json.RawMessage("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO function_executions (id, project_id, agent_id, function_name, app_name,
			linked_account_owner_id, input, output, success, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.ProjectID, exec.AgentID, exec.FunctionName, exec.AppName,
		exec.LinkedAccountOwner, marshalJSON(exec.Input), []byte(output),
		exec.Success, exec.Error, exec.DurationMs, exec.CreatedAt)
	return err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, projectID uuid.UUID, limit int) ([]models.FunctionExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, agent_id, function_name, app_name, linked_account_owner_id,
			input, output, success, error, duration_ms, created_at
		FROM function_executions WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FunctionExecution
	for rows.Next() {
		var e models.FunctionExecution
		var input, output []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.AgentID, &e.FunctionName, &e.AppName,
			&e.LinkedAccountOwner, &input, &output, &e.Success, &e.Error,
			&e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Input = unmarshalJSON[map[string]any](input)
		e.Output = json.RawMessage(output)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Billing ─────────────────────────────────────────────────

const planColumns = `id, name, stripe_product_id, stripe_monthly_price_id,
	stripe_yearly_price_id, features, is_public, created_at, updated_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	var features []byte
	err := row.Scan(&p.ID, &p.Name, &p.StripeProductID, &p.StripeMonthlyPriceID,
		&p.StripeYearlyPriceID, &features, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Features = unmarshalJSON[map[string]int](features)
	return &p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPlanByName(ctx context.Context, name string) (*models.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "plan", Key: name}
	}
	return p, err
}

func (s *PostgresStore) UpsertPlan(ctx context.Context, plan *models.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			stripe_product_id = EXCLUDED.stripe_product_id,
			stripe_monthly_price_id = EXCLUDED.stripe_monthly_price_id,
			stripe_yearly_price_id = EXCLUDED.stripe_yearly_price_id,
			features = EXCLUDED.features,
			is_public = EXCLUDED.is_public,
			updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Name, plan.StripeProductID, plan.StripeMonthlyPriceID,
		plan.StripeYearlyPriceID, marshalJSON(plan.Features), plan.IsPublic,
		plan.CreatedAt, plan.UpdatedAt)
	return err
}

const subscriptionColumns = `id, org_id, plan_id, stripe_customer_id, stripe_subscription_id,
	status, interval, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *PostgresStore) GetSubscriptionByOrg(ctx context.Context, orgID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE org_id = $1`, orgID).
		Scan(&sub.ID, &sub.OrgID, &sub.PlanID, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
			&sub.Status, &sub.Interval, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
			&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "subscription", Key: orgID}
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (org_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			interval = EXCLUDED.interval,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.OrgID, sub.PlanID, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.Status, sub.Interval, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, orgID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE org_id = $1`, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "subscription", Key: orgID}
	}
	return nil
}

func (s *PostgresStore) MarkStripeEventProcessed(ctx context.Context, event *models.ProcessedStripeEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_stripe_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)`,
		event.EventID, event.EventType, event.ProcessedAt)
	return conflictOr(err, "stripe event", event.EventID)
}
