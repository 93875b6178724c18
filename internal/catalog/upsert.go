package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// Service applies app and function definitions to the store.
type Service struct {
	store  store.Store
	driver embeddings.Driver
}

func NewService(st store.Store, driver embeddings.Driver) *Service {
	return &Service{store: st, driver: driver}
}

// Result reports what an upsert did, or would do in dry-run mode.
type Result struct {
	Created bool              `json:"created"`
	Updated bool              `json:"updated"`
	DryRun  bool              `json:"dry_run"`
	AppID   uuid.UUID         `json:"app_id,omitempty"`
	Diff    map[string][2]any `json:"diff,omitempty"` // field name to [old, new]
}

// UpsertApp creates or updates an app from its definition. Secrets, when
// given, become the app's default security credentials per scheme; every
// scheme in the secrets map must be declared by the definition. In dry-run
// mode the store is not touched and Diff describes the pending change.
func (s *Service) UpsertApp(ctx context.Context, def *AppDefinition, secrets map[models.SecurityScheme]map[string]any, dryRun bool) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for scheme := range secrets {
		if _, ok := def.SecuritySchemes[scheme]; !ok {
			return nil, fmt.Errorf("secrets provided for scheme %q which app %s does not declare", scheme, def.Name)
		}
	}

	existing, err := s.store.GetApp(ctx, def.Name)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	if existing == nil {
		return s.createApp(ctx, def, secrets, dryRun)
	}
	return s.updateApp(ctx, existing, def, secrets, dryRun)
}

func (s *Service) createApp(ctx context.Context, def *AppDefinition, secrets map[models.SecurityScheme]map[string]any, dryRun bool) (*Result, error) {
	now := time.Now().UTC()
	app := &models.App{
		ID:                                 uuid.New(),
		Name:                               def.Name,
		DisplayName:                        def.DisplayName,
		Provider:                           def.Provider,
		Version:                            def.Version,
		Description:                        def.Description,
		Logo:                               def.Logo,
		Categories:                         def.Categories,
		Visibility:                         def.Visibility,
		Active:                             def.Active,
		SecuritySchemes:                    def.SecuritySchemes,
		DefaultSecurityCredentialsByScheme: secrets,
		CreatedAt:                          now,
		UpdatedAt:                          now,
	}

	if dryRun {
		return &Result{Created: true, DryRun: true, Diff: map[string][2]any{"app": {nil, def.Name}}}, nil
	}

	vector, err := s.embedApp(ctx, app)
	if err != nil {
		return nil, err
	}
	app.Embedding = vector

	if err := s.store.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	log.Info().Str("app", app.Name).Str("id", app.ID.String()).Msg("App created")
	return &Result{Created: true, AppID: app.ID}, nil
}

func (s *Service) updateApp(ctx context.Context, existing *models.App, def *AppDefinition, secrets map[models.SecurityScheme]map[string]any, dryRun bool) (*Result, error) {
	diff := appDiff(existing, def, secrets)
	if len(diff) == 0 {
		return &Result{AppID: existing.ID, DryRun: dryRun}, nil
	}
	if dryRun {
		return &Result{Updated: true, DryRun: true, AppID: existing.ID, Diff: diff}, nil
	}

	before := existing.EmbeddingFields()

	existing.DisplayName = def.DisplayName
	existing.Provider = def.Provider
	existing.Version = def.Version
	existing.Description = def.Description
	existing.Logo = def.Logo
	existing.Categories = def.Categories
	existing.Visibility = def.Visibility
	existing.Active = def.Active
	existing.SecuritySchemes = def.SecuritySchemes
	if secrets != nil {
		existing.DefaultSecurityCredentialsByScheme = secrets
	}

	// Only re-embed when a field that feeds the embedding changed.
	existing.Embedding = nil
	if !reflect.DeepEqual(before, existing.EmbeddingFields()) {
		vector, err := s.embedApp(ctx, existing)
		if err != nil {
			return nil, err
		}
		existing.Embedding = vector
	}

	if err := s.store.UpdateApp(ctx, existing); err != nil {
		return nil, err
	}
	log.Info().Str("app", existing.Name).Int("changed_fields", len(diff)).Msg("App updated")
	return &Result{Updated: true, AppID: existing.ID, Diff: diff}, nil
}

func appDiff(existing *models.App, def *AppDefinition, secrets map[models.SecurityScheme]map[string]any) map[string][2]any {
	diff := make(map[string][2]any)
	add := func(field string, oldV, newV any) {
		if !reflect.DeepEqual(oldV, newV) {
			diff[field] = [2]any{oldV, newV}
		}
	}
	add("display_name", existing.DisplayName, def.DisplayName)
	add("provider", existing.Provider, def.Provider)
	add("version", existing.Version, def.Version)
	add("description", existing.Description, def.Description)
	add("logo", existing.Logo, def.Logo)
	add("categories", existing.Categories, def.Categories)
	add("visibility", existing.Visibility, def.Visibility)
	add("active", existing.Active, def.Active)
	add("security_schemes", existing.SecuritySchemes, def.SecuritySchemes)
	if secrets != nil && !reflect.DeepEqual(existing.DefaultSecurityCredentialsByScheme, secrets) {
		// Never echo credential values in a diff.
		diff["default_security_credentials_by_scheme"] = [2]any{"(redacted)", "(redacted)"}
	}
	return diff
}

// FunctionsResult reports the outcome of a function batch upsert.
type FunctionsResult struct {
	Created     []string                     `json:"created,omitempty"`
	Updated     []string                     `json:"updated,omitempty"`
	Unchanged   []string                     `json:"unchanged,omitempty"`
	DryRun      bool                         `json:"dry_run"`
	FunctionIDs []uuid.UUID                  `json:"function_ids,omitempty"`
	Diffs       map[string]map[string][2]any `json:"diffs,omitempty"`
}

// UpsertFunctions creates or updates the functions of one app. The app
// resolved from the name prefix must already exist.
func (s *Service) UpsertFunctions(ctx context.Context, defs []FunctionDefinition, dryRun bool) (*FunctionsResult, error) {
	if len(defs) == 0 {
		return &FunctionsResult{DryRun: dryRun}, nil
	}
	appName := models.AppNameFromFunctionName(defs[0].Name)
	app, err := s.store.GetApp(ctx, appName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("app %s must be upserted before its functions", appName)
		}
		return nil, err
	}

	result := &FunctionsResult{DryRun: dryRun, Diffs: make(map[string]map[string][2]any)}
	var toCreate []*models.Function
	now := time.Now().UTC()

	for i := range defs {
		def := &defs[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if models.AppNameFromFunctionName(def.Name) != appName {
			return nil, fmt.Errorf("function %s does not belong to app %s", def.Name, appName)
		}
		existing, err := s.store.GetFunction(ctx, def.Name)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}

		if existing == nil {
			result.Created = append(result.Created, def.Name)
			if dryRun {
				continue
			}
			fn := &models.Function{
				ID:           uuid.New(),
				AppID:        app.ID,
				Name:         def.Name,
				Description:  def.Description,
				Tags:         def.Tags,
				Visibility:   def.Visibility,
				Active:       def.Active,
				Protocol:     def.Protocol,
				ProtocolData: def.ProtocolData,
				Parameters:   def.Parameters,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			vector, err := s.embedFunction(ctx, fn)
			if err != nil {
				return nil, err
			}
			fn.Embedding = vector
			toCreate = append(toCreate, fn)
			result.FunctionIDs = append(result.FunctionIDs, fn.ID)
			continue
		}

		diff := functionDiff(existing, def)
		if len(diff) == 0 {
			result.Unchanged = append(result.Unchanged, def.Name)
			result.FunctionIDs = append(result.FunctionIDs, existing.ID)
			continue
		}
		result.Updated = append(result.Updated, def.Name)
		result.Diffs[def.Name] = diff
		if dryRun {
			continue
		}

		before := existing.EmbeddingFields()
		existing.Description = def.Description
		existing.Tags = def.Tags
		existing.Visibility = def.Visibility
		existing.Active = def.Active
		existing.Protocol = def.Protocol
		existing.ProtocolData = def.ProtocolData
		existing.Parameters = def.Parameters

		existing.Embedding = nil
		if before != existing.EmbeddingFields() {
			vector, err := s.embedFunction(ctx, existing)
			if err != nil {
				return nil, err
			}
			existing.Embedding = vector
		}
		if err := s.store.UpdateFunction(ctx, existing); err != nil {
			return nil, err
		}
		result.FunctionIDs = append(result.FunctionIDs, existing.ID)
	}

	if len(toCreate) > 0 {
		if err := s.store.CreateFunctions(ctx, toCreate); err != nil {
			return nil, err
		}
	}
	if !dryRun {
		log.Info().Str("app", appName).
			Int("created", len(result.Created)).
			Int("updated", len(result.Updated)).
			Int("unchanged", len(result.Unchanged)).
			Msg("Functions upserted")
	}
	return result, nil
}

func functionDiff(existing *models.Function, def *FunctionDefinition) map[string][2]any {
	diff := make(map[string][2]any)
	add := func(field string, oldV, newV any) {
		if !reflect.DeepEqual(oldV, newV) {
			diff[field] = [2]any{oldV, newV}
		}
	}
	add("description", existing.Description, def.Description)
	add("tags", existing.Tags, def.Tags)
	add("visibility", existing.Visibility, def.Visibility)
	add("active", existing.Active, def.Active)
	add("protocol", existing.Protocol, def.Protocol)
	add("protocol_data", existing.ProtocolData, def.ProtocolData)
	add("parameters", existing.Parameters, def.Parameters)
	return diff
}

// The embedding input is the JSON serialization of the embedding fields,
// so reordering unrelated fields in a definition never forces a re-embed.
func (s *Service) embedApp(ctx context.Context, app *models.App) ([]float64, error) {
	text, err := json.Marshal(app.EmbeddingFields())
	if err != nil {
		return nil, err
	}
	vector, err := embeddings.EmbedOne(ctx, s.driver, string(text))
	if err != nil {
		return nil, fmt.Errorf("embed app %s: %w", app.Name, err)
	}
	return vector, nil
}

func (s *Service) embedFunction(ctx context.Context, fn *models.Function) ([]float64, error) {
	text, err := json.Marshal(fn.EmbeddingFields())
	if err != nil {
		return nil, err
	}
	vector, err := embeddings.EmbedOne(ctx, s.driver, string(text))
	if err != nil {
		return nil, fmt.Errorf("embed function %s: %w", fn.Name, err)
	}
	return vector, nil
}
