package catalog_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

func newCatalogFixture(t *testing.T) (*catalog.Service, store.Store) {
	t.Helper()
	t.Setenv("APPFOUNDRY_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return catalog.NewService(st, embeddings.NewHashDriver(8)), st
}

func appDef() *catalog.AppDefinition {
	return &catalog.AppDefinition{
		Name:        "ACME_CRM",
		DisplayName: "Acme CRM",
		Provider:    "acme",
		Version:     "1.0.0",
		Description: "Customer relationship management.",
		Categories:  []string{"crm"},
		Visibility:  models.VisibilityPublic,
		Active:      true,
		SecuritySchemes: map[models.SecurityScheme]map[string]any{
			models.SecuritySchemeAPIKey: {"location": "header", "name": "X-Token"},
		},
	}
}

func functionDefs() []catalog.FunctionDefinition {
	return []catalog.FunctionDefinition{
		{
			Name:        "ACME_CRM__LIST_CONTACTS",
			Description: "List contacts.",
			Visibility:  models.VisibilityPublic,
			Active:      true,
			Protocol:    models.ProtocolREST,
			ProtocolData: map[string]any{
				"method": "GET", "server_url": "https://api.acme.test", "path": "/contacts",
			},
			Parameters: map[string]any{"type": "object"},
		},
		{
			Name:        "ACME_CRM__CREATE_CONTACT",
			Description: "Create a contact.",
			Visibility:  models.VisibilityPublic,
			Active:      true,
			Protocol:    models.ProtocolREST,
			ProtocolData: map[string]any{
				"method": "POST", "server_url": "https://api.acme.test", "path": "/contacts",
			},
			Parameters: map[string]any{"type": "object"},
		},
	}
}

func TestUpsertApp_Create(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	res, err := svc.UpsertApp(ctx, appDef(), nil, false)
	if err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	if !res.Created || res.Updated {
		t.Errorf("Result = %+v, want created", res)
	}

	app, err := st.GetApp(ctx, "ACME_CRM")
	if err != nil {
		t.Fatalf("GetApp() error = %v", err)
	}
	if len(app.Embedding) == 0 {
		t.Error("created app has no embedding")
	}
}

func TestUpsertApp_DryRunDoesNotWrite(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	res, err := svc.UpsertApp(ctx, appDef(), nil, true)
	if err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	if !res.DryRun || !res.Created {
		t.Errorf("Result = %+v, want dry-run create", res)
	}
	if _, err := st.GetApp(ctx, "ACME_CRM"); !store.IsNotFound(err) {
		t.Errorf("dry run wrote the app: %v", err)
	}
}

func TestUpsertApp_NoChangeIsNoop(t *testing.T) {
	svc, _ := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	res, err := svc.UpsertApp(ctx, appDef(), nil, false)
	if err != nil {
		t.Fatalf("UpsertApp() second run error = %v", err)
	}
	if res.Created || res.Updated || len(res.Diff) != 0 {
		t.Errorf("Result = %+v, want no change", res)
	}
}

func TestUpsertApp_UpdateReportsDiff(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}

	changed := appDef()
	changed.Version = "1.1.0"
	changed.Active = false
	res, err := svc.UpsertApp(ctx, changed, nil, false)
	if err != nil {
		t.Fatalf("UpsertApp() update error = %v", err)
	}
	if !res.Updated {
		t.Fatalf("Result = %+v, want updated", res)
	}
	if _, ok := res.Diff["version"]; !ok {
		t.Errorf("Diff = %v, missing version entry", res.Diff)
	}
	if _, ok := res.Diff["active"]; !ok {
		t.Errorf("Diff = %v, missing active entry", res.Diff)
	}

	app, _ := st.GetApp(ctx, "ACME_CRM")
	if app.Active {
		t.Error("app still active after update")
	}
}

func TestUpsertApp_ReembedsOnlyWhenEmbeddingFieldsChange(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	original, _ := st.GetApp(ctx, "ACME_CRM")

	// Version does not feed the embedding, so the vector must survive.
	bumped := appDef()
	bumped.Version = "2.0.0"
	if _, err := svc.UpsertApp(ctx, bumped, nil, false); err != nil {
		t.Fatalf("UpsertApp() version bump error = %v", err)
	}
	kept, _ := st.GetApp(ctx, "ACME_CRM")
	if !reflect.DeepEqual(original.Embedding, kept.Embedding) {
		t.Error("embedding changed on a non-embedding field update")
	}

	// Description does feed the embedding.
	reworded := appDef()
	reworded.Version = "2.0.0"
	reworded.Description = "Sales pipeline and contact management."
	if _, err := svc.UpsertApp(ctx, reworded, nil, false); err != nil {
		t.Fatalf("UpsertApp() description change error = %v", err)
	}
	refreshed, _ := st.GetApp(ctx, "ACME_CRM")
	if reflect.DeepEqual(original.Embedding, refreshed.Embedding) {
		t.Error("embedding unchanged after description update")
	}
}

func TestUpsertApp_SecretsMustMatchDeclaredSchemes(t *testing.T) {
	svc, _ := newCatalogFixture(t)
	secrets := map[models.SecurityScheme]map[string]any{
		models.SecuritySchemeOAuth2: {"client_id": "x"},
	}
	_, err := svc.UpsertApp(context.Background(), appDef(), secrets, false)
	if err == nil {
		t.Fatal("UpsertApp() with undeclared secret scheme = nil error, want error")
	}
	if !strings.Contains(err.Error(), "does not declare") {
		t.Errorf("error = %v, want undeclared scheme message", err)
	}
}

func TestUpsertApp_DiffRedactsCredentials(t *testing.T) {
	svc, _ := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	secrets := map[models.SecurityScheme]map[string]any{
		models.SecuritySchemeAPIKey: {"secret_key": "super-secret"},
	}
	res, err := svc.UpsertApp(ctx, appDef(), secrets, false)
	if err != nil {
		t.Fatalf("UpsertApp() with secrets error = %v", err)
	}
	entry, ok := res.Diff["default_security_credentials_by_scheme"]
	if !ok {
		t.Fatalf("Diff = %v, missing credentials entry", res.Diff)
	}
	if entry[0] != "(redacted)" || entry[1] != "(redacted)" {
		t.Errorf("credential diff = %v, want redacted markers", entry)
	}
}

func TestUpsertFunctions_RequiresApp(t *testing.T) {
	svc, _ := newCatalogFixture(t)
	_, err := svc.UpsertFunctions(context.Background(), functionDefs(), false)
	if err == nil {
		t.Fatal("UpsertFunctions() without app = nil error, want error")
	}
	if !strings.Contains(err.Error(), "must be upserted before") {
		t.Errorf("error = %v, want app-first message", err)
	}
}

func TestUpsertFunctions_CreateUpdateUnchanged(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}

	res, err := svc.UpsertFunctions(ctx, functionDefs(), false)
	if err != nil {
		t.Fatalf("UpsertFunctions() error = %v", err)
	}
	if len(res.Created) != 2 || len(res.Updated) != 0 {
		t.Fatalf("Result = %+v, want 2 created", res)
	}

	defs := functionDefs()
	defs[0].Description = "List all contacts with paging."
	res, err = svc.UpsertFunctions(ctx, defs, false)
	if err != nil {
		t.Fatalf("UpsertFunctions() second run error = %v", err)
	}
	if len(res.Updated) != 1 || len(res.Unchanged) != 1 || len(res.Created) != 0 {
		t.Fatalf("Result = %+v, want 1 updated and 1 unchanged", res)
	}
	if _, ok := res.Diffs["ACME_CRM__LIST_CONTACTS"]; !ok {
		t.Errorf("Diffs = %v, missing updated function", res.Diffs)
	}

	fn, err := st.GetFunction(ctx, "ACME_CRM__LIST_CONTACTS")
	if err != nil {
		t.Fatalf("GetFunction() error = %v", err)
	}
	if fn.Description != "List all contacts with paging." {
		t.Errorf("Description = %q, not updated", fn.Description)
	}
	if len(fn.Embedding) == 0 {
		t.Error("updated function lost its embedding")
	}
}

func TestUpsertFunctions_DryRunDoesNotWrite(t *testing.T) {
	svc, st := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	res, err := svc.UpsertFunctions(ctx, functionDefs(), true)
	if err != nil {
		t.Fatalf("UpsertFunctions() dry run error = %v", err)
	}
	if !res.DryRun || len(res.Created) != 2 {
		t.Fatalf("Result = %+v, want dry-run with 2 pending creates", res)
	}
	if _, err := st.GetFunction(ctx, "ACME_CRM__LIST_CONTACTS"); !store.IsNotFound(err) {
		t.Errorf("dry run wrote a function: %v", err)
	}
}

func TestUpsertFunctions_RejectsMixedApps(t *testing.T) {
	svc, _ := newCatalogFixture(t)
	ctx := context.Background()

	if _, err := svc.UpsertApp(ctx, appDef(), nil, false); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	defs := functionDefs()
	defs[1].Name = "OTHER_APP__DO_THING"
	if _, err := svc.UpsertFunctions(ctx, defs, false); err == nil {
		t.Error("UpsertFunctions() with mixed app prefixes = nil error, want error")
	}
}

func TestAppDefinitionValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*catalog.AppDefinition)
	}{
		{"lowercase name", func(d *catalog.AppDefinition) { d.Name = "acme_crm" }},
		{"missing display name", func(d *catalog.AppDefinition) { d.DisplayName = "" }},
		{"missing description", func(d *catalog.AppDefinition) { d.Description = "" }},
		{"bad visibility", func(d *catalog.AppDefinition) { d.Visibility = "internal" }},
		{"unknown scheme", func(d *catalog.AppDefinition) {
			d.SecuritySchemes = map[models.SecurityScheme]map[string]any{"basic": {}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := appDef()
			tc.mutate(def)
			if err := def.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}
