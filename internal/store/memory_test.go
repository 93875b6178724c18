package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// newTestStore creates a fresh in-memory store snapshotting to a
// throwaway directory.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	t.Setenv("APPFOUNDRY_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func testApp(name string) *models.App {
	now := time.Now().UTC()
	return &models.App{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: name,
		Provider:    "test",
		Version:     "1.0.0",
		Description: "a test app",
		Categories:  []string{"testing"},
		Visibility:  models.VisibilityPublic,
		Active:      true,
		SecuritySchemes: map[models.SecurityScheme]map[string]any{
			models.SecuritySchemeAPIKey: {"location": "header", "name": "X-Key"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testProject(t *testing.T, s store.Store) *models.Project {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	entity := &models.Entity{ID: uuid.New(), Type: models.EntityTypeOrganization, Name: "acme", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateEntity(ctx, entity); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	project := &models.Project{
		ID:                  uuid.New(),
		OrgID:               entity.ID,
		OwnerID:             entity.ID,
		Name:                "default",
		VisibilityAccess:    models.VisibilityPublic,
		DailyQuotaResetAt:   now.Add(24 * time.Hour),
		MonthlyQuotaResetAt: now.AddDate(0, 1, 0),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	return project
}

// ─── Apps ────────────────────────────────────────────────────

func TestCreateAndGetApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := testApp("GITHUB")
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	got, err := s.GetApp(ctx, "GITHUB")
	if err != nil {
		t.Fatalf("GetApp() error = %v", err)
	}
	if got.DisplayName != "GITHUB" {
		t.Errorf("GetApp().DisplayName = %q, want %q", got.DisplayName, "GITHUB")
	}

	byID, err := s.GetAppByID(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetAppByID() error = %v", err)
	}
	if byID.Name != "GITHUB" {
		t.Errorf("GetAppByID().Name = %q, want GITHUB", byID.Name)
	}
}

func TestCreateApp_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateApp(ctx, testApp("SLACK")); err != nil {
		t.Fatalf("CreateApp() first call error = %v", err)
	}
	err := s.CreateApp(ctx, testApp("SLACK"))
	if !store.IsConflict(err) {
		t.Errorf("CreateApp() duplicate error = %v, want conflict", err)
	}
}

func TestGetApp_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApp(context.Background(), "NOPE")
	if !store.IsNotFound(err) {
		t.Errorf("GetApp() error = %v, want not found", err)
	}
}

func TestListApps_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	public := testApp("PUBLIC_APP")
	private := testApp("PRIVATE_APP")
	private.Visibility = models.VisibilityPrivate
	inactive := testApp("INACTIVE_APP")
	inactive.Active = false
	tagged := testApp("TAGGED_APP")
	tagged.Categories = []string{"crm"}

	for _, a := range []*models.App{public, private, inactive, tagged} {
		if err := s.CreateApp(ctx, a); err != nil {
			t.Fatalf("CreateApp(%s) error = %v", a.Name, err)
		}
	}

	apps, err := s.ListApps(ctx, store.AppFilter{PublicOnly: true, ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListApps() error = %v", err)
	}
	if len(apps) != 2 {
		t.Errorf("ListApps(public, active) returned %d apps, want 2", len(apps))
	}

	apps, err = s.ListApps(ctx, store.AppFilter{Categories: []string{"crm"}})
	if err != nil {
		t.Fatalf("ListApps() error = %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "TAGGED_APP" {
		t.Errorf("ListApps(categories=crm) = %v, want [TAGGED_APP]", apps)
	}

	apps, err = s.ListApps(ctx, store.AppFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListApps() error = %v", err)
	}
	if len(apps) != 1 {
		t.Errorf("ListApps(limit=1, offset=1) returned %d apps, want 1", len(apps))
	}
}

func TestUpdateApp_KeepsEmbeddingWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := testApp("NOTION")
	app.Embedding = []float64{0.1, 0.2, 0.3}
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	updated := testApp("NOTION")
	updated.ID = app.ID
	updated.Description = "changed"
	updated.Embedding = nil
	if err := s.UpdateApp(ctx, updated); err != nil {
		t.Fatalf("UpdateApp() error = %v", err)
	}

	got, _ := s.GetApp(ctx, "NOTION")
	if got.Description != "changed" {
		t.Errorf("Description = %q, want changed", got.Description)
	}
	if len(got.Embedding) != 3 {
		t.Errorf("Embedding lost on update: %v", got.Embedding)
	}
}

func TestSearchApps_RanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := testApp("NEAR")
	near.Embedding = []float64{1, 0, 0}
	far := testApp("FAR")
	far.Embedding = []float64{0, 1, 0}
	for _, a := range []*models.App{far, near} {
		if err := s.CreateApp(ctx, a); err != nil {
			t.Fatalf("CreateApp() error = %v", err)
		}
	}

	scored, err := s.SearchApps(ctx, store.AppFilter{}, []float64{0.9, 0.1, 0})
	if err != nil {
		t.Fatalf("SearchApps() error = %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("SearchApps() returned %d apps, want 2", len(scored))
	}
	if scored[0].App.Name != "NEAR" {
		t.Errorf("SearchApps() top result = %q, want NEAR", scored[0].App.Name)
	}
	if scored[0].Score == nil || *scored[0].Score <= *scored[1].Score {
		t.Errorf("scores not descending: %v, %v", scored[0].Score, scored[1].Score)
	}
}

// ─── Functions ───────────────────────────────────────────────

func TestFunctionVisibilityCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := testApp("HIDDEN")
	app.Visibility = models.VisibilityPrivate
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	fn := &models.Function{
		ID:         uuid.New(),
		AppID:      app.ID,
		Name:       "HIDDEN__LIST",
		Visibility: models.VisibilityPublic,
		Active:     true,
		Protocol:   models.ProtocolREST,
	}
	if err := s.CreateFunctions(ctx, []*models.Function{fn}); err != nil {
		t.Fatalf("CreateFunctions() error = %v", err)
	}

	// The function itself is public, but its app is private.
	functions, err := s.ListFunctions(ctx, store.FunctionFilter{PublicOnly: true})
	if err != nil {
		t.Fatalf("ListFunctions() error = %v", err)
	}
	if len(functions) != 0 {
		t.Errorf("ListFunctions(public) returned %d functions, want 0", len(functions))
	}

	functions, err = s.ListFunctions(ctx, store.FunctionFilter{})
	if err != nil {
		t.Fatalf("ListFunctions() error = %v", err)
	}
	if len(functions) != 1 {
		t.Errorf("ListFunctions() returned %d functions, want 1", len(functions))
	}
}

func TestDeleteFunctionsByAppID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := testApp("MAIL")
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	fns := []*models.Function{
		{ID: uuid.New(), AppID: app.ID, Name: "MAIL__SEND", Visibility: models.VisibilityPublic, Active: true, Protocol: models.ProtocolREST},
		{ID: uuid.New(), AppID: app.ID, Name: "MAIL__READ", Visibility: models.VisibilityPublic, Active: true, Protocol: models.ProtocolREST},
	}
	if err := s.CreateFunctions(ctx, fns); err != nil {
		t.Fatalf("CreateFunctions() error = %v", err)
	}

	deleted, err := s.DeleteFunctionsByAppID(ctx, app.ID)
	if err != nil {
		t.Fatalf("DeleteFunctionsByAppID() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("DeleteFunctionsByAppID() deleted %d, want 2", deleted)
	}
	if _, err := s.GetFunction(ctx, "MAIL__SEND"); !store.IsNotFound(err) {
		t.Errorf("GetFunction() after delete error = %v, want not found", err)
	}
}

// ─── Uniqueness invariants ───────────────────────────────────

func TestAppConfigurationUniquePerProjectAndApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project := testProject(t, s)
	app := testApp("JIRA")
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	cfg := &models.AppConfiguration{
		ID:                  uuid.New(),
		ProjectID:           project.ID,
		AppID:               app.ID,
		AppName:             app.Name,
		SecurityScheme:      models.SecuritySchemeAPIKey,
		Enabled:             true,
		AllFunctionsEnabled: true,
	}
	if err := s.CreateAppConfiguration(ctx, cfg); err != nil {
		t.Fatalf("CreateAppConfiguration() error = %v", err)
	}

	dup := *cfg
	dup.ID = uuid.New()
	if err := s.CreateAppConfiguration(ctx, &dup); !store.IsConflict(err) {
		t.Errorf("duplicate configuration error = %v, want conflict", err)
	}
}

func TestLinkedAccountUniqueTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project := testProject(t, s)
	app := testApp("HUBSPOT")
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	account := &models.LinkedAccount{
		ID:             uuid.New(),
		ProjectID:      project.ID,
		AppID:          app.ID,
		AppName:        app.Name,
		OwnerAccountID: "user-1",
		SecurityScheme: models.SecuritySchemeAPIKey,
		Enabled:        true,
	}
	if err := s.CreateLinkedAccount(ctx, account); err != nil {
		t.Fatalf("CreateLinkedAccount() error = %v", err)
	}

	dup := *account
	dup.ID = uuid.New()
	if err := s.CreateLinkedAccount(ctx, &dup); !store.IsConflict(err) {
		t.Errorf("duplicate linked account error = %v, want conflict", err)
	}

	// Same owner on another app is fine.
	other := testApp("ZENDESK")
	if err := s.CreateApp(ctx, other); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	account2 := *account
	account2.ID = uuid.New()
	account2.AppID = other.ID
	account2.AppName = other.Name
	if err := s.CreateLinkedAccount(ctx, &account2); err != nil {
		t.Errorf("CreateLinkedAccount() for other app error = %v", err)
	}

	got, err := s.GetLinkedAccountByOwner(ctx, project.ID, "HUBSPOT", "user-1")
	if err != nil {
		t.Fatalf("GetLinkedAccountByOwner() error = %v", err)
	}
	if got.ID != account.ID {
		t.Errorf("GetLinkedAccountByOwner() = %s, want %s", got.ID, account.ID)
	}
}

func TestStripeEventIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := &models.ProcessedStripeEvent{
		EventID:     "evt_123",
		EventType:   "customer.subscription.created",
		ProcessedAt: time.Now().UTC(),
	}
	if err := s.MarkStripeEventProcessed(ctx, event); err != nil {
		t.Fatalf("MarkStripeEventProcessed() error = %v", err)
	}
	if err := s.MarkStripeEventProcessed(ctx, event); !store.IsConflict(err) {
		t.Errorf("duplicate event error = %v, want conflict", err)
	}
}

// ─── Secrets ─────────────────────────────────────────────────

func TestSetSecretUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	accountID := uuid.New()
	first := &models.Secret{ID: uuid.New(), LinkedAccountID: accountID, Key: "token", EncryptedValue: []byte("v1")}
	if err := s.SetSecret(ctx, first); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	second := &models.Secret{ID: uuid.New(), LinkedAccountID: accountID, Key: "token", EncryptedValue: []byte("v2")}
	if err := s.SetSecret(ctx, second); err != nil {
		t.Fatalf("SetSecret() second call error = %v", err)
	}

	got, err := s.GetSecret(ctx, accountID, "token")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if string(got.EncryptedValue) != "v2" {
		t.Errorf("GetSecret().EncryptedValue = %q, want v2", got.EncryptedValue)
	}

	secrets, err := s.ListSecrets(ctx, accountID)
	if err != nil {
		t.Fatalf("ListSecrets() error = %v", err)
	}
	if len(secrets) != 1 {
		t.Errorf("ListSecrets() returned %d secrets, want 1", len(secrets))
	}
}

// ─── Billing ─────────────────────────────────────────────────

func TestSubscriptionUpsertByOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plan := &models.Plan{ID: uuid.New(), Name: "starter", IsPublic: true}
	if err := s.UpsertPlan(ctx, plan); err != nil {
		t.Fatalf("UpsertPlan() error = %v", err)
	}

	sub := &models.Subscription{
		ID:                   uuid.New(),
		OrgID:                "org_1",
		PlanID:               plan.ID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               models.SubscriptionStatusActive,
		Interval:             models.SubscriptionIntervalMonth,
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription() error = %v", err)
	}

	sub.Status = models.SubscriptionStatusPastDue
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription() update error = %v", err)
	}

	got, err := s.GetSubscriptionByOrg(ctx, "org_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByOrg() error = %v", err)
	}
	if got.Status != models.SubscriptionStatusPastDue {
		t.Errorf("Status = %q, want past_due", got.Status)
	}

	if err := s.DeleteSubscription(ctx, "org_1"); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}
	if _, err := s.GetSubscriptionByOrg(ctx, "org_1"); !store.IsNotFound(err) {
		t.Errorf("GetSubscriptionByOrg() after delete error = %v, want not found", err)
	}
}
