package seeding_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/seeding"
	"github.com/appfoundry/appfoundry/internal/store"
)

func newSeederFixture(t *testing.T) (*seeding.Seeder, store.Store, string) {
	t.Helper()
	t.Setenv("APPFOUNDRY_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	appsDir := t.TempDir()
	cat := catalog.NewService(st, embeddings.NewHashDriver(8))
	return seeding.NewSeeder(cat, st, appsDir), st, appsDir
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appJSON(name string, schemes map[string]map[string]any) map[string]any {
	if schemes == nil {
		schemes = map[string]map[string]any{"api_key": {"location": "header"}}
	}
	return map[string]any{
		"name":             name,
		"display_name":     "Test " + name,
		"provider":         "test",
		"version":          "1.0.0",
		"description":      "A seedable test app.",
		"categories":       []string{"test"},
		"visibility":       "public",
		"active":           true,
		"security_schemes": schemes,
	}
}

func functionsJSON(appName string) []map[string]any {
	return []map[string]any{
		{
			"name":        appName + "__PING",
			"description": "Ping the service.",
			"visibility":  "public",
			"active":      true,
			"protocol":    "rest",
			"protocol_data": map[string]any{
				"method": "GET", "server_url": "https://api.test", "path": "/ping",
			},
			"parameters": map[string]any{"type": "object"},
		},
	}
}

func TestSeed_AppAndFunctions(t *testing.T) {
	seeder, st, appsDir := newSeederFixture(t)
	ctx := context.Background()

	appPath := filepath.Join(appsDir, "demo", "app.json")
	functionsPath := filepath.Join(appsDir, "demo", "functions.json")
	writeJSON(t, appPath, appJSON("DEMO", nil))
	writeJSON(t, functionsPath, functionsJSON("DEMO"))

	outcome, err := seeder.Seed(ctx, seeding.Request{AppPath: appPath, FunctionsPath: functionsPath})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if !outcome.Success {
		t.Fatalf("Seed() outcome = %+v, want success", outcome)
	}
	if outcome.AppID == nil {
		t.Fatal("outcome carries no app id")
	}
	if len(outcome.FunctionIDs) != 1 {
		t.Errorf("FunctionIDs = %v, want 1 entry", outcome.FunctionIDs)
	}

	if _, err := st.GetApp(ctx, "DEMO"); err != nil {
		t.Errorf("GetApp() after seed error = %v", err)
	}
	if _, err := st.GetFunction(ctx, "DEMO__PING"); err != nil {
		t.Errorf("GetFunction() after seed error = %v", err)
	}

	if last := seeder.LastOutcome(); last == nil || !last.Success {
		t.Errorf("LastOutcome() = %+v, want the finished job", last)
	}
	if status := seeder.Status(); status.IsRunning {
		t.Errorf("Status() = %+v, want idle", status)
	}
}

func TestSeed_InvalidDefinitionCollectsErrors(t *testing.T) {
	seeder, st, appsDir := newSeederFixture(t)
	ctx := context.Background()

	appPath := filepath.Join(appsDir, "bad", "app.json")
	writeJSON(t, appPath, appJSON("not_screaming", nil))

	outcome, err := seeder.Seed(ctx, seeding.Request{AppPath: appPath})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if outcome.Success {
		t.Fatal("Seed() succeeded with an invalid definition")
	}
	if len(outcome.Errors) == 0 {
		t.Error("outcome carries no errors")
	}
	if _, err := st.GetApp(ctx, "NOT_SCREAMING"); !store.IsNotFound(err) {
		t.Errorf("invalid definition reached the store: %v", err)
	}
}

func TestSeed_MissingAppFile(t *testing.T) {
	seeder, _, appsDir := newSeederFixture(t)
	outcome, err := seeder.Seed(context.Background(), seeding.Request{
		AppPath: filepath.Join(appsDir, "nope", "app.json"),
	})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if outcome.Success {
		t.Fatal("Seed() succeeded for a missing file")
	}
}

// blockingDriver parks every Embed call until released, keeping a seeding
// job in flight for as long as the test needs.
type blockingDriver struct {
	release chan struct{}
}

func (d *blockingDriver) Kind() string    { return "blocking" }
func (d *blockingDriver) Dimensions() int { return 4 }
func (d *blockingDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float64, len(texts))
	for i := range out {
		out[i] = []float64{1, 0, 0, 0}
	}
	return out, nil
}
func (d *blockingDriver) HealthCheck(context.Context) error { return nil }

func TestStart_SingleFlight(t *testing.T) {
	t.Setenv("APPFOUNDRY_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	appsDir := t.TempDir()
	driver := &blockingDriver{release: make(chan struct{})}
	seeder := seeding.NewSeeder(catalog.NewService(st, driver), st, appsDir)

	appPath := filepath.Join(appsDir, "demo", "app.json")
	writeJSON(t, appPath, appJSON("DEMO", nil))

	if err := seeder.Start(seeding.Request{AppPath: appPath, SkipDryRun: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := seeder.Start(seeding.Request{AppPath: appPath}); err != seeding.ErrAlreadyRunning {
		t.Errorf("Start() while running error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := seeder.Seed(context.Background(), seeding.Request{AppPath: appPath}); err != seeding.ErrAlreadyRunning {
		t.Errorf("Seed() while running error = %v, want ErrAlreadyRunning", err)
	}

	close(driver.release)
	waitIdle(t, seeder)

	last := seeder.LastOutcome()
	if last == nil || !last.Success {
		t.Fatalf("LastOutcome() = %+v, want success", last)
	}
	if _, err := st.GetApp(context.Background(), "DEMO"); err != nil {
		t.Errorf("GetApp() after background seed error = %v", err)
	}
}

func waitIdle(t *testing.T, seeder *seeding.Seeder) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !seeder.Status().IsRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("seeder never went idle")
}

func TestAvailableApps(t *testing.T) {
	seeder, _, appsDir := newSeederFixture(t)

	writeJSON(t, filepath.Join(appsDir, "plain", "app.json"), appJSON("PLAIN", nil))
	writeJSON(t, filepath.Join(appsDir, "oauth", "app.json"),
		appJSON("OAUTH", map[string]map[string]any{"oauth2": {"scope": "read"}}))
	writeJSON(t, filepath.Join(appsDir, "oauth", "functions.json"), functionsJSON("OAUTH"))
	// A directory without app.json is skipped silently.
	if err := os.MkdirAll(filepath.Join(appsDir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// An invalid definition is skipped, not fatal.
	if err := os.MkdirAll(filepath.Join(appsDir, "broken"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appsDir, "broken", "app.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	apps, err := seeder.AvailableApps()
	if err != nil {
		t.Fatalf("AvailableApps() error = %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("AvailableApps() returned %d apps, want 2: %+v", len(apps), apps)
	}

	byName := make(map[string]seeding.AvailableApp)
	for _, app := range apps {
		byName[app.Name] = app
	}
	if app := byName["PLAIN"]; app.RequiresSecrets {
		t.Error("PLAIN reports requires_secrets without an oauth2 scheme")
	}
	if app := byName["OAUTH"]; !app.RequiresSecrets {
		t.Error("OAUTH does not report requires_secrets")
	}
	if app := byName["OAUTH"]; app.FunctionsPath == "" {
		t.Error("OAUTH carries no functions path")
	}
	if app := byName["PLAIN"]; app.FunctionsPath != "" {
		t.Errorf("PLAIN functions path = %q, want none", app.FunctionsPath)
	}
}

func TestSeededApps(t *testing.T) {
	seeder, _, appsDir := newSeederFixture(t)
	ctx := context.Background()

	appPath := filepath.Join(appsDir, "demo", "app.json")
	functionsPath := filepath.Join(appsDir, "demo", "functions.json")
	writeJSON(t, appPath, appJSON("DEMO", nil))
	writeJSON(t, functionsPath, functionsJSON("DEMO"))
	if outcome, err := seeder.Seed(ctx, seeding.Request{AppPath: appPath, FunctionsPath: functionsPath}); err != nil || !outcome.Success {
		t.Fatalf("Seed() = %+v, %v", outcome, err)
	}

	seeded, err := seeder.SeededApps(ctx)
	if err != nil {
		t.Fatalf("SeededApps() error = %v", err)
	}
	if len(seeded) != 1 {
		t.Fatalf("SeededApps() returned %d apps, want 1", len(seeded))
	}
	if seeded[0].Name != "DEMO" || seeded[0].FunctionCount != 1 || !seeded[0].Active {
		t.Errorf("SeededApps()[0] = %+v", seeded[0])
	}
}
