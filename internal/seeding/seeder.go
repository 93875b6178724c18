// Package seeding runs catalog seeding jobs in the background and exposes
// their status. Only one job runs at a time.
package seeding

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/catalog"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// ErrAlreadyRunning is returned when a seed is requested while another is
// in flight.
var ErrAlreadyRunning = errors.New("a seeding operation is already running")

// Status is a snapshot of the seeder's state.
type Status struct {
	IsRunning        bool   `json:"is_running"`
	CurrentOperation string `json:"current_operation,omitempty"`
	Progress         string `json:"progress,omitempty"`
}

// AvailableApp describes a seedable app found on disk.
type AvailableApp struct {
	Name            string `json:"name"`
	DisplayName     string `json:"display_name"`
	AppPath         string `json:"app_path"`
	FunctionsPath   string `json:"functions_path,omitempty"`
	RequiresSecrets bool   `json:"requires_secrets"`
}

// SeededApp describes an app already in the store.
type SeededApp struct {
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	AppID         uuid.UUID `json:"app_id"`
	FunctionCount int       `json:"function_count"`
	Active        bool      `json:"active"`
}

// Request asks for one app (and optionally its functions) to be seeded.
type Request struct {
	AppPath       string                                   `json:"app_path"`
	FunctionsPath string                                   `json:"functions_path,omitempty"`
	Secrets       map[models.SecurityScheme]map[string]any `json:"secrets,omitempty"`
	SkipDryRun    bool                                     `json:"skip_dry_run"`
}

// Outcome is the terminal result of a seeding job.
type Outcome struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
	AppID       *uuid.UUID  `json:"app_id,omitempty"`
	FunctionIDs []uuid.UUID `json:"function_ids,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
}

// Seeder coordinates background seeding jobs.
type Seeder struct {
	catalog *catalog.Service
	store   store.Store
	appsDir string

	mu        sync.Mutex
	running   bool
	operation string
	progress  string
	last      *Outcome
}

func NewSeeder(cat *catalog.Service, st store.Store, appsDir string) *Seeder {
	return &Seeder{catalog: cat, store: st, appsDir: appsDir}
}

// Status returns a snapshot of the current job, if any.
func (s *Seeder) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{IsRunning: s.running, CurrentOperation: s.operation, Progress: s.progress}
}

// LastOutcome returns the result of the most recently finished job, or nil.
func (s *Seeder) LastOutcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Seeder) setProgress(operation, progress string) {
	s.mu.Lock()
	s.operation = operation
	s.progress = progress
	s.mu.Unlock()
}

// Start launches a seeding job in the background. Returns ErrAlreadyRunning
// when a job is in flight.
func (s *Seeder) Start(req Request) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.operation = "starting"
	s.progress = ""
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		outcome := s.run(ctx, req)

		s.mu.Lock()
		s.running = false
		s.operation = ""
		s.progress = ""
		s.last = outcome
		s.mu.Unlock()

		if outcome.Success {
			log.Info().Str("app_path", req.AppPath).Msg("Seeding finished")
		} else {
			log.Error().Str("app_path", req.AppPath).Strs("errors", outcome.Errors).Msg("Seeding failed")
		}
	}()
	return nil
}

// Seed runs a job synchronously and returns its outcome. Returns
// ErrAlreadyRunning when another job is in flight.
func (s *Seeder) Seed(ctx context.Context, req Request) (*Outcome, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	outcome := s.run(ctx, req)

	s.mu.Lock()
	s.running = false
	s.operation = ""
	s.progress = ""
	s.last = outcome
	s.mu.Unlock()
	return outcome, nil
}

// run performs the job. Failures accumulate into the outcome's error list
// rather than aborting the caller.
func (s *Seeder) run(ctx context.Context, req Request) *Outcome {
	outcome := &Outcome{}
	steps := 1
	if req.FunctionsPath != "" {
		steps = 2
	}

	s.setProgress("upserting app", fmt.Sprintf("1/%d", steps))
	appDef, err := catalog.LoadAppDefinition(req.AppPath)
	if err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
		outcome.Message = "failed to load app definition"
		return outcome
	}

	if !req.SkipDryRun {
		if _, err := s.catalog.UpsertApp(ctx, appDef, req.Secrets, true); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("dry run: %v", err))
			outcome.Message = "app dry run failed"
			return outcome
		}
	}
	appResult, err := s.catalog.UpsertApp(ctx, appDef, req.Secrets, false)
	if err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
		outcome.Message = "app upsert failed"
		return outcome
	}
	outcome.AppID = &appResult.AppID

	if req.FunctionsPath != "" {
		s.setProgress("upserting functions", fmt.Sprintf("2/%d", steps))
		defs, err := catalog.LoadFunctionDefinitions(req.FunctionsPath)
		if err != nil {
			outcome.Errors = append(outcome.Errors, err.Error())
		} else {
			if !req.SkipDryRun {
				if _, err := s.catalog.UpsertFunctions(ctx, defs, true); err != nil {
					outcome.Errors = append(outcome.Errors, fmt.Sprintf("dry run: %v", err))
				}
			}
			if len(outcome.Errors) == 0 {
				fnResult, err := s.catalog.UpsertFunctions(ctx, defs, false)
				if err != nil {
					outcome.Errors = append(outcome.Errors, err.Error())
				} else {
					outcome.FunctionIDs = fnResult.FunctionIDs
				}
			}
		}
	}

	if len(outcome.Errors) > 0 {
		outcome.Message = fmt.Sprintf("seeded %s with %d errors", appDef.Name, len(outcome.Errors))
		return outcome
	}
	outcome.Success = true
	outcome.Message = fmt.Sprintf("seeded %s", appDef.Name)
	return outcome
}

// AvailableApps scans the apps directory for `<app>/app.json` entries.
// Apps declaring an oauth2 scheme report requires_secrets so callers know
// to supply client credentials.
func (s *Seeder) AvailableApps() ([]AvailableApp, error) {
	entries, err := os.ReadDir(s.appsDir)
	if err != nil {
		return nil, fmt.Errorf("read apps dir %s: %w", s.appsDir, err)
	}

	var out []AvailableApp
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		appPath := filepath.Join(s.appsDir, entry.Name(), "app.json")
		def, err := catalog.LoadAppDefinition(appPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.Warn().Err(err).Str("dir", entry.Name()).Msg("Skipping invalid app definition")
			continue
		}
		app := AvailableApp{
			Name:        def.Name,
			DisplayName: def.DisplayName,
			AppPath:     appPath,
		}
		if _, ok := def.SecuritySchemes[models.SecuritySchemeOAuth2]; ok {
			app.RequiresSecrets = true
		}
		functionsPath := filepath.Join(s.appsDir, entry.Name(), "functions.json")
		if _, err := os.Stat(functionsPath); err == nil {
			app.FunctionsPath = functionsPath
		}
		out = append(out, app)
	}
	return out, nil
}

// SeededApps lists the apps in the store with their function counts.
func (s *Seeder) SeededApps(ctx context.Context) ([]SeededApp, error) {
	apps, err := s.store.ListApps(ctx, store.AppFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]SeededApp, 0, len(apps))
	for _, app := range apps {
		functions, err := s.store.ListFunctionsByAppID(ctx, app.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, SeededApp{
			Name:          app.Name,
			DisplayName:   app.DisplayName,
			AppID:         app.ID,
			FunctionCount: len(functions),
			Active:        app.Active,
		})
	}
	return out, nil
}
