// In-memory Store implementation with optional JSON snapshot persistence.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Entities        map[string]*models.Entity               `json:"entities"`
	Organizations   map[string]*models.Organization         `json:"organizations"`
	Projects        map[string]*models.Project              `json:"projects"`
	Apps            map[string]*models.App                  `json:"apps"`           // key: name
	Functions       map[string]*models.Function             `json:"functions"`      // key: name
	Agents          map[string]*models.Agent                `json:"agents"`         // key: id
	APIKeys         map[string]*models.APIKey               `json:"api_keys"`       // key: id
	AppConfigs      map[string]*models.AppConfiguration     `json:"app_configs"`    // key: project:app
	LinkedAccounts  map[string]*models.LinkedAccount        `json:"linked_accounts"` // key: id
	Secrets         map[string]*models.Secret               `json:"secrets"`        // key: account:key
	Executions      []*models.FunctionExecution             `json:"executions"`
	Plans           map[string]*models.Plan                 `json:"plans"`         // key: name
	Subscriptions   map[string]*models.Subscription         `json:"subscriptions"` // key: org_id
	ProcessedEvents map[string]*models.ProcessedStripeEvent `json:"processed_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu              sync.RWMutex
	entities        map[string]*models.Entity
	organizations   map[string]*models.Organization
	projects        map[string]*models.Project
	apps            map[string]*models.App
	functions       map[string]*models.Function
	agents          map[string]*models.Agent
	apiKeys         map[string]*models.APIKey
	appConfigs      map[string]*models.AppConfiguration
	linkedAccounts  map[string]*models.LinkedAccount
	secrets         map[string]*models.Secret
	executions      []*models.FunctionExecution
	plans           map[string]*models.Plan
	subscriptions   map[string]*models.Subscription
	processedEvents map[string]*models.ProcessedStripeEvent

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If APPFOUNDRY_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.appfoundry/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entities:        make(map[string]*models.Entity),
		organizations:   make(map[string]*models.Organization),
		projects:        make(map[string]*models.Project),
		apps:            make(map[string]*models.App),
		functions:       make(map[string]*models.Function),
		agents:          make(map[string]*models.Agent),
		apiKeys:         make(map[string]*models.APIKey),
		appConfigs:      make(map[string]*models.AppConfiguration),
		linkedAccounts:  make(map[string]*models.LinkedAccount),
		secrets:         make(map[string]*models.Secret),
		executions:      make([]*models.FunctionExecution, 0),
		plans:           make(map[string]*models.Plan),
		subscriptions:   make(map[string]*models.Subscription),
		processedEvents: make(map[string]*models.ProcessedStripeEvent),
		saveCh:          make(chan struct{}, 1),
		doneCh:          make(chan struct{}),
	}

	dataDir := os.Getenv("APPFOUNDRY_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".appfoundry")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Entities:        m.entities,
		Organizations:   m.organizations,
		Projects:        m.projects,
		Apps:            m.apps,
		Functions:       m.functions,
		Agents:          m.agents,
		APIKeys:         m.apiKeys,
		AppConfigs:      m.appConfigs,
		LinkedAccounts:  m.linkedAccounts,
		Secrets:         m.secrets,
		Executions:      m.executions,
		Plans:           m.plans,
		Subscriptions:   m.subscriptions,
		ProcessedEvents: m.processedEvents,
	}
	data, err := json.Marshal(&snap)
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Snapshot rename failed")
	}
}

// loadSnapshot restores data from disk, if a snapshot exists.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return // no snapshot yet
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot unreadable, starting fresh")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Entities != nil {
		m.entities = snap.Entities
	}
	if snap.Organizations != nil {
		m.organizations = snap.Organizations
	}
	if snap.Projects != nil {
		m.projects = snap.Projects
	}
	if snap.Apps != nil {
		m.apps = snap.Apps
	}
	if snap.Functions != nil {
		m.functions = snap.Functions
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.APIKeys != nil {
		m.apiKeys = snap.APIKeys
	}
	if snap.AppConfigs != nil {
		m.appConfigs = snap.AppConfigs
	}
	if snap.LinkedAccounts != nil {
		m.linkedAccounts = snap.LinkedAccounts
	}
	if snap.Secrets != nil {
		m.secrets = snap.Secrets
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Plans != nil {
		m.plans = snap.Plans
	}
	if snap.Subscriptions != nil {
		m.subscriptions = snap.Subscriptions
	}
	if snap.ProcessedEvents != nil {
		m.processedEvents = snap.ProcessedEvents
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// configKey builds the AppConfiguration map key.
func configKey(projectID uuid.UUID, appName string) string {
	return projectID.String() + ":" + appName
}

// secretKey builds the Secret map key.
func secretKey(linkedAccountID uuid.UUID, key string) string {
	return linkedAccountID.String() + ":" + key
}

// accountTriple builds the LinkedAccount uniqueness key.
func accountTriple(projectID uuid.UUID, appName, owner string) string {
	return projectID.String() + ":" + appName + ":" + owner
}

// ── Entity / Organization ───────────────────────────────────

func (m *MemoryStore) CreateEntity(ctx context.Context, entity *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.ID.String()] = entity
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id.String()]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: id.String()}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[org.EntityID.String()] = org
	m.requestSave()
	return nil
}

// ── Projects ────────────────────────────────────────────────

func (m *MemoryStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id.String()]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id.String()}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID.String()] = project
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProject(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID.String()]; !ok {
		return &ErrNotFound{Entity: "project", Key: project.ID.String()}
	}
	m.projects[project.ID.String()] = project
	m.requestSave()
	return nil
}

// ── Apps ────────────────────────────────────────────────────

func (f AppFilter) matches(a *models.App) bool {
	if f.PublicOnly && a.Visibility != models.VisibilityPublic {
		return false
	}
	if f.ActiveOnly && !a.Active {
		return false
	}
	if len(f.Names) > 0 && !containsString(f.Names, a.Name) {
		return false
	}
	if len(f.Categories) > 0 && !overlaps(f.Categories, a.Categories) {
		return false
	}
	return true
}

func (m *MemoryStore) ListApps(ctx context.Context, filter AppFilter) ([]models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.App
	for _, a := range m.apps {
		if filter.matches(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) GetApp(ctx context.Context, name string) (*models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "app", Key: name}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAppByID(ctx context.Context, id uuid.UUID) (*models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.apps {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "app", Key: id.String()}
}

func (m *MemoryStore) CreateApp(ctx context.Context, app *models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.apps[app.Name]; exists {
		return &ErrConflict{Entity: "app", Key: app.Name}
	}
	m.apps[app.Name] = app
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateApp(ctx context.Context, app *models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.apps[app.Name]
	if !ok {
		return &ErrNotFound{Entity: "app", Key: app.Name}
	}
	// A nil embedding means "unchanged", keep the stored vector.
	if app.Embedding == nil {
		app.Embedding = prev.Embedding
	}
	m.apps[app.Name] = app
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteApp(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[name]; !ok {
		return &ErrNotFound{Entity: "app", Key: name}
	}
	delete(m.apps, name)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SearchApps(ctx context.Context, filter AppFilter, intentEmbedding []float64) ([]ScoredApp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ScoredApp
	for _, a := range m.apps {
		if !filter.matches(a) {
			continue
		}
		scored := ScoredApp{App: *a}
		if intentEmbedding != nil {
			s := cosineSimilarity(intentEmbedding, a.Embedding)
			scored.Score = &s
		}
		out = append(out, scored)
	}
	if intentEmbedding != nil {
		sort.Slice(out, func(i, j int) bool { return *out[i].Score > *out[j].Score })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].App.Name < out[j].App.Name })
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

// ── Functions ───────────────────────────────────────────────

func (m *MemoryStore) functionMatches(f FunctionFilter, fn *models.Function) bool {
	if f.PublicOnly && fn.Visibility != models.VisibilityPublic {
		return false
	}
	if f.ActiveOnly && !fn.Active {
		return false
	}
	if len(f.Names) > 0 && !containsString(f.Names, fn.Name) {
		return false
	}
	if len(f.AppNames) > 0 && !containsString(f.AppNames, models.AppNameFromFunctionName(fn.Name)) {
		return false
	}
	// App-level visibility and active flags cascade to functions.
	app, ok := m.apps[models.AppNameFromFunctionName(fn.Name)]
	if ok {
		if f.PublicOnly && app.Visibility != models.VisibilityPublic {
			return false
		}
		if f.ActiveOnly && !app.Active {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ListFunctions(ctx context.Context, filter FunctionFilter) ([]models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Function
	for _, fn := range m.functions {
		if m.functionMatches(filter, fn) {
			out = append(out, *fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) ListFunctionsByAppID(ctx context.Context, appID uuid.UUID) ([]models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Function
	for _, fn := range m.functions {
		if fn.AppID == appID {
			out = append(out, *fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetFunction(ctx context.Context, name string) (*models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.functions[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	cp := *fn
	return &cp, nil
}

func (m *MemoryStore) CreateFunctions(ctx context.Context, functions []*models.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range functions {
		if _, exists := m.functions[fn.Name]; exists {
			return &ErrConflict{Entity: "function", Key: fn.Name}
		}
	}
	for _, fn := range functions {
		m.functions[fn.Name] = fn
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateFunction(ctx context.Context, function *models.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.functions[function.Name]
	if !ok {
		return &ErrNotFound{Entity: "function", Key: function.Name}
	}
	if function.Embedding == nil {
		function.Embedding = prev.Embedding
	}
	m.functions[function.Name] = function
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteFunctionsByAppID(ctx context.Context, appID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int
	for name, fn := range m.functions {
		if fn.AppID == appID {
			delete(m.functions, name)
			deleted++
		}
	}
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

func (m *MemoryStore) SearchFunctions(ctx context.Context, filter FunctionFilter, intentEmbedding []float64) ([]models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		fn    models.Function
		score float64
	}
	var matches []scored
	for _, fn := range m.functions {
		if !m.functionMatches(filter, fn) {
			continue
		}
		s := scored{fn: *fn}
		if intentEmbedding != nil {
			s.score = cosineSimilarity(intentEmbedding, fn.Embedding)
		}
		matches = append(matches, s)
	}
	if intentEmbedding != nil {
		sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	} else {
		sort.Slice(matches, func(i, j int) bool { return matches[i].fn.Name < matches[j].fn.Name })
	}
	out := make([]models.Function, len(matches))
	for i, s := range matches {
		out[i] = s.fn
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) ListAgentsByProject(ctx context.Context, projectID uuid.UUID) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Agent
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id.String()]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID.String()] = agent
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID.String()]; !ok {
		return &ErrNotFound{Entity: "agent", Key: agent.ID.String()}
	}
	m.agents[agent.ID.String()] = agent
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id.String()]; !ok {
		return &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	delete(m.agents, id.String())
	m.requestSave()
	return nil
}

// ── API Keys ────────────────────────────────────────────────

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.KeyHMAC == key.KeyHMAC {
			return &ErrConflict{Entity: "api key", Key: key.ID.String()}
		}
	}
	m.apiKeys[key.ID.String()] = key
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAPIKeyByHMAC(ctx context.Context, hmac string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.KeyHMAC == hmac {
			cp := *k
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "api key", Key: "hmac"}
}

func (m *MemoryStore) GetAPIKeyByAgent(ctx context.Context, agentID uuid.UUID) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.AgentID == agentID {
			cp := *k
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "api key", Key: agentID.String()}
}

func (m *MemoryStore) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID.String()]; !ok {
		return &ErrNotFound{Entity: "api key", Key: key.ID.String()}
	}
	m.apiKeys[key.ID.String()] = key
	m.requestSave()
	return nil
}

// ── App Configurations ──────────────────────────────────────

func (m *MemoryStore) ListAppConfigurations(ctx context.Context, projectID uuid.UUID) ([]models.AppConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AppConfiguration
	for _, c := range m.appConfigs {
		if c.ProjectID == projectID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out, nil
}

func (m *MemoryStore) GetAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.appConfigs[configKey(projectID, appName)]
	if !ok {
		return nil, &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(cfg.ProjectID, cfg.AppName)
	if _, exists := m.appConfigs[key]; exists {
		return &ErrConflict{Entity: "app configuration", Key: key}
	}
	m.appConfigs[key] = cfg
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(cfg.ProjectID, cfg.AppName)
	if _, ok := m.appConfigs[key]; !ok {
		return &ErrNotFound{Entity: "app configuration", Key: key}
	}
	m.appConfigs[key] = cfg
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(projectID, appName)
	if _, ok := m.appConfigs[key]; !ok {
		return &ErrNotFound{Entity: "app configuration", Key: key}
	}
	delete(m.appConfigs, key)
	m.requestSave()
	return nil
}

// ── Linked Accounts ─────────────────────────────────────────

func (m *MemoryStore) ListLinkedAccounts(ctx context.Context, projectID uuid.UUID, filter LinkedAccountFilter) ([]models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LinkedAccount
	for _, la := range m.linkedAccounts {
		if la.ProjectID != projectID {
			continue
		}
		if filter.AppName != "" && la.AppName != filter.AppName {
			continue
		}
		if filter.OwnerAccountID != "" && la.OwnerAccountID != filter.OwnerAccountID {
			continue
		}
		out = append(out, *la)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetLinkedAccount(ctx context.Context, id uuid.UUID) (*models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	la, ok := m.linkedAccounts[id.String()]
	if !ok {
		return nil, &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	cp := *la
	return &cp, nil
}

func (m *MemoryStore) GetLinkedAccountByOwner(ctx context.Context, projectID uuid.UUID, appName, ownerAccountID string) (*models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, la := range m.linkedAccounts {
		if la.ProjectID == projectID && la.AppName == appName && la.OwnerAccountID == ownerAccountID {
			cp := *la
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "linked account", Key: accountTriple(projectID, appName, ownerAccountID)}
}

func (m *MemoryStore) CreateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, la := range m.linkedAccounts {
		if la.ProjectID == account.ProjectID && la.AppName == account.AppName && la.OwnerAccountID == account.OwnerAccountID {
			return &ErrConflict{Entity: "linked account", Key: accountTriple(account.ProjectID, account.AppName, account.OwnerAccountID)}
		}
	}
	m.linkedAccounts[account.ID.String()] = account
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linkedAccounts[account.ID.String()]; !ok {
		return &ErrNotFound{Entity: "linked account", Key: account.ID.String()}
	}
	m.linkedAccounts[account.ID.String()] = account
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteLinkedAccount(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linkedAccounts[id.String()]; !ok {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	delete(m.linkedAccounts, id.String())
	// Secrets are scoped to the account; drop them too.
	for k, s := range m.secrets {
		if s.LinkedAccountID == id {
			delete(m.secrets, k)
		}
	}
	m.requestSave()
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

func (m *MemoryStore) ListSecrets(ctx context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Secret
	for _, s := range m.secrets {
		if s.LinkedAccountID == linkedAccountID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) GetSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[secretKey(linkedAccountID, key)]
	if !ok {
		return nil, &ErrNotFound{Entity: "secret", Key: key}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetSecret(ctx context.Context, secret *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretKey(secret.LinkedAccountID, secret.Key)] = secret
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := secretKey(linkedAccountID, key)
	if _, ok := m.secrets[k]; !ok {
		return &ErrNotFound{Entity: "secret", Key: key}
	}
	delete(m.secrets, k)
	m.requestSave()
	return nil
}

// ── Executions ──────────────────────────────────────────────

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.FunctionExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, exec)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, projectID uuid.UUID, limit int) ([]models.FunctionExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.FunctionExecution
	// Newest first.
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.executions[i].ProjectID == projectID {
			out = append(out, *m.executions[i])
		}
	}
	return out, nil
}

// ── Billing ─────────────────────────────────────────────────

func (m *MemoryStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetPlanByName(ctx context.Context, name string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "plan", Key: name}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertPlan(ctx context.Context, plan *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.plans[plan.Name]; ok {
		plan.ID = existing.ID
		plan.CreatedAt = existing.CreatedAt
	}
	m.plans[plan.Name] = plan
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSubscriptionByOrg(ctx context.Context, orgID string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[orgID]
	if !ok {
		return nil, &ErrNotFound{Entity: "subscription", Key: orgID}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subscriptions[sub.OrgID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	m.subscriptions[sub.OrgID] = sub
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSubscription(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[orgID]; !ok {
		return &ErrNotFound{Entity: "subscription", Key: orgID}
	}
	delete(m.subscriptions, orgID)
	m.requestSave()
	return nil
}

func (m *MemoryStore) MarkStripeEventProcessed(ctx context.Context, event *models.ProcessedStripeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processedEvents[event.EventID]; exists {
		return &ErrConflict{Entity: "stripe event", Key: event.EventID}
	}
	m.processedEvents[event.EventID] = event
	m.requestSave()
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// cosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
