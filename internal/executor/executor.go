// Package executor carries out function calls against third-party APIs,
// enforcing agent scope, project quotas and credential injection.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// Quota limits for function executions per project.
type Quota struct {
	ProjectDaily   int
	ProjectMonthly int
}

// Executor resolves, authorizes and dispatches function executions.
type Executor struct {
	store  store.Store
	cipher crypto.Cipher
	quota  Quota
	client *http.Client
}

func New(st store.Store, cipher crypto.Cipher, quota Quota) *Executor {
	return &Executor{
		store:  st,
		cipher: cipher,
		quota:  quota,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Request is one function execution on behalf of an agent.
type Request struct {
	FunctionName       string
	Input              map[string]any
	LinkedAccountOwner string
}

// Result is what the caller gets back. Execution failures are reported in
// the result, not as an error; errors are reserved for authorization and
// infrastructure problems.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// scopeError is returned when the agent or project may not call the
// function. Handlers map it to 403.
type scopeError struct{ reason string }

func (e *scopeError) Error() string { return e.reason }

// IsScopeError reports whether err is an authorization failure.
func IsScopeError(err error) bool {
	var se *scopeError
	return errors.As(err, &se)
}

// quotaError is returned when the project is out of executions. Handlers
// map it to 429.
type quotaError struct{ reason string }

func (e *quotaError) Error() string { return e.reason }

// IsQuotaError reports whether err is a quota exhaustion failure.
func IsQuotaError(err error) bool {
	var qe *quotaError
	return errors.As(err, &qe)
}

// Execute runs one function call for the agent. The call path is: resolve
// function and app, check agent scope and app configuration, check and
// consume project quota, resolve credentials, dispatch, audit.
func (e *Executor) Execute(ctx context.Context, agent *models.Agent, req Request) (*Result, error) {
	fn, err := e.store.GetFunction(ctx, req.FunctionName)
	if err != nil {
		return nil, err
	}
	if !fn.Active {
		return nil, &scopeError{reason: fmt.Sprintf("function %s is not active", fn.Name)}
	}
	app, err := e.store.GetAppByID(ctx, fn.AppID)
	if err != nil {
		return nil, err
	}
	if !app.Active {
		return nil, &scopeError{reason: fmt.Sprintf("app %s is not active", app.Name)}
	}
	if !agent.FunctionAllowed(fn.Name) {
		return nil, &scopeError{reason: fmt.Sprintf("agent %s may not call %s", agent.Name, fn.Name)}
	}

	cfg, err := e.store.GetAppConfiguration(ctx, agent.ProjectID, app.Name)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &scopeError{reason: fmt.Sprintf("app %s is not configured for this project", app.Name)}
		}
		return nil, err
	}
	if !cfg.Enabled {
		return nil, &scopeError{reason: fmt.Sprintf("app %s is disabled for this project", app.Name)}
	}
	if !cfg.FunctionEnabled(fn.Name) {
		return nil, &scopeError{reason: fmt.Sprintf("function %s is disabled for this project", fn.Name)}
	}

	if err := e.consumeQuota(ctx, agent.ProjectID); err != nil {
		return nil, err
	}

	credentials, err := e.resolveCredentials(ctx, agent.ProjectID, app, cfg, req.LinkedAccountOwner)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := e.dispatch(ctx, fn, req.Input, cfg.SecurityScheme, credentials)
	duration := time.Since(start)

	exec := &models.FunctionExecution{
		ID:                 uuid.New(),
		ProjectID:          agent.ProjectID,
		AgentID:            agent.ID,
		FunctionName:       fn.Name,
		AppName:            app.Name,
		LinkedAccountOwner: req.LinkedAccountOwner,
		Input:              req.Input,
		Output:             result.Data,
		Success:            result.Success,
		Error:              result.Error,
		DurationMs:         duration.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("function", fn.Name).Msg("Failed to record execution")
	}

	log.Info().
		Str("function", fn.Name).
		Str("agent", agent.ID.String()).
		Bool("success", result.Success).
		Dur("duration", duration).
		Msg("Function executed")
	return result, nil
}

// consumeQuota resets expired windows and increments the project counters.
// Reset timestamps hold the end of the current window.
func (e *Executor) consumeQuota(ctx context.Context, projectID uuid.UUID) error {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if now.After(project.DailyQuotaResetAt) {
		project.DailyQuotaUsed = 0
		project.DailyQuotaResetAt = now.Add(24 * time.Hour)
	}
	if now.After(project.MonthlyQuotaResetAt) {
		project.MonthlyQuotaUsed = 0
		project.MonthlyQuotaResetAt = now.AddDate(0, 1, 0)
	}
	if e.quota.ProjectDaily > 0 && project.DailyQuotaUsed >= e.quota.ProjectDaily {
		return &quotaError{reason: fmt.Sprintf("project daily quota of %d executions exhausted", e.quota.ProjectDaily)}
	}
	if e.quota.ProjectMonthly > 0 && project.MonthlyQuotaUsed >= e.quota.ProjectMonthly {
		return &quotaError{reason: fmt.Sprintf("project monthly quota of %d executions exhausted", e.quota.ProjectMonthly)}
	}
	project.DailyQuotaUsed++
	project.MonthlyQuotaUsed++
	project.TotalQuotaUsed++
	return e.store.UpdateProject(ctx, project)
}

// resolveCredentials picks the credentials for the configured scheme, in
// order of preference: linked account, then the configuration's scheme
// overrides, then the app's shared defaults.
func (e *Executor) resolveCredentials(ctx context.Context, projectID uuid.UUID, app *models.App, cfg *models.AppConfiguration, ownerAccountID string) (map[string]any, error) {
	scheme := cfg.SecurityScheme
	if scheme == models.SecuritySchemeNone {
		return nil, nil
	}

	if ownerAccountID != "" {
		account, err := e.store.GetLinkedAccountByOwner(ctx, projectID, app.Name, ownerAccountID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, &scopeError{reason: fmt.Sprintf("no linked account %q for app %s", ownerAccountID, app.Name)}
			}
			return nil, err
		}
		if !account.Enabled {
			return nil, &scopeError{reason: fmt.Sprintf("linked account %q is disabled", ownerAccountID)}
		}
		plaintext, err := e.cipher.Decrypt(account.EncryptedCredentials)
		if err != nil {
			return nil, fmt.Errorf("decrypt linked account credentials: %w", err)
		}
		var creds map[string]any
		if err := json.Unmarshal(plaintext, &creds); err != nil {
			return nil, fmt.Errorf("parse linked account credentials: %w", err)
		}
		return creds, nil
	}

	if override, ok := cfg.SecuritySchemeOverrides[scheme]; ok && len(override) > 0 {
		return override, nil
	}
	if defaults, ok := app.DefaultSecurityCredentialsByScheme[scheme]; ok && len(defaults) > 0 {
		return defaults, nil
	}
	return nil, &scopeError{reason: fmt.Sprintf("no credentials available for app %s scheme %s", app.Name, scheme)}
}

// dispatch performs the call itself. Input follows the declared parameter
// sections: path, query, header, body.
func (e *Executor) dispatch(ctx context.Context, fn *models.Function, input map[string]any, scheme models.SecurityScheme, credentials map[string]any) *Result {
	switch fn.Protocol {
	case models.ProtocolREST:
		return e.dispatchREST(ctx, fn, input, scheme, credentials)
	default:
		return &Result{Error: fmt.Sprintf("protocol %s is not executable", fn.Protocol)}
	}
}

func (e *Executor) dispatchREST(ctx context.Context, fn *models.Function, input map[string]any, scheme models.SecurityScheme, credentials map[string]any) *Result {
	method, _ := fn.ProtocolData["method"].(string)
	serverURL, _ := fn.ProtocolData["server_url"].(string)
	path, _ := fn.ProtocolData["path"].(string)
	if method == "" || serverURL == "" {
		return &Result{Error: fmt.Sprintf("function %s has incomplete protocol data", fn.Name)}
	}

	pathParams := section(input, "path")
	for key, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(fmt.Sprint(value)))
	}
	endpoint := strings.TrimSuffix(serverURL, "/") + path

	var body io.Reader
	if bodyParams := section(input, "body"); len(bodyParams) > 0 {
		data, err := json.Marshal(bodyParams)
		if err != nil {
			return &Result{Error: fmt.Sprintf("marshal body: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), endpoint, body)
	if err != nil {
		return &Result{Error: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range section(input, "header") {
		req.Header.Set(key, fmt.Sprint(value))
	}
	if queryParams := section(input, "query"); len(queryParams) > 0 {
		q := req.URL.Query()
		for key, value := range queryParams {
			q.Set(key, fmt.Sprint(value))
		}
		req.URL.RawQuery = q.Encode()
	}

	if err := injectCredentials(req, scheme, credentials); err != nil {
		return &Result{Error: err.Error()}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &Result{Error: fmt.Sprintf("http request: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Error: fmt.Sprintf("read response: %v", err)}
	}
	data := json.RawMessage(respBody)
	if !json.Valid(respBody) {
		encoded, _ := json.Marshal(string(respBody))
		data = json.RawMessage(encoded)
	}

	if resp.StatusCode >= 400 {
		return &Result{Data: data, Error: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
	}
	return &Result{Success: true, Data: data}
}

// injectCredentials applies the scheme's credentials to the outgoing
// request. api_key schemes carry location (header or query), name and an
// optional prefix; oauth2 schemes carry an access token.
func injectCredentials(req *http.Request, scheme models.SecurityScheme, credentials map[string]any) error {
	switch scheme {
	case models.SecuritySchemeNone, "":
		return nil
	case models.SecuritySchemeAPIKey:
		key, _ := credentials["secret_key"].(string)
		if key == "" {
			return fmt.Errorf("api_key credentials missing secret_key")
		}
		location, _ := credentials["location"].(string)
		name, _ := credentials["name"].(string)
		if name == "" {
			name = "Authorization"
		}
		if prefix, _ := credentials["prefix"].(string); prefix != "" {
			key = prefix + " " + key
		}
		if location == "query" {
			q := req.URL.Query()
			q.Set(name, key)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(name, key)
		}
		return nil
	case models.SecuritySchemeOAuth2:
		token, _ := credentials["access_token"].(string)
		if token == "" {
			return fmt.Errorf("oauth2 credentials missing access_token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return fmt.Errorf("unsupported security scheme %s", scheme)
	}
}

func section(input map[string]any, name string) map[string]any {
	if input == nil {
		return nil
	}
	sec, _ := input[name].(map[string]any)
	return sec
}
