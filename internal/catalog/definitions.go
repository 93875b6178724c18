// Package catalog loads app and function definitions from JSON files and
// upserts them into the store, generating search embeddings along the way.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/appfoundry/appfoundry/pkg/models"
)

// App and function names are SCREAMING_SNAKE; function names carry the app
// prefix separated by a double underscore.
var (
	appNameRe      = regexp.MustCompile(`^[A-Z0-9]+(_[A-Z0-9]+)*$`)
	functionNameRe = regexp.MustCompile(`^[A-Z0-9]+(_[A-Z0-9]+)*__[A-Z0-9]+(_[A-Z0-9]+)*$`)
)

// AppDefinition mirrors an app.json file.
type AppDefinition struct {
	Name            string                                   `json:"name"`
	DisplayName     string                                   `json:"display_name"`
	Provider        string                                   `json:"provider"`
	Version         string                                   `json:"version"`
	Description     string                                   `json:"description"`
	Logo            string                                   `json:"logo,omitempty"`
	Categories      []string                                 `json:"categories"`
	Visibility      models.Visibility                        `json:"visibility"`
	Active          bool                                     `json:"active"`
	SecuritySchemes map[models.SecurityScheme]map[string]any `json:"security_schemes"`
}

// Validate checks structural requirements before any store access.
func (d *AppDefinition) Validate() error {
	if !appNameRe.MatchString(d.Name) {
		return fmt.Errorf("app name %q is not SCREAMING_SNAKE", d.Name)
	}
	if d.DisplayName == "" {
		return fmt.Errorf("app %s: display_name is required", d.Name)
	}
	if d.Description == "" {
		return fmt.Errorf("app %s: description is required", d.Name)
	}
	switch d.Visibility {
	case models.VisibilityPublic, models.VisibilityPrivate:
	default:
		return fmt.Errorf("app %s: invalid visibility %q", d.Name, d.Visibility)
	}
	for scheme := range d.SecuritySchemes {
		switch scheme {
		case models.SecuritySchemeNone, models.SecuritySchemeAPIKey, models.SecuritySchemeOAuth2:
		default:
			return fmt.Errorf("app %s: unknown security scheme %q", d.Name, scheme)
		}
	}
	return nil
}

// FunctionDefinition mirrors one entry of a functions.json file.
type FunctionDefinition struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Tags         []string          `json:"tags,omitempty"`
	Visibility   models.Visibility `json:"visibility"`
	Active       bool              `json:"active"`
	Protocol     models.Protocol   `json:"protocol"`
	ProtocolData map[string]any    `json:"protocol_data"`
	Parameters   map[string]any    `json:"parameters"`
}

func (d *FunctionDefinition) Validate() error {
	if !functionNameRe.MatchString(d.Name) {
		return fmt.Errorf("function name %q must be APP__FUNCTION in SCREAMING_SNAKE", d.Name)
	}
	if d.Description == "" {
		return fmt.Errorf("function %s: description is required", d.Name)
	}
	switch d.Visibility {
	case models.VisibilityPublic, models.VisibilityPrivate:
	default:
		return fmt.Errorf("function %s: invalid visibility %q", d.Name, d.Visibility)
	}
	switch d.Protocol {
	case models.ProtocolREST, models.ProtocolConnector:
	default:
		return fmt.Errorf("function %s: unknown protocol %q", d.Name, d.Protocol)
	}
	return nil
}

// LoadAppDefinition reads and validates an app.json file.
func LoadAppDefinition(path string) (*AppDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app definition: %w", err)
	}
	var def AppDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse app definition %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFunctionDefinitions reads and validates a functions.json file. All
// functions in one file must belong to the same app.
func LoadFunctionDefinitions(path string) ([]FunctionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read function definitions: %w", err)
	}
	var defs []FunctionDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse function definitions %s: %w", path, err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no functions in %s", path)
	}
	appName := ""
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return nil, err
		}
		name := models.AppNameFromFunctionName(defs[i].Name)
		if appName == "" {
			appName = name
		} else if name != appName {
			return nil, fmt.Errorf("function %s belongs to %s, file is scoped to %s",
				defs[i].Name, name, appName)
		}
	}
	return defs, nil
}

// LoadSecrets reads a secrets JSON file keyed by security scheme.
func LoadSecrets(path string) (map[models.SecurityScheme]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var secrets map[models.SecurityScheme]map[string]any
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	return secrets, nil
}
