// Package base wires the built-in "base" trait: device identity and
// local-surface switches exposed as commands and mirrored into state.
package base

import (
	"fmt"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/component"
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/settings"
)

const componentName = "base"

const traitDefinition = `{
	"base": {
		"commands": {
			"updateBaseConfiguration": {
				"minimalRole": "manager",
				"parameters": {
					"localAnonymousAccessMaxRole": {
						"enum": ["none", "viewer", "user"],
						"type": "string"
					},
					"localDiscoveryEnabled": {"type": "boolean"},
					"localPairingEnabled": {"type": "boolean"}
				}
			},
			"updateDeviceInfo": {
				"minimalRole": "manager",
				"parameters": {
					"description": {"type": "string"},
					"location": {"type": "string"},
					"name": {"type": "string"}
				}
			}
		},
		"state": {
			"firmwareVersion": {"type": "string"},
			"localAnonymousAccessMaxRole": {"type": "string"},
			"localDiscoveryEnabled": {"type": "boolean"},
			"localPairingEnabled": {"type": "boolean"}
		}
	}
}`

// APIHandler owns the base component: configuration commands apply Config
// transactions, and every settings change is mirrored back into base
// state.
type APIHandler struct {
	components *component.Manager
	cfg        *config.Config
}

// NewAPIHandler loads the base trait, adds the base component and
// registers its command handlers.
func NewAPIHandler(components *component.Manager, cfg *config.Config) (*APIHandler, error) {
	h := &APIHandler{components: components, cfg: cfg}
	if err := components.LoadTraitsJSON(traitDefinition); err != nil {
		return nil, err
	}
	if err := components.AddComponent("", componentName, []string{componentName}); err != nil {
		return nil, err
	}
	components.AddCommandHandler(componentName, "base.updateBaseConfiguration", h.updateBaseConfiguration)
	components.AddCommandHandler(componentName, "base.updateDeviceInfo", h.updateDeviceInfo)
	// Fires immediately, seeding the initial base state.
	cfg.AddOnChangedCallback(h.onConfigChanged)
	return h, nil
}

func (h *APIHandler) updateBaseConfiguration(cmd *component.Command) {
	if err := cmd.SetProgress(map[string]any{}); err != nil {
		return
	}
	parameters := cmd.Parameters()

	// Validate before mutating anything; a bad role aborts the whole
	// command.
	var anonymousRole *auth.Role
	if value, ok := parameters["localAnonymousAccessMaxRole"].(string); ok {
		role, err := auth.ParseRole(value)
		if err != nil || role > auth.RoleUser {
			cmd.Abort(fmt.Errorf("%w: invalid localAnonymousAccessMaxRole %q",
				component.ErrInvalidPropValue, value))
			return
		}
		anonymousRole = &role
	}

	tx := h.cfg.Begin()
	if value, ok := parameters["localDiscoveryEnabled"].(bool); ok {
		tx.SetLocalDiscoveryEnabled(value)
	}
	if value, ok := parameters["localPairingEnabled"].(bool); ok {
		tx.SetLocalPairingEnabled(value)
	}
	if anonymousRole != nil {
		tx.SetLocalAnonymousAccessRole(*anonymousRole)
	}
	tx.Commit()
	cmd.Complete(nil)
}

func (h *APIHandler) updateDeviceInfo(cmd *component.Command) {
	if err := cmd.SetProgress(map[string]any{}); err != nil {
		return
	}
	parameters := cmd.Parameters()
	tx := h.cfg.Begin()
	if value, ok := parameters["name"].(string); ok {
		tx.SetName(value)
	}
	if value, ok := parameters["description"].(string); ok {
		tx.SetDescription(value)
	}
	if value, ok := parameters["location"].(string); ok {
		tx.SetLocation(value)
	}
	tx.Commit()
	cmd.Complete(nil)
}

func (h *APIHandler) onConfigChanged(s settings.Settings) {
	state := map[string]any{
		componentName: map[string]any{
			"firmwareVersion":             s.FirmwareVersion,
			"localAnonymousAccessMaxRole": s.LocalAnonymousAccessRole.String(),
			"localDiscoveryEnabled":       s.LocalDiscoveryEnabled,
			"localPairingEnabled":         s.LocalPairingEnabled,
		},
	}
	h.components.SetStateProperties(componentName, state)
}
