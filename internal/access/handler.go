package access

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/weavekit/weave-core/internal/component"
)

const (
	componentName = "accessControl"
	traitName     = "_accessRevocationList"

	paramUserID         = "userId"
	paramApplicationID  = "applicationId"
	paramExpirationTime = "expirationTime"
	resultEntries       = "revocationListEntries"
)

// j2000Epoch is 2000-01-01T00:00:00Z; expiration times on the wire count
// seconds from it.
var j2000Epoch = time.Unix(946684800, 0).UTC()

const traitDefinition = `{
	"_accessRevocationList": {
		"commands": {
			"revoke": {
				"minimalRole": "owner",
				"parameters": {
					"userId": {"type": "string"},
					"applicationId": {"type": "string"},
					"expirationTime": {"type": "integer"}
				}
			},
			"list": {
				"minimalRole": "owner",
				"parameters": {},
				"results": {
					"revocationListEntries": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"userId": {"type": "string"},
								"applicationId": {"type": "string"},
								"expirationTime": {"type": "integer"}
							},
							"additionalProperties": false
						}
					}
				}
			}
		},
		"state": {
			"capacity": {"type": "integer", "isRequired": true}
		}
	}
}`

// APIHandler publishes the revocation list as the accessControl component
// and services its revoke/list commands.
type APIHandler struct {
	components *component.Manager
	manager    *RevocationManager
}

// NewAPIHandler wires the _accessRevocationList trait into the component
// manager and registers the command handlers.
func NewAPIHandler(components *component.Manager, manager *RevocationManager) (*APIHandler, error) {
	h := &APIHandler{components: components, manager: manager}
	if err := components.LoadTraitsJSON(traitDefinition); err != nil {
		return nil, err
	}
	if err := components.AddComponent("", componentName, []string{traitName}); err != nil {
		return nil, err
	}
	h.updateState()
	components.AddCommandHandler(componentName, traitName+".revoke", h.revoke)
	components.AddCommandHandler(componentName, traitName+".list", h.list)
	return h, nil
}

func (h *APIHandler) revoke(cmd *component.Command) {
	if err := cmd.SetProgress(map[string]any{}); err != nil {
		return
	}
	parameters := cmd.Parameters()

	userID, err := decodeID(parameters, paramUserID)
	if err != nil {
		cmd.Abort(err)
		return
	}
	appID, err := decodeID(parameters, paramApplicationID)
	if err != nil {
		cmd.Abort(err)
		return
	}
	expiration, ok := intParameter(parameters, paramExpirationTime)
	if !ok {
		cmd.Abort(fmt.Errorf("%w: expiration time is missing", component.ErrInvalidPropValue))
		return
	}

	if err := h.manager.Block(userID, appID, j2000Epoch.Add(time.Duration(expiration)*time.Second)); err != nil {
		h.updateState()
		cmd.Abort(err)
		return
	}
	h.updateState()
	cmd.Complete(nil)
}

func (h *APIHandler) list(cmd *component.Command) {
	if err := cmd.SetProgress(map[string]any{}); err != nil {
		return
	}
	entries := make([]any, 0)
	for _, e := range h.manager.GetEntries() {
		entries = append(entries, map[string]any{
			paramUserID:         base64.StdEncoding.EncodeToString(e.UserID),
			paramApplicationID:  base64.StdEncoding.EncodeToString(e.AppID),
			paramExpirationTime: int64(e.Expiration.Sub(j2000Epoch) / time.Second),
		})
	}
	cmd.Complete(map[string]any{resultEntries: entries})
}

func (h *APIHandler) updateState() {
	h.components.SetStateProperty(componentName, traitName+".capacity", h.manager.GetCapacity())
}

func intParameter(parameters map[string]any, key string) (int64, bool) {
	switch value := parameters[key].(type) {
	case float64:
		return int64(value), true
	case int:
		return int64(value), true
	case int64:
		return value, true
	default:
		return 0, false
	}
}

func decodeID(parameters map[string]any, key string) ([]byte, error) {
	value, _ := parameters[key].(string)
	id, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", component.ErrInvalidPropValue, key, value)
	}
	return id, nil
}
