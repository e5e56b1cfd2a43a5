package access

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/component"
	"github.com/weavekit/weave-core/provider/providertest"
)

func newHandlerFixture(t *testing.T) (*component.Manager, *RevocationManager, *providertest.FakeTaskRunner) {
	t.Helper()
	runner := providertest.NewFakeTaskRunner()
	components := component.NewManager(runner)
	manager := NewRevocationManager(nil, runner.Clock())
	if _, err := NewAPIHandler(components, manager); err != nil {
		t.Fatalf("NewAPIHandler: %v", err)
	}
	return components, manager, runner
}

func runCommand(t *testing.T, components *component.Manager,
	runner *providertest.FakeTaskRunner, payload map[string]any) *component.Command {
	t.Helper()
	cmd, _, err := components.ParseCommandInstance(payload, component.OriginLocal, auth.RoleOwner)
	if err != nil {
		t.Fatalf("ParseCommandInstance: %v", err)
	}
	components.AddCommand(cmd)
	runner.RunFor(0)
	return cmd
}

func TestHandlerPublishesCapacity(t *testing.T) {
	components, manager, _ := newHandlerFixture(t)
	value, err := components.GetStateProperty(componentName, traitName+".capacity")
	if err != nil {
		t.Fatalf("GetStateProperty: %v", err)
	}
	if value != manager.GetCapacity() {
		t.Errorf("capacity state = %v, want %d", value, manager.GetCapacity())
	}
}

func TestRevokeCommand(t *testing.T) {
	components, manager, runner := newHandlerFixture(t)
	user := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	app := base64.StdEncoding.EncodeToString([]byte{4, 5})
	expiration := runner.Clock().Now().Add(time.Hour)
	j2k := int64(expiration.Sub(j2000Epoch) / time.Second)

	cmd := runCommand(t, components, runner, map[string]any{
		"name": traitName + ".revoke",
		"parameters": map[string]any{
			paramUserID:         user,
			paramApplicationID:  app,
			paramExpirationTime: float64(j2k),
		},
	})
	if cmd.State() != component.StateDone {
		t.Fatalf("command state = %v, error = %v", cmd.State(), cmd.Error())
	}
	if !manager.IsBlocked([]byte{1, 2, 3}, []byte{4, 5}, runner.Clock().Now()) {
		t.Error("revocation entry missing")
	}
}

func TestRevokeRejectsBadIDs(t *testing.T) {
	components, _, runner := newHandlerFixture(t)
	cmd := runCommand(t, components, runner, map[string]any{
		"name": traitName + ".revoke",
		"parameters": map[string]any{
			paramUserID:         "!!! not base64 !!!",
			paramExpirationTime: float64(100),
		},
	})
	if cmd.State() != component.StateAborted {
		t.Fatalf("command state = %v, want aborted", cmd.State())
	}
}

func TestListCommand(t *testing.T) {
	components, manager, runner := newHandlerFixture(t)
	if err := manager.Block([]byte{9}, []byte{8}, runner.Clock().Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	cmd := runCommand(t, components, runner, map[string]any{"name": traitName + ".list"})
	if cmd.State() != component.StateDone {
		t.Fatalf("command state = %v", cmd.State())
	}
	entries, ok := cmd.Results()[resultEntries].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("results = %v", cmd.Results())
	}
	entry := entries[0].(map[string]any)
	if entry[paramUserID] != base64.StdEncoding.EncodeToString([]byte{9}) {
		t.Errorf("entry = %v", entry)
	}
}
