package weave

import (
	"sort"
	"strings"
	"testing"

	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/provider/providertest"
	"github.com/weavekit/weave-core/settings"
)

const commandDefs = `{
	"base2": {
		"commands": {
			"reboot": {"minimalRole": "user", "parameters": {"delay": {"type": "integer"}}}
		}
	}
}`

type deviceFixture struct {
	runner     *providertest.FakeTaskRunner
	store      *providertest.MemConfigStore
	httpClient *providertest.FakeHTTPClient
	network    *providertest.FakeNetwork
	dnssd      *providertest.FakeDNSSD
	httpServer *providertest.FakeHTTPServer
	wifi       *providertest.FakeWifi
	device     *Device
}

func newDeviceFixture(t *testing.T, withWifi bool) *deviceFixture {
	t.Helper()
	f := &deviceFixture{
		runner:     providertest.NewFakeTaskRunner(),
		store:      providertest.NewMemConfigStore(),
		httpClient: providertest.NewFakeHTTPClient(),
		dnssd:      providertest.NewFakeDNSSD(),
		httpServer: providertest.NewFakeHTTPServer(11, 12),
	}
	f.network = providertest.NewFakeNetwork(f.runner, provider.NetworkConnected)
	defaults := settings.Default()
	defaults.DeviceID = "TEST_DEVICE_ID"
	defaults.Name = "TEST_NAME"
	defaults.ModelID = "ABCDE"
	defaults.APIKey = "TEST_API_KEY"
	defaults.ClientID = "TEST_CLIENT_ID"
	defaults.ClientSecret = "TEST_CLIENT_SECRET"
	f.store.Defaults = &defaults

	providers := Providers{
		ConfigStore: f.store,
		TaskRunner:  f.runner,
		HTTPClient:  f.httpClient,
		Network:     f.network,
		DNSSD:       f.dnssd,
		HTTPServer:  f.httpServer,
	}
	if withWifi {
		f.wifi = providertest.NewFakeWifi(f.runner)
		providers.Wifi = f.wifi
	}
	device, err := Create(providers)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.device = device
	return f
}

func (f *deviceFixture) txt(t *testing.T) []string {
	t.Helper()
	pub, ok := f.dnssd.Current["_privet._tcp"]
	if !ok {
		t.Fatal("privet service not published")
	}
	out := append([]string{}, pub.TXT...)
	sort.Strings(out)
	return out
}

func TestCreateMinimal(t *testing.T) {
	runner := providertest.NewFakeTaskRunner()
	store := providertest.NewMemConfigStore()
	device, err := Create(Providers{
		ConfigStore: store,
		TaskRunner:  runner,
		HTTPClient:  providertest.NewFakeHTTPClient(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if device.GetGcdState() != GcdUnconfigured {
		t.Errorf("state = %v", device.GetGcdState())
	}
	if _, err := Create(Providers{ConfigStore: store}); err == nil {
		t.Error("Create without required providers must fail")
	}
}

func TestCreateRejectsDNSSDWithoutHTTPServer(t *testing.T) {
	_, err := Create(Providers{
		ConfigStore: providertest.NewMemConfigStore(),
		TaskRunner:  providertest.NewFakeTaskRunner(),
		HTTPClient:  providertest.NewFakeHTTPClient(),
		DNSSD:       providertest.NewFakeDNSSD(),
	})
	if err == nil {
		t.Error("expected error")
	}
}

func TestStartPublishesPrivetService(t *testing.T) {
	f := newDeviceFixture(t, true)
	f.device.AddTraitDefinitionsFromJSON(commandDefs)

	txt := f.txt(t)
	want := []string{"flags=DB", "id=TEST_DEVICE_ID", "mmid=ABCDE",
		"services=_base", "ty=TEST_NAME", "txtvers=3"}
	sort.Strings(want)
	for i, entry := range want {
		if txt[i] != entry {
			t.Fatalf("txt = %v, want %v", txt, want)
		}
	}
}

func TestStartNoWifiAnnouncesCB(t *testing.T) {
	f := newDeviceFixture(t, false)
	for _, entry := range f.txt(t) {
		if strings.HasPrefix(entry, "flags=") && entry != "flags=CB" {
			t.Errorf("flags = %s, want CB", entry)
		}
	}
}

func TestRegisterEndToEnd(t *testing.T) {
	f := newDeviceFixture(t, true)
	f.device.AddTraitDefinitionsFromJSON(commandDefs)

	serviceURL := "https://www.googleapis.com/clouddevices/v1/"
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "PATCH",
		URL:    serviceURL + "registrationTickets/TICKET_ID?key=TEST_API_KEY",
		Body:   `{"id": "TICKET_ID", "deviceId": "CLOUD_ID"}`,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    serviceURL + "registrationTickets/TICKET_ID/finalize?key=TEST_API_KEY",
		Body: `{"deviceId": "CLOUD_ID", "robotAccountEmail": "ROBO@gmail.com",
			"robotAccountAuthorizationCode": "AUTH_CODE"}`,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    "https://accounts.google.com/o/oauth2/token",
		Body: `{"access_token": "ACCESS_TOKEN", "refresh_token": "REFRESH_TOKEN",
			"expires_in": 3599}`,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "GET",
		URL:    serviceURL + "commands?deviceId=CLOUD_ID&state=queued",
		Body:   `{"commands": []}`,
	})

	var cloudID string
	var regErr error
	f.device.Register("TICKET_ID", func(id string, err error) { cloudID, regErr = id, err })
	if regErr != nil {
		t.Fatalf("Register: %v", regErr)
	}
	if cloudID != "CLOUD_ID" {
		t.Fatalf("cloud id = %q", cloudID)
	}
	if f.device.GetSettings().CloudID != "CLOUD_ID" {
		t.Error("cloud id not committed to settings")
	}
	if f.device.GetGcdState() != GcdConnected {
		t.Errorf("gcd state = %v", f.device.GetGcdState())
	}

	// The announcement now carries the cloud id and provisioned flags.
	txt := f.txt(t)
	var hasGcdID, hasFlags bool
	for _, entry := range txt {
		if entry == "gcd_id=CLOUD_ID" {
			hasGcdID = true
		}
		if entry == "flags=BB" {
			hasFlags = true
		}
	}
	if !hasGcdID || !hasFlags {
		t.Errorf("txt after registration = %v", txt)
	}
}

func TestLocalCommandThroughFacade(t *testing.T) {
	f := newDeviceFixture(t, true)
	f.device.AddTraitDefinitionsFromJSON(commandDefs)
	if err := f.device.AddComponent("dev", []string{"base2"}); err != nil {
		t.Fatal(err)
	}

	var handled []string
	f.device.AddCommandHandler("dev", "base2.reboot", func(cmd *Command) {
		handled = append(handled, cmd.ID())
		if err := cmd.Complete(nil); err != nil {
			t.Errorf("Complete: %v", err)
		}
	})
	id, err := f.device.AddCommand(map[string]any{"name": "base2.reboot"})
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	f.runner.RunFor(0)
	if len(handled) != 1 || handled[0] != id {
		t.Fatalf("handled = %v", handled)
	}
	if got := f.device.FindCommand(id).State(); got != CommandDone {
		t.Errorf("state = %v", got)
	}
}

func TestLocalDiscoveryToggleStopsAnnouncement(t *testing.T) {
	f := newDeviceFixture(t, true)
	if _, ok := f.dnssd.Current["_privet._tcp"]; !ok {
		t.Fatal("not published initially")
	}
	// Turning local discovery off withdraws the announcement; the
	// settings change is driven through the component surface.
	cmdID, err := f.device.AddCommand(map[string]any{
		"name":       "base.updateBaseConfiguration",
		"parameters": map[string]any{"localDiscoveryEnabled": false},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.runner.RunFor(0)
	if got := f.device.FindCommand(cmdID).State(); got != CommandDone {
		t.Fatalf("command state = %v", got)
	}
	if _, ok := f.dnssd.Current["_privet._tcp"]; ok {
		t.Error("announcement still present with discovery disabled")
	}
}
