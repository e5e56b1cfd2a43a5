package cloud

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/weavekit/weave-core/internal/component"
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/provider/providertest"
	"github.com/weavekit/weave-core/settings"
)

const (
	serviceURL = "https://www.googleapis.com/clouddevices/v1/"
	oauthURL   = "https://accounts.google.com/o/oauth2/"

	registrationResponse = `{
		"kind": "clouddevices#registrationTicket",
		"id": "TICKET_ID",
		"deviceId": "CLOUD_ID",
		"oauthClientId": "CLIENT_ID",
		"userEmail": "USER@gmail.com"
	}`
	registrationFinalResponse = `{
		"kind": "clouddevices#registrationTicket",
		"id": "TICKET_ID",
		"deviceId": "CLOUD_ID",
		"robotAccountEmail": "ROBO@gmail.com",
		"robotAccountAuthorizationCode": "AUTH_CODE"
	}`
	authTokenResponse = `{
		"access_token": "ACCESS_TOKEN",
		"token_type": "Bearer",
		"expires_in": 3599,
		"refresh_token": "REFRESH_TOKEN"
	}`
)

type cloudFixture struct {
	runner     *providertest.FakeTaskRunner
	store      *providertest.MemConfigStore
	cfg        *config.Config
	components *component.Manager
	httpClient *providertest.FakeHTTPClient
	dri        *DeviceRegistrationInfo
}

func newCloudFixture(t *testing.T, persisted string) *cloudFixture {
	t.Helper()
	runner := providertest.NewFakeTaskRunner()
	store := providertest.NewMemConfigStore()
	defaults := settings.Default()
	defaults.Name = "TEST_NAME"
	defaults.ModelID = "ABCDE"
	defaults.APIKey = "TEST_API_KEY"
	defaults.ClientID = "TEST_CLIENT_ID"
	defaults.ClientSecret = "TEST_CLIENT_SECRET"
	store.Defaults = &defaults
	if persisted != "" {
		store.SetBlob(provider.SettingsBlobName, persisted)
	}
	cfg := config.New(store)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	components := component.NewManager(runner)
	if err := components.LoadTraitsJSON(`{
		"base": {"commands": {"reboot": {"minimalRole": "user"}}}
	}`); err != nil {
		t.Fatal(err)
	}
	if err := components.AddComponent("", "dev", []string{"base"}); err != nil {
		t.Fatal(err)
	}
	httpClient := providertest.NewFakeHTTPClient()
	dri := NewDeviceRegistrationInfo(cfg, components, runner, httpClient, nil, nil)
	return &cloudFixture{
		runner:     runner,
		store:      store,
		cfg:        cfg,
		components: components,
		httpClient: httpClient,
		dri:        dri,
	}
}

const registeredBlob = `{"cloud_id": "CLOUD_ID", "refresh_token": "REFRESH_TOKEN"}`

func (f *cloudFixture) expectCommandFetch(body string) {
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "GET",
		URL:    serviceURL + "commands?deviceId=CLOUD_ID&state=queued",
		Body:   body,
	})
}

func TestRegisterDevice(t *testing.T) {
	f := newCloudFixture(t, "")
	f.dri.Start()
	if f.dri.GetGcdState() != GcdUnconfigured {
		t.Fatalf("initial state = %v", f.dri.GetGcdState())
	}

	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "PATCH",
		URL:    serviceURL + "registrationTickets/TICKET_ID?key=TEST_API_KEY",
		Body:   registrationResponse,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    serviceURL + "registrationTickets/TICKET_ID/finalize?key=TEST_API_KEY",
		Body:   registrationFinalResponse,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    oauthURL + "token",
		Body:   authTokenResponse,
	})
	f.expectCommandFetch(`{"commands": []}`)

	var cloudID string
	var regErr error
	f.dri.RegisterDevice("TICKET_ID", func(id string, err error) {
		cloudID = id
		regErr = err
	})
	if regErr != nil {
		t.Fatalf("RegisterDevice: %v", regErr)
	}
	if cloudID != "CLOUD_ID" {
		t.Fatalf("cloud id = %q", cloudID)
	}

	s := f.cfg.GetSettings()
	if s.CloudID != "CLOUD_ID" || s.RefreshToken != "REFRESH_TOKEN" || s.RobotAccount != "ROBO@gmail.com" {
		t.Errorf("settings after registration = %+v", s)
	}
	if f.dri.GetGcdState() != GcdConnected {
		t.Errorf("state = %v, want connected", f.dri.GetGcdState())
	}

	// The ticket patch carried the device draft.
	patch := f.httpClient.Requests[0]
	if !strings.Contains(patch.Data, `"modelManifestId":"ABCDE"`) ||
		!strings.Contains(patch.Data, `"deviceDraft"`) {
		t.Errorf("ticket patch body = %s", patch.Data)
	}
	// The token exchange used the authorization-code grant.
	tokenReq := f.httpClient.Requests[2]
	if !strings.Contains(tokenReq.Data, "grant_type=authorization_code") ||
		!strings.Contains(tokenReq.Data, "code=AUTH_CODE") {
		t.Errorf("token request body = %s", tokenReq.Data)
	}
}

func TestRegisterDeviceTicketFailure(t *testing.T) {
	f := newCloudFixture(t, "")
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "PATCH",
		URL:    serviceURL + "registrationTickets/BAD?key=TEST_API_KEY",
		Status: 404,
		Body:   "no such ticket",
	})
	var regErr error
	f.dri.RegisterDevice("BAD", func(_ string, err error) { regErr = err })
	var httpErr *HTTPError
	if !errors.As(regErr, &httpErr) || httpErr.Status != 404 {
		t.Fatalf("error = %v, want http 404", regErr)
	}
	if f.cfg.GetSettings().CloudID != "" {
		t.Error("cloud id committed despite failure")
	}
}

func TestStartWithCredentialsRefreshesAndPolls(t *testing.T) {
	f := newCloudFixture(t, registeredBlob)
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    oauthURL + "token",
		Body:   authTokenResponse,
	})
	f.expectCommandFetch(`{"commands": [{"id": "5", "name": "base.reboot", "parameters": {}}]}`)

	f.dri.Start()
	if f.dri.GetGcdState() != GcdConnected {
		t.Fatalf("state = %v, want connected", f.dri.GetGcdState())
	}

	// The refresh-token grant was used and the fetch carried the bearer.
	if !strings.Contains(f.httpClient.Requests[0].Data, "grant_type=refresh_token") {
		t.Errorf("token request = %s", f.httpClient.Requests[0].Data)
	}
	fetch := f.httpClient.Requests[1]
	if fetch.Headers["Authorization"] != "Bearer ACCESS_TOKEN" {
		t.Errorf("fetch headers = %v", fetch.Headers)
	}

	// The cloud command was parsed and queued.
	cmd := f.components.FindCommand("5")
	if cmd == nil {
		t.Fatal("cloud command not queued")
	}
	if cmd.Origin() != component.OriginCloud || cmd.Name() != "base.reboot" {
		t.Errorf("command = %s from %v", cmd.Name(), cmd.Origin())
	}
}

func TestExpiredAccessTokenRetriesOnce(t *testing.T) {
	f := newCloudFixture(t, registeredBlob)
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST", URL: oauthURL + "token", Body: authTokenResponse,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "GET",
		URL:    serviceURL + "commands?deviceId=CLOUD_ID&state=queued",
		Status: 401,
		Body:   "token expired",
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST", URL: oauthURL + "token", Body: authTokenResponse,
	})
	f.expectCommandFetch(`{"commands": []}`)

	f.dri.Start()
	if f.dri.GetGcdState() != GcdConnected {
		t.Fatalf("state = %v, want connected after 401 retry", f.dri.GetGcdState())
	}
	if len(f.httpClient.Requests) != 4 {
		t.Errorf("requests = %d, want refresh-fetch-refresh-fetch", len(f.httpClient.Requests))
	}
}

func TestRejectedGrantIsUnrecoverable(t *testing.T) {
	f := newCloudFixture(t, registeredBlob)
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    oauthURL + "token",
		Status: 400,
		Body:   `{"error": "invalid_grant"}`,
	})
	f.dri.Start()
	if f.dri.GetGcdState() != GcdUnrecoverableError {
		t.Fatalf("state = %v, want unrecoverableError", f.dri.GetGcdState())
	}
}

func TestTransportErrorBacksOffThenRecovers(t *testing.T) {
	f := newCloudFixture(t, registeredBlob)
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST", URL: oauthURL + "token", Body: authTokenResponse,
	})
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "GET",
		URL:    serviceURL + "commands?deviceId=CLOUD_ID&state=queued",
		Err:    errors.New("connection reset"),
	})
	f.dri.Start()
	if f.dri.GetGcdState() != GcdConnecting {
		t.Fatalf("state = %v, want connecting while backing off", f.dri.GetGcdState())
	}

	// The retry is already scheduled; service it with a healthy response.
	f.expectCommandFetch(`{"commands": []}`)
	f.runner.RunFor(10 * time.Second)
	if f.dri.GetGcdState() != GcdConnected {
		t.Errorf("state = %v, want connected after retry", f.dri.GetGcdState())
	}
}

func TestStatePushConfirmsUpdateID(t *testing.T) {
	f := newCloudFixture(t, registeredBlob)
	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST", URL: oauthURL + "token", Body: authTokenResponse,
	})
	f.expectCommandFetch(`{"commands": []}`)
	f.dri.Start()

	if err := f.components.LoadTraitsJSON(`{"power": {"state": {"level": {"type": "integer"}}}}`); err != nil {
		t.Fatal(err)
	}
	if err := f.components.AddComponent("", "battery", []string{"power"}); err != nil {
		t.Fatal(err)
	}

	var confirmed []uint64
	f.components.AddServerStateUpdatedCallback(func(id uint64) { confirmed = append(confirmed, id) })

	f.httpClient.Expect(providertest.HTTPExchange{
		Method: "POST",
		URL:    serviceURL + "devices/CLOUD_ID/patchState",
		Body:   `{}`,
	})
	if err := f.components.SetStateProperty("battery", "power.level", 42); err != nil {
		t.Fatal(err)
	}
	f.runner.RunFor(2 * time.Second)

	push := f.httpClient.Requests[len(f.httpClient.Requests)-1]
	if push.URL != serviceURL+"devices/CLOUD_ID/patchState" {
		t.Fatalf("last request = %s %s", push.Method, push.URL)
	}
	if !strings.Contains(push.Data, `"component":"battery"`) ||
		!strings.Contains(push.Data, `"level":42`) {
		t.Errorf("patch body = %s", push.Data)
	}
	want := f.components.GetLastStateChangeID()
	if len(confirmed) == 0 || confirmed[len(confirmed)-1] != want {
		t.Errorf("confirmed ids = %v, want last %d", confirmed, want)
	}
}
