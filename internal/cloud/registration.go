package cloud

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/component"
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

const (
	// defaultPollingPeriod paces the command fetch loop when the host
	// does not configure another cadence.
	defaultPollingPeriod = 30 * time.Second

	// statePushDelay debounces journal callbacks into batched pushes.
	statePushDelay = time.Second

	// tokenExpirySlack refreshes the access token slightly ahead of its
	// expiry so in-flight requests do not race it.
	tokenExpirySlack = time.Minute
)

// DeviceRegistrationInfo owns the cloud session: registration, the OAuth
// access token, command polling and dispatch, and batched state pushes.
type DeviceRegistrationInfo struct {
	mu         sync.Mutex
	cfg        *config.Config
	components *component.Manager
	runner     provider.TaskRunner
	clock      provider.Clock
	httpClient provider.HTTPClient
	network    provider.Network // nil disables offline detection
	logger     Logger

	gcdState     GcdState
	gcdCallbacks []func(GcdState)

	accessToken       string
	accessTokenExpiry time.Time

	retry *backoff.ExponentialBackOff

	started            bool
	pollScheduled      bool
	statePushScheduled bool

	pendingChanges  []component.ComponentStateChange
	pendingUpdateID uint64

	lastDeviceInfo [3]string // name, description, location already on the server

	pull *PullChannel
}

// NewDeviceRegistrationInfo creates the cloud link. Call Start to begin
// maintaining the session.
func NewDeviceRegistrationInfo(cfg *config.Config, components *component.Manager,
	runner provider.TaskRunner, httpClient provider.HTTPClient,
	network provider.Network, logger Logger) *DeviceRegistrationInfo {
	if logger == nil {
		logger = noopLogger{}
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 5 * time.Minute
	retry.MaxElapsedTime = 0
	return &DeviceRegistrationInfo{
		cfg:        cfg,
		components: components,
		runner:     runner,
		clock:      runner.Clock(),
		httpClient: httpClient,
		network:    network,
		logger:     logger,
		retry:      retry,
	}
}

// HaveRegistrationCredentials reports whether the device has completed
// registration.
func (d *DeviceRegistrationInfo) HaveRegistrationCredentials() bool {
	s := d.cfg.GetSettings()
	return s.CloudID != "" && s.RefreshToken != ""
}

// GetGcdState returns the current cloud link state.
func (d *DeviceRegistrationInfo) GetGcdState() GcdState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gcdState
}

// AddGcdStateChangedCallback registers a state observer; it fires
// immediately with the current state.
func (d *DeviceRegistrationInfo) AddGcdStateChangedCallback(callback func(GcdState)) {
	d.mu.Lock()
	d.gcdCallbacks = append(d.gcdCallbacks, callback)
	state := d.gcdState
	d.mu.Unlock()
	callback(state)
}

func (d *DeviceRegistrationInfo) setGcdState(state GcdState) {
	d.mu.Lock()
	if d.gcdState == state {
		d.mu.Unlock()
		return
	}
	d.gcdState = state
	callbacks := append([]func(GcdState){}, d.gcdCallbacks...)
	d.mu.Unlock()
	d.logger.Info("cloud link state changed", "state", state)
	for _, cb := range callbacks {
		cb(state)
	}
}

// Start watches the journal and, when the device is registered, brings
// the session up: token refresh, command polling and the notification
// channel.
func (d *DeviceRegistrationInfo) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.components.AddStateChangedCallback(d.onStateChanged)
	d.cfg.AddOnChangedCallback(d.onSettingsChanged)
	if d.network != nil {
		d.network.AddConnectionChangedCallback(d.onConnectivityChanged)
	}
	if d.HaveRegistrationCredentials() {
		d.connect()
	}
}

func (d *DeviceRegistrationInfo) connect() {
	d.setGcdState(GcdConnecting)
	s := d.cfg.GetSettings()
	if s.NotificationEndpoint != "" {
		d.mu.Lock()
		if d.pull == nil {
			d.pull = NewPullChannel(s.NotificationEndpoint, d.runner, d.pollNow, d.logger)
			d.pull.Start()
		}
		d.mu.Unlock()
	}
	d.pollNow()
}

func (d *DeviceRegistrationInfo) offline() bool {
	return d.network != nil && d.network.ConnectionState() == provider.NetworkOffline
}

func (d *DeviceRegistrationInfo) onConnectivityChanged() {
	if d.offline() || !d.HaveRegistrationCredentials() {
		return
	}
	d.logger.Info("network restored, resuming cloud session")
	d.pollNow()
	d.scheduleStatePush(0)
}

// RegisterDevice enrolls the device with a registration ticket: the
// ticket is patched with the device draft, finalized, and the returned
// authorization code exchanged for OAuth tokens. The cloud id arrives in
// the done callback.
func (d *DeviceRegistrationInfo) RegisterDevice(ticket string, done func(cloudID string, err error)) {
	if done == nil {
		done = func(string, error) {}
	}
	s := d.cfg.GetSettings()
	ticketURL := s.ServiceURL + "registrationTickets/" + ticket + "?key=" + s.APIKey
	draft := d.buildDeviceDraft(s)
	body, err := json.Marshal(map[string]any{"id": ticket, "deviceDraft": draft})
	if err != nil {
		done("", err)
		return
	}

	d.logger.Info("registering device", "ticket", ticket)
	d.sendJSON("PATCH", ticketURL, jsonHeaders(), string(body), func(resp map[string]any, err error) {
		if err != nil {
			done("", err)
			return
		}
		cloudID, _ := resp["deviceId"].(string)
		if cloudID == "" {
			done("", fmt.Errorf("%w: registration ticket carries no device id", ErrNetwork))
			return
		}
		finalizeURL := s.ServiceURL + "registrationTickets/" + ticket + "/finalize?key=" + s.APIKey
		d.sendJSON("POST", finalizeURL, jsonHeaders(), "", func(resp map[string]any, err error) {
			if err != nil {
				done("", err)
				return
			}
			robotAccount, _ := resp["robotAccountEmail"].(string)
			authCode, _ := resp["robotAccountAuthorizationCode"].(string)
			if authCode == "" {
				done("", fmt.Errorf("%w: finalize response carries no authorization code", ErrNetwork))
				return
			}
			grant := url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {authCode},
				"client_id":     {s.ClientID},
				"client_secret": {s.ClientSecret},
				"redirect_uri":  {"oob"},
			}
			d.requestOAuthToken(grant, func(resp map[string]any, err error) {
				if err != nil {
					done("", err)
					return
				}
				refreshToken, _ := resp["refresh_token"].(string)
				d.storeAccessToken(resp)

				tx := d.cfg.Begin()
				tx.SetCloudID(cloudID)
				tx.SetRobotAccount(robotAccount)
				tx.SetRefreshToken(refreshToken)
				tx.Commit()

				d.logger.Info("device registered", "cloud_id", cloudID)
				d.connect()
				done(cloudID, nil)
			})
		})
	})
}

func (d *DeviceRegistrationInfo) buildDeviceDraft(s settings.Settings) map[string]any {
	draft := map[string]any{
		"name":            s.Name,
		"modelManifestId": s.ModelID,
		"channel":         map[string]any{"supportedType": "pull"},
		"traits":          d.components.GetTraits(),
		"components":      d.components.GetComponents(),
	}
	if s.Description != "" {
		draft["description"] = s.Description
	}
	if s.Location != "" {
		draft["location"] = s.Location
	}
	d.mu.Lock()
	d.lastDeviceInfo = [3]string{s.Name, s.Description, s.Location}
	d.mu.Unlock()
	return draft
}

// onSettingsChanged mirrors renames of the device into the cloud resource.
func (d *DeviceRegistrationInfo) onSettingsChanged(s settings.Settings) {
	if s.CloudID == "" || s.RefreshToken == "" {
		return
	}
	info := [3]string{s.Name, s.Description, s.Location}
	d.mu.Lock()
	unchanged := info == d.lastDeviceInfo
	d.lastDeviceInfo = info
	d.mu.Unlock()
	if unchanged {
		return
	}
	body, err := json.Marshal(map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"location":    s.Location,
	})
	if err != nil {
		return
	}
	deviceURL := s.ServiceURL + "devices/" + s.CloudID
	d.doCloudRequest("PATCH", deviceURL, string(body), func(_ map[string]any, err error) {
		if err != nil {
			d.logger.Warn("updating device resource failed", "error", err)
		}
	})
}

// pollNow fetches the queued command list immediately and reschedules the
// periodic poll.
func (d *DeviceRegistrationInfo) pollNow() {
	if !d.HaveRegistrationCredentials() {
		return
	}
	if d.offline() {
		d.schedulePoll(d.pollingPeriod())
		return
	}
	s := d.cfg.GetSettings()
	commandsURL := s.ServiceURL + "commands?deviceId=" + s.CloudID + "&state=queued"
	d.doCloudRequest("GET", commandsURL, "", func(resp map[string]any, err error) {
		if err != nil {
			if d.GetGcdState() == GcdUnrecoverableError {
				return
			}
			delay := d.retry.NextBackOff()
			d.logger.Warn("command fetch failed", "error", err, "retry_in", delay)
			d.setGcdState(GcdConnecting)
			d.schedulePoll(delay)
			return
		}
		d.retry.Reset()
		d.setGcdState(GcdConnected)
		if commands, ok := resp["commands"].([]any); ok {
			d.handleCommands(commands)
		}
		d.schedulePoll(d.pollingPeriod())
	})
}

func (d *DeviceRegistrationInfo) pollingPeriod() time.Duration {
	if p := d.cfg.GetSettings().PollingPeriod; p > 0 {
		return p
	}
	return defaultPollingPeriod
}

func (d *DeviceRegistrationInfo) schedulePoll(delay time.Duration) {
	d.mu.Lock()
	if d.pollScheduled {
		d.mu.Unlock()
		return
	}
	d.pollScheduled = true
	d.mu.Unlock()
	d.runner.PostDelayedTask(func() {
		d.mu.Lock()
		d.pollScheduled = false
		d.mu.Unlock()
		d.pollNow()
	}, delay)
}

func (d *DeviceRegistrationInfo) handleCommands(list []any) {
	for _, item := range list {
		payload, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cmd, id, err := d.components.ParseCommandInstance(payload, component.OriginCloud, auth.RoleOwner)
		if err != nil {
			d.logger.Warn("rejecting cloud command", "id", id, "error", err)
			if id != "" {
				d.updateCommandResource(id, map[string]any{"state": component.StateAborted.String()})
			}
			continue
		}
		// The server keeps returning a command until its state change is
		// acknowledged; only dispatch fresh ids.
		if d.components.FindCommand(id) != nil {
			continue
		}
		cmd.AddObserver(&cloudCommandProxy{dri: d})
		d.components.AddCommand(cmd)
	}
}

func (d *DeviceRegistrationInfo) updateCommandResource(id string, patch map[string]any) {
	s := d.cfg.GetSettings()
	body, err := json.Marshal(patch)
	if err != nil {
		return
	}
	d.doCloudRequest("PATCH", s.ServiceURL+"commands/"+id, string(body),
		func(_ map[string]any, err error) {
			if err != nil {
				d.logger.Warn("command update failed", "id", id, "error", err)
			}
		})
}

// cloudCommandProxy mirrors lifecycle changes of a cloud-originated
// command back into its server resource.
type cloudCommandProxy struct {
	dri *DeviceRegistrationInfo
}

func (p *cloudCommandProxy) OnStateChanged(cmd *component.Command) {
	p.dri.updateCommandResource(cmd.ID(), map[string]any{"state": cmd.State().String()})
}

func (p *cloudCommandProxy) OnProgressChanged(cmd *component.Command) {
	p.dri.updateCommandResource(cmd.ID(), map[string]any{"progress": cmd.Progress()})
}

func (p *cloudCommandProxy) OnResultsChanged(cmd *component.Command) {
	p.dri.updateCommandResource(cmd.ID(), map[string]any{"results": cmd.Results()})
}

func (p *cloudCommandProxy) OnErrorChanged(cmd *component.Command) {
	if err := cmd.Error(); err != nil {
		p.dri.updateCommandResource(cmd.ID(), map[string]any{
			"error": map[string]any{"message": err.Error()},
		})
	}
}

func (p *cloudCommandProxy) OnCommandDestroyed(*component.Command) {}

// onStateChanged debounces journal activity into a batched push.
func (d *DeviceRegistrationInfo) onStateChanged() {
	d.scheduleStatePush(statePushDelay)
}

func (d *DeviceRegistrationInfo) scheduleStatePush(delay time.Duration) {
	d.mu.Lock()
	if d.statePushScheduled {
		d.mu.Unlock()
		return
	}
	d.statePushScheduled = true
	d.mu.Unlock()
	d.runner.PostDelayedTask(func() {
		d.mu.Lock()
		d.statePushScheduled = false
		d.mu.Unlock()
		d.pushState()
	}, delay)
}

func (d *DeviceRegistrationInfo) pushState() {
	if !d.HaveRegistrationCredentials() || d.offline() {
		return
	}
	snapshot := d.components.GetAndClearRecordedStateChanges()
	d.mu.Lock()
	d.pendingChanges = append(d.pendingChanges, snapshot.StateChanges...)
	if snapshot.UpdateID > d.pendingUpdateID {
		d.pendingUpdateID = snapshot.UpdateID
	}
	changes := append([]component.ComponentStateChange{}, d.pendingChanges...)
	updateID := d.pendingUpdateID
	d.mu.Unlock()
	if len(changes) == 0 {
		return
	}

	patches := make([]any, 0, len(changes))
	for _, change := range changes {
		patches = append(patches, map[string]any{
			"timeMs":    strconv.FormatInt(change.Timestamp.UnixMilli(), 10),
			"component": change.Component,
			"patch":     change.ChangedProperties,
		})
	}
	body, err := json.Marshal(map[string]any{
		"requestTimeMs": strconv.FormatInt(d.clock.Now().UnixMilli(), 10),
		"patches":       patches,
	})
	if err != nil {
		return
	}
	s := d.cfg.GetSettings()
	d.doCloudRequest("POST", s.ServiceURL+"devices/"+s.CloudID+"/patchState", string(body),
		func(_ map[string]any, err error) {
			if err != nil {
				delay := d.retry.NextBackOff()
				d.logger.Warn("state push failed", "error", err, "retry_in", delay)
				d.scheduleStatePush(delay)
				return
			}
			d.mu.Lock()
			d.pendingChanges = nil
			d.mu.Unlock()
			d.components.NotifyStateUpdatedOnServer(updateID)
		})
}

// doCloudRequest performs an authenticated request, refreshing the access
// token ahead of expiry and retrying exactly once on 401.
func (d *DeviceRegistrationInfo) doCloudRequest(method, requestURL, body string,
	cb func(map[string]any, error)) {
	d.ensureAccessToken(func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		d.sendJSON(method, requestURL, d.authHeaders(), body, func(resp map[string]any, err error) {
			if httpStatus(err) != 401 {
				cb(resp, err)
				return
			}
			d.refreshAccessToken(func(err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				d.sendJSON(method, requestURL, d.authHeaders(), body, cb)
			})
		})
	})
}

func (d *DeviceRegistrationInfo) authHeaders() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	headers := jsonHeaders()
	headers["Authorization"] = "Bearer " + d.accessToken
	return headers
}

func (d *DeviceRegistrationInfo) ensureAccessToken(cb func(error)) {
	d.mu.Lock()
	valid := d.accessToken != "" &&
		d.clock.Now().Add(tokenExpirySlack).Before(d.accessTokenExpiry)
	d.mu.Unlock()
	if valid {
		cb(nil)
		return
	}
	d.refreshAccessToken(cb)
}

func (d *DeviceRegistrationInfo) refreshAccessToken(cb func(error)) {
	s := d.cfg.GetSettings()
	if s.RefreshToken == "" {
		cb(ErrNotRegistered)
		return
	}
	grant := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.RefreshToken},
		"client_id":     {s.ClientID},
		"client_secret": {s.ClientSecret},
	}
	d.requestOAuthToken(grant, func(resp map[string]any, err error) {
		if err != nil {
			cb(err)
			return
		}
		d.storeAccessToken(resp)
		cb(nil)
	})
}

func (d *DeviceRegistrationInfo) requestOAuthToken(grant url.Values,
	cb func(map[string]any, error)) {
	s := d.cfg.GetSettings()
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	d.sendJSON("POST", s.OAuthURL+"token", headers, grant.Encode(),
		func(resp map[string]any, err error) {
			if status := httpStatus(err); status >= 400 && status < 500 {
				oauthErr := fmt.Errorf("%w: %v", ErrOAuth, err)
				// A rejected grant cannot heal on its own; re-registration
				// is required.
				d.setGcdState(GcdUnrecoverableError)
				cb(nil, oauthErr)
				return
			}
			if err != nil {
				cb(nil, err)
				return
			}
			if _, ok := resp["access_token"].(string); !ok {
				cb(nil, fmt.Errorf("%w: token response carries no access token", ErrOAuth))
				return
			}
			cb(resp, nil)
		})
}

func (d *DeviceRegistrationInfo) storeAccessToken(resp map[string]any) {
	token, _ := resp["access_token"].(string)
	expiresIn, _ := resp["expires_in"].(float64)
	d.mu.Lock()
	d.accessToken = token
	d.accessTokenExpiry = d.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	d.mu.Unlock()
}

func (d *DeviceRegistrationInfo) sendJSON(method, requestURL string,
	headers map[string]string, body string, cb func(map[string]any, error)) {
	d.httpClient.SendRequest(method, requestURL, headers, body,
		func(resp provider.HTTPResponse, err error) {
			if err != nil {
				cb(nil, fmt.Errorf("%w: %v", ErrNetwork, err))
				return
			}
			if resp.StatusCode() >= 300 {
				cb(nil, &HTTPError{Status: resp.StatusCode(), Body: resp.Data()})
				return
			}
			var value map[string]any
			if data := resp.Data(); data != "" {
				if jsonErr := json.Unmarshal([]byte(data), &value); jsonErr != nil {
					cb(nil, fmt.Errorf("%w: parsing response: %v", ErrNetwork, jsonErr))
					return
				}
			}
			cb(value, nil)
		})
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json; charset=utf-8"}
}
