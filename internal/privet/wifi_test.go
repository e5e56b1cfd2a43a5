package privet

import (
	"strings"
	"testing"
	"time"

	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/provider/providertest"
	"github.com/weavekit/weave-core/settings"
)

type wifiFixture struct {
	runner  *providertest.FakeTaskRunner
	network *providertest.FakeNetwork
	wifi    *providertest.FakeWifi
	cfg     *config.Config
	manager *WifiBootstrapManager
}

func newWifiFixture(t *testing.T, initial provider.NetworkState, lastSSID string) *wifiFixture {
	t.Helper()
	runner := providertest.NewFakeTaskRunner()
	store := providertest.NewMemConfigStore()
	defaults := settings.Default()
	defaults.Name = "TEST_NAME"
	defaults.ModelID = "ABCDE"
	store.Defaults = &defaults
	if lastSSID != "" {
		store.SetBlob(provider.SettingsBlobName, `{"last_configured_ssid": "`+lastSSID+`"}`)
	}
	cfg := config.New(store)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	f := &wifiFixture{
		runner:  runner,
		network: providertest.NewFakeNetwork(runner, initial),
		wifi:    providertest.NewFakeWifi(runner),
		cfg:     cfg,
	}
	f.manager = NewWifiBootstrapManager(runner, f.wifi, f.network, cfg, nil)
	return f
}

func TestOfflineWithoutPriorSSIDStartsAPImmediately(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkOffline, "")
	f.manager.Start()
	if len(f.wifi.Starts) != 1 {
		t.Fatalf("AP starts = %d, want immediate start", len(f.wifi.Starts))
	}
	ssid := f.wifi.Starts[0].SSID
	if !strings.HasPrefix(ssid, "TEST_NAME") || !strings.HasSuffix(ssid, "prv") {
		t.Errorf("AP ssid = %q", ssid)
	}
	// Without a network to fall back to, the AP stays up.
	f.runner.RunFor(time.Hour)
	if len(f.wifi.Stops) != 0 {
		t.Errorf("AP stopped with nothing to reconnect to")
	}
}

func TestOfflineWithPriorSSIDWaitsBeforeAP(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkOffline, "TEST_ssid")
	start := f.runner.Clock().Now()
	f.manager.Start()
	if len(f.wifi.Starts) != 0 {
		t.Fatal("AP must not start before the reconnect wait")
	}
	f.runner.RunFor(reconnectWait - time.Second)
	if len(f.wifi.Starts) != 0 {
		t.Fatal("AP started before the reconnect wait elapsed")
	}
	f.runner.RunFor(2 * time.Second)
	if len(f.wifi.Starts) != 1 {
		t.Fatalf("AP starts = %d", len(f.wifi.Starts))
	}
	if elapsed := f.wifi.Starts[0].At.Sub(start); elapsed < reconnectWait {
		t.Errorf("AP started after %v, want >= %v", elapsed, reconnectWait)
	}
}

func TestShortDisconnectDoesNotStartAP(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkConnected, "")
	f.manager.Start()

	f.network.SetConnectionState(provider.NetworkOffline, 0)
	f.network.SetConnectionState(provider.NetworkConnected, 10*time.Second)
	f.runner.RunFor(time.Hour)
	if len(f.wifi.Starts) != 0 {
		t.Errorf("AP started for a short disconnect")
	}
}

func TestBootstrapCycleUntilReconnect(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkConnected, "TEST_ssid")
	f.manager.Start()

	f.network.SetConnectionState(provider.NetworkOffline, 0)

	for cycle := 0; cycle < 5; cycle++ {
		offlineFrom := f.runner.Clock().Now()
		f.runner.RunFor(reconnectWait)
		if len(f.wifi.Starts) != cycle+1 {
			t.Fatalf("cycle %d: AP starts = %d", cycle, len(f.wifi.Starts))
		}
		apStart := f.wifi.Starts[cycle].At
		if apStart.Sub(offlineFrom) < reconnectWait {
			t.Fatalf("cycle %d: AP started %v after offline, want >= %v",
				cycle, apStart.Sub(offlineFrom), reconnectWait)
		}

		f.runner.RunFor(apWindow)
		if len(f.wifi.Stops) != cycle+1 {
			t.Fatalf("cycle %d: AP stops = %d", cycle, len(f.wifi.Stops))
		}
		if held := f.wifi.Stops[cycle].At.Sub(apStart); held < apWindow {
			t.Fatalf("cycle %d: AP held for %v, want >= %v", cycle, held, apWindow)
		}
	}

	// Reconnect while waiting to bootstrap again: no further AP activity,
	// and the configured network is preserved.
	f.network.SetConnectionState(provider.NetworkConnected, 0)
	f.runner.RunFor(time.Hour)
	if len(f.wifi.Starts) != 5 {
		t.Errorf("AP restarted after reconnect: %d starts", len(f.wifi.Starts))
	}
	if got := f.cfg.GetSettings().LastConfiguredSSID; got != "TEST_ssid" {
		t.Errorf("last configured ssid = %q, want preserved", got)
	}
}

func TestReconnectDuringAPStopsIt(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkConnected, "TEST_ssid")
	f.manager.Start()

	f.network.SetConnectionState(provider.NetworkOffline, 0)
	f.runner.RunFor(reconnectWait)
	if len(f.wifi.Starts) != 1 {
		t.Fatalf("AP starts = %d", len(f.wifi.Starts))
	}

	f.network.SetConnectionState(provider.NetworkConnected, 0)
	f.runner.RunFor(time.Minute)
	if len(f.wifi.Stops) != 1 {
		t.Fatalf("AP stops = %d, want AP stopped on reconnect", len(f.wifi.Stops))
	}
	if got := f.cfg.GetSettings().LastConfiguredSSID; got != "TEST_ssid" {
		t.Errorf("last configured ssid = %q", got)
	}
}

func TestConnectRecordsSSID(t *testing.T) {
	f := newWifiFixture(t, provider.NetworkOffline, "")
	f.manager.Start()

	var result []error
	f.manager.Connect("HOME_ssid", "passphrase", func(err error) { result = append(result, err) })
	f.runner.RunFor(0)
	if len(result) != 1 || result[0] != nil {
		t.Fatalf("connect callback = %v", result)
	}
	if got := f.cfg.GetSettings().LastConfiguredSSID; got != "HOME_ssid" {
		t.Errorf("last configured ssid = %q", got)
	}
}
