package privet

import (
	"reflect"
	"sort"
	"testing"

	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider/providertest"
	"github.com/weavekit/weave-core/settings"
)

func newPublisherFixture(t *testing.T, hasWifi bool) (*Publisher, *providertest.FakeDNSSD, *config.Config) {
	t.Helper()
	store := providertest.NewMemConfigStore()
	defaults := settings.Default()
	defaults.Name = "TEST_NAME"
	defaults.ModelID = "ABCDE"
	defaults.DeviceID = "TEST_DEVICE_ID"
	store.Defaults = &defaults
	cfg := config.New(store)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	dnssd := providertest.NewFakeDNSSD()
	server := providertest.NewFakeHTTPServer(11, 12)
	return NewPublisher(dnssd, server, cfg, hasWifi, nil), dnssd, cfg
}

func assertTXT(t *testing.T, dnssd *providertest.FakeDNSSD, want []string) {
	t.Helper()
	pub, ok := dnssd.Current[serviceType]
	if !ok {
		t.Fatal("service not published")
	}
	if pub.Port != 11 {
		t.Errorf("port = %d, want 11", pub.Port)
	}
	got := append([]string{}, pub.TXT...)
	sort.Strings(got)
	sorted := append([]string{}, want...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(got, sorted) {
		t.Errorf("txt = %v, want %v", got, sorted)
	}
}

func TestPublishUnregisteredWifiDevice(t *testing.T) {
	p, dnssd, _ := newPublisherFixture(t, true)
	p.Start()
	assertTXT(t, dnssd, []string{
		"txtvers=3", "ty=TEST_NAME", "mmid=ABCDE", "services=_base",
		"id=TEST_DEVICE_ID", "flags=DB",
	})
}

func TestPublishNoWifiDevice(t *testing.T) {
	p, dnssd, _ := newPublisherFixture(t, false)
	p.Start()
	assertTXT(t, dnssd, []string{
		"txtvers=3", "ty=TEST_NAME", "mmid=ABCDE", "services=_base",
		"id=TEST_DEVICE_ID", "flags=CB",
	})
}

func TestRegistrationAddsCloudIDAndFlags(t *testing.T) {
	p, dnssd, cfg := newPublisherFixture(t, true)
	p.Start()

	tx := cfg.Begin()
	tx.SetCloudID("CLOUD_ID")
	tx.Commit()
	assertTXT(t, dnssd, []string{
		"txtvers=3", "ty=TEST_NAME", "mmid=ABCDE", "services=_base",
		"id=TEST_DEVICE_ID", "flags=DB", "gcd_id=CLOUD_ID",
	})

	p.SetCloudConnected(true)
	assertTXT(t, dnssd, []string{
		"txtvers=3", "ty=TEST_NAME", "mmid=ABCDE", "services=_base",
		"id=TEST_DEVICE_ID", "flags=BB", "gcd_id=CLOUD_ID",
	})
}

func TestDiscoveryDisabledWithdrawsAnnouncement(t *testing.T) {
	p, dnssd, cfg := newPublisherFixture(t, true)
	p.Start()
	if _, ok := dnssd.Current[serviceType]; !ok {
		t.Fatal("not published")
	}

	tx := cfg.Begin()
	tx.SetLocalDiscoveryEnabled(false)
	tx.Commit()
	if _, ok := dnssd.Current[serviceType]; ok {
		t.Error("announcement not withdrawn")
	}
	if len(dnssd.Stopped) != 1 {
		t.Errorf("stop calls = %d", len(dnssd.Stopped))
	}
}

func TestStopWithdrawsAnnouncement(t *testing.T) {
	p, dnssd, _ := newPublisherFixture(t, true)
	p.Start()
	p.Stop()
	if _, ok := dnssd.Current[serviceType]; ok {
		t.Error("announcement not withdrawn on stop")
	}
}
