package access

import (
	"testing"
	"time"

	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/provider/providertest"
)

func TestBlockAndIsBlockedWindow(t *testing.T) {
	clock := providertest.NewFakeClock()
	m := NewRevocationManager(nil, clock)

	user := []byte{1, 2}
	app := []byte{3, 4}
	blockedAt := clock.Now()
	expiration := blockedAt.Add(time.Hour)
	if err := m.Block(user, app, expiration); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if !m.IsBlocked(user, app, blockedAt) {
		t.Error("token issued at revocation time must be blocked")
	}
	if !m.IsBlocked(user, app, blockedAt.Add(30*time.Minute)) {
		t.Error("token inside the window must be blocked")
	}
	if m.IsBlocked(user, app, blockedAt.Add(-time.Second)) {
		t.Error("token issued before revocation must pass")
	}
	if m.IsBlocked(user, app, expiration.Add(time.Second)) {
		t.Error("token issued after expiration must pass")
	}
	if m.IsBlocked([]byte{9}, app, blockedAt) {
		t.Error("different user must pass")
	}
}

func TestWildcardEntries(t *testing.T) {
	clock := providertest.NewFakeClock()
	m := NewRevocationManager(nil, clock)
	at := clock.Now()
	if err := m.Block(nil, nil, at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !m.IsBlocked([]byte{1}, []byte{2}, at) {
		t.Error("zero-length ids must act as wildcards")
	}
}

func TestCapacityEvictsEarliestExpiring(t *testing.T) {
	clock := providertest.NewFakeClock()
	m := NewRevocationManager(nil, clock)
	at := clock.Now()

	for i := 0; i < m.GetCapacity(); i++ {
		user := []byte{byte(i)}
		// Entry 0 expires soonest.
		if err := m.Block(user, nil, at.Add(time.Duration(i+1)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	if len(m.GetEntries()) != m.GetCapacity() {
		t.Fatalf("entries = %d, want %d", len(m.GetEntries()), m.GetCapacity())
	}

	// One more entry evicts the earliest-expiring one.
	if err := m.Block([]byte{100}, nil, at.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if len(m.GetEntries()) != m.GetCapacity() {
		t.Fatalf("entries after eviction = %d", len(m.GetEntries()))
	}
	if m.IsBlocked([]byte{0}, nil, at) {
		t.Error("earliest-expiring entry should have been evicted")
	}
	if !m.IsBlocked([]byte{100}, nil, at) {
		t.Error("new entry missing")
	}
}

func TestExpiredEntriesPurgedOnMutation(t *testing.T) {
	clock := providertest.NewFakeClock()
	m := NewRevocationManager(nil, clock)
	at := clock.Now()
	if err := m.Block([]byte{1}, nil, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if err := m.Block([]byte{2}, nil, clock.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if len(m.GetEntries()) != 1 {
		t.Errorf("entries = %d, want expired entry purged", len(m.GetEntries()))
	}
}

func TestRefreshExistingEntry(t *testing.T) {
	clock := providertest.NewFakeClock()
	m := NewRevocationManager(nil, clock)
	user := []byte{7}
	if err := m.Block(user, nil, clock.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	if err := m.Block(user, nil, clock.Now().Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if len(m.GetEntries()) != 1 {
		t.Fatalf("refresh created a duplicate entry: %d", len(m.GetEntries()))
	}
	if !m.IsBlocked(user, nil, clock.Now().Add(90*time.Minute)) {
		t.Error("refreshed expiration not applied")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	clock := providertest.NewFakeClock()
	store := providertest.NewMemConfigStore()
	m := NewRevocationManager(store, clock)
	at := clock.Now()
	if err := m.Block([]byte{5}, []byte{6}, at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if store.Blob(provider.RevocationBlobName) == "" {
		t.Fatal("revocation list was not persisted")
	}

	reloaded := NewRevocationManager(store, clock)
	if !reloaded.IsBlocked([]byte{5}, []byte{6}, at) {
		t.Error("entry lost across reload")
	}
	if len(reloaded.GetEntries()) != 1 {
		t.Errorf("reloaded entries = %d", len(reloaded.GetEntries()))
	}
}
