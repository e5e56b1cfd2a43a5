// Package access maintains the token revocation list and exposes it to
// clients through the _accessRevocationList trait.
package access

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weavekit/weave-core/provider"
)

// DefaultCapacity is the fixed number of revocation entries kept when the
// host does not choose another bound.
const DefaultCapacity = 10

// Entry invalidates tokens minted for a (user, app) pair inside a time
// window. A zero-length id acts as a wildcard.
type Entry struct {
	UserID     []byte
	AppID      []byte
	Revocation time.Time
	Expiration time.Time
}

type persistedEntry struct {
	UserID     string `json:"user_id"`
	AppID      string `json:"app_id"`
	Revocation int64  `json:"revocation"`
	Expiration int64  `json:"expiration"`
}

// RevocationManager is a fixed-capacity store of revocation entries
// persisted as a single blob through the host config store.
type RevocationManager struct {
	mu       sync.Mutex
	store    provider.ConfigStore
	clock    provider.Clock
	capacity int
	entries  []Entry
}

// NewRevocationManager loads the persisted list from store. A nil store
// keeps the list in memory only.
func NewRevocationManager(store provider.ConfigStore, clock provider.Clock) *RevocationManager {
	m := &RevocationManager{store: store, clock: clock, capacity: DefaultCapacity}
	m.load()
	return m
}

func (m *RevocationManager) load() {
	if m.store == nil {
		return
	}
	blob := m.store.LoadSettings(provider.RevocationBlobName)
	if blob == "" {
		return
	}
	var persisted []persistedEntry
	if err := json.Unmarshal([]byte(blob), &persisted); err != nil {
		// A corrupt list is discarded rather than trusted.
		return
	}
	for _, p := range persisted {
		userID, err1 := base64.StdEncoding.DecodeString(p.UserID)
		appID, err2 := base64.StdEncoding.DecodeString(p.AppID)
		if err1 != nil || err2 != nil {
			continue
		}
		m.entries = append(m.entries, Entry{
			UserID:     userID,
			AppID:      appID,
			Revocation: time.Unix(p.Revocation, 0).UTC(),
			Expiration: time.Unix(p.Expiration, 0).UTC(),
		})
	}
}

func (m *RevocationManager) persistLocked() {
	if m.store == nil {
		return
	}
	persisted := make([]persistedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		persisted = append(persisted, persistedEntry{
			UserID:     base64.StdEncoding.EncodeToString(e.UserID),
			AppID:      base64.StdEncoding.EncodeToString(e.AppID),
			Revocation: e.Revocation.Unix(),
			Expiration: e.Expiration.Unix(),
		})
	}
	blob, err := json.Marshal(persisted)
	if err != nil {
		panic(fmt.Sprintf("access: marshalling revocation list: %v", err))
	}
	m.store.SaveSettings(provider.RevocationBlobName, string(blob))
}

// Block inserts or refreshes the entry for (userID, appID). Tokens for the
// pair issued from now until expiration are rejected; tokens issued before
// now still pass. Expired entries are purged first; if the list is still full,
// the earliest-expiring entry is evicted.
func (m *RevocationManager) Block(userID, appID []byte, expiration time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.purgeExpiredLocked(now)

	for i := range m.entries {
		if bytes.Equal(m.entries[i].UserID, userID) && bytes.Equal(m.entries[i].AppID, appID) {
			m.entries[i].Revocation = now
			if expiration.After(m.entries[i].Expiration) {
				m.entries[i].Expiration = expiration
			}
			m.persistLocked()
			return nil
		}
	}

	if len(m.entries) >= m.capacity {
		sort.Slice(m.entries, func(i, j int) bool {
			return m.entries[i].Expiration.Before(m.entries[j].Expiration)
		})
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, Entry{
		UserID:     append([]byte{}, userID...),
		AppID:      append([]byte{}, appID...),
		Revocation: now,
		Expiration: expiration,
	})
	m.persistLocked()
	return nil
}

func (m *RevocationManager) purgeExpiredLocked(now time.Time) {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Expiration.After(now) {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// IsBlocked reports whether a token minted for (userID, appID) at
// issuedAt is revoked: some entry matches both ids (equal, or wildcard on
// the entry side) and issuedAt falls inside [revocation, expiration].
func (m *RevocationManager) IsBlocked(userID, appID []byte, issuedAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		idsMatch := (len(e.UserID) == 0 || bytes.Equal(e.UserID, userID)) &&
			(len(e.AppID) == 0 || bytes.Equal(e.AppID, appID))
		if idsMatch && !issuedAt.Before(e.Revocation) && !issuedAt.After(e.Expiration) {
			return true
		}
	}
	return false
}

// GetEntries returns the live entries.
func (m *RevocationManager) GetEntries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// GetCapacity returns the fixed entry bound.
func (m *RevocationManager) GetCapacity() int {
	return m.capacity
}
