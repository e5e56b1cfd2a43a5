package privet

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/access"
	"github.com/weavekit/weave-core/internal/config"
	"github.com/weavekit/weave-core/provider"
	"github.com/weavekit/weave-core/settings"
)

// ErrAlreadyClaimed is returned when a local client tries to claim the
// root client token of a device that already has an owner.
var ErrAlreadyClaimed = errors.New("privet: root client token already claimed")

const (
	// maxPendingClaims bounds the claim FIFO; the oldest pending claim is
	// evicted when a new one would overflow it.
	maxPendingClaims = 10

	// Root client token wire constants: the truncated MAC size and the
	// caveat tags and scope value baked into the token format.
	rootTokenMACSize    = 16
	caveatTagScope      = 1
	caveatTagIssuedAt   = 3
	caveatScopeValueOwn = 2
)

// Access token wire scope codes. Distinct from the auth.Role values: the
// format predates the manager role, which therefore sorts after owner on
// the wire.
var scopeWireCodes = map[auth.Role]uint64{
	auth.RoleNone:    0,
	auth.RoleViewer:  1,
	auth.RoleUser:    2,
	auth.RoleOwner:   3,
	auth.RoleManager: 4,
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type pendingClaim struct {
	auth  *AuthManager
	owner auth.RootClientTokenOwner
}

// AuthManager mints and verifies the device's opaque access tokens and
// runs the root client token claim/confirm handshake.
type AuthManager struct {
	mu              sync.Mutex
	clock           provider.Clock
	config          *config.Config             // nil keeps owner state in memory only
	revocation      *access.RevocationManager  // nil disables revocation checks
	secret          []byte
	certFingerprint []byte
	pendingClaims   []pendingClaim
}

// New creates an auth manager bound to the device config: the secret is
// read from settings, generated and persisted when absent or too short.
func New(cfg *config.Config, revocation *access.RevocationManager,
	certFingerprint []byte, clock provider.Clock) *AuthManager {
	var secret []byte
	var owner auth.RootClientTokenOwner
	if cfg != nil {
		s := cfg.GetSettings()
		secret = s.Secret
		owner = s.RootClientTokenOwner
	}
	m := newAuthManager(secret, certFingerprint, clock)
	m.config = cfg
	m.revocation = revocation
	if cfg != nil && len(secret) < settings.MinSecretSize {
		tx := cfg.Begin()
		tx.SetSecret(m.secret, owner)
		tx.Commit()
	}
	return m
}

// NewWithSecret creates a standalone auth manager with the given secret.
// A secret shorter than the minimum is replaced with fresh random bytes.
func NewWithSecret(secret, certFingerprint []byte, clock provider.Clock) *AuthManager {
	return newAuthManager(secret, certFingerprint, clock)
}

func newAuthManager(secret, certFingerprint []byte, clock provider.Clock) *AuthManager {
	if clock == nil {
		clock = systemClock{}
	}
	if len(secret) < settings.MinSecretSize {
		secret = make([]byte, settings.MinSecretSize)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("privet: generating secret: %v", err))
		}
	}
	return &AuthManager{
		clock:           clock,
		secret:          append([]byte{}, secret...),
		certFingerprint: append([]byte{}, certFingerprint...),
	}
}

// GetSecret returns a copy of the device secret.
func (m *AuthManager) GetSecret() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.secret...)
}

// GetCertificateFingerprint returns the TLS certificate fingerprint of
// the local HTTPS surface.
func (m *AuthManager) GetCertificateFingerprint() []byte {
	return append([]byte{}, m.certFingerprint...)
}

// CreateAccessToken mints an opaque token for the given principal:
// a full HMAC-SHA256 over the payload, followed by the ASCII payload
// "<scope>:<user>:<unix seconds>".
func (m *AuthManager) CreateAccessToken(user auth.UserInfo) []byte {
	payload := fmt.Sprintf("%d:%d:%d",
		scopeWireCodes[user.Scope()], user.UserID(), m.clock.Now().Unix())
	mac := m.payloadMAC([]byte(payload))
	return append(mac, payload...)
}

// ParseAccessToken verifies the token MAC in constant time and decodes
// the principal. On any failure it returns an anonymous UserInfo and a
// zero time; on success issuedAt carries the token's mint time. Tokens
// matching the revocation list fail.
func (m *AuthManager) ParseAccessToken(token []byte) (user auth.UserInfo, issuedAt time.Time) {
	none := auth.NewUserInfo(auth.RoleNone, 0)
	if len(token) <= sha256.Size {
		return none, time.Time{}
	}
	payload := token[sha256.Size:]
	if !hmac.Equal(m.payloadMAC(payload), token[:sha256.Size]) {
		return none, time.Time{}
	}
	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 {
		return none, time.Time{}
	}
	scopeCode, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return none, time.Time{}
	}
	scope, ok := roleFromWireCode(scopeCode)
	if !ok {
		return none, time.Time{}
	}
	userID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return none, time.Time{}
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return none, time.Time{}
	}
	issued := time.Unix(unix, 0).UTC()
	if m.revocation != nil && m.revocation.IsBlocked(userIDBytes(userID), nil, issued) {
		return none, time.Time{}
	}
	return auth.NewUserInfo(scope, userID), issued
}

func (m *AuthManager) payloadMAC(payload []byte) []byte {
	m.mu.Lock()
	secret := append([]byte{}, m.secret...)
	m.mu.Unlock()
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

func roleFromWireCode(code uint64) (auth.Role, bool) {
	for role, wire := range scopeWireCodes {
		if wire == code {
			return role, true
		}
	}
	return auth.RoleNone, false
}

func userIDBytes(userID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], userID)
	return buf[:]
}

// GetRootClientAuthToken mints the device-scoped bearer token handed to a
// local controller: a CBOR byte string holding the truncated caveat-chain
// MAC, followed by a CBOR array of the two caveats (owner scope and issue
// time).
func (m *AuthManager) GetRootClientAuthToken() []byte {
	caveats := rootTokenCaveats(m.clock.Now())
	m.mu.Lock()
	mac := chainMAC(m.secret, caveats)
	m.mu.Unlock()
	head, err := cbor.Marshal(mac)
	if err != nil {
		panic(fmt.Sprintf("privet: encoding token mac: %v", err))
	}
	tail, err := cbor.Marshal(caveats)
	if err != nil {
		panic(fmt.Sprintf("privet: encoding token caveats: %v", err))
	}
	return append(head, tail...)
}

// IsValidAuthToken reports whether token was minted with this device's
// current secret: the caveat chain MAC is recomputed over the token's own
// caveats and compared in constant time.
func (m *AuthManager) IsValidAuthToken(token []byte) bool {
	dec := cbor.NewDecoder(bytes.NewReader(token))
	var mac []byte
	if err := dec.Decode(&mac); err != nil || len(mac) != rootTokenMACSize {
		return false
	}
	var caveats [][]byte
	if err := dec.Decode(&caveats); err != nil || len(caveats) == 0 {
		return false
	}
	m.mu.Lock()
	expected := chainMAC(m.secret, caveats)
	m.mu.Unlock()
	return hmac.Equal(expected, mac)
}

func rootTokenCaveats(now time.Time) [][]byte {
	return [][]byte{
		encodeCaveat(caveatTagScope, caveatScopeValueOwn),
		encodeCaveat(caveatTagIssuedAt, uint64(now.Unix())),
	}
}

func encodeCaveat(tag, value uint64) []byte {
	t, err := cbor.Marshal(tag)
	if err != nil {
		panic(fmt.Sprintf("privet: encoding caveat tag: %v", err))
	}
	v, err := cbor.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("privet: encoding caveat value: %v", err))
	}
	return append(t, v...)
}

// chainMAC computes the macaroon-style MAC: each caveat is HMACed with
// the previous truncated tag as the key, starting from the secret.
func chainMAC(secret []byte, caveats [][]byte) []byte {
	key := secret
	var tag []byte
	for _, caveat := range caveats {
		h := hmac.New(sha256.New, key)
		h.Write(caveat)
		tag = h.Sum(nil)[:rootTokenMACSize]
		key = tag
	}
	return tag
}

// ClaimRootClientAuthToken starts the ownership handshake: a throwaway
// auth manager with a fresh secret is pushed into the pending FIFO and its
// root token returned. Nothing persists until the token is confirmed.
//
// Claiming for OwnerNone is a programming error and panics. A client may
// only claim an unowned device; the cloud may always claim.
func (m *AuthManager) ClaimRootClientAuthToken(claimer auth.RootClientTokenOwner) ([]byte, error) {
	switch claimer {
	case auth.OwnerNone:
		panic("privet: root client token cannot be claimed for owner none")
	case auth.OwnerClient:
		if m.config != nil && m.config.GetSettings().RootClientTokenOwner != auth.OwnerNone {
			return nil, ErrAlreadyClaimed
		}
	case auth.OwnerCloud:
	}

	pending := NewWithSecret(nil, nil, m.clock)
	m.mu.Lock()
	m.pendingClaims = append(m.pendingClaims, pendingClaim{auth: pending, owner: claimer})
	if len(m.pendingClaims) > maxPendingClaims {
		m.pendingClaims = m.pendingClaims[1:]
	}
	m.mu.Unlock()
	return pending.GetRootClientAuthToken(), nil
}

// ConfirmClientAuthToken completes the handshake: if the token belongs to
// a pending claim, its secret is adopted as the device secret — which
// invalidates every previously minted token — and the claimed owner is
// committed. Re-confirming after adoption is idempotent while the token
// still verifies against the current secret.
func (m *AuthManager) ConfirmClientAuthToken(token []byte) bool {
	m.mu.Lock()
	if len(m.pendingClaims) == 0 {
		m.mu.Unlock()
		return m.IsValidAuthToken(token)
	}
	var matched *pendingClaim
	for i := range m.pendingClaims {
		if m.pendingClaims[i].auth.IsValidAuthToken(token) {
			matched = &m.pendingClaims[i]
			break
		}
	}
	if matched == nil {
		m.mu.Unlock()
		return false
	}
	claim := *matched
	m.pendingClaims = nil
	m.mu.Unlock()

	m.SetSecret(claim.auth.GetSecret(), claim.owner)
	return true
}

// SetSecret replaces the device secret, invalidating all outstanding
// tokens, and persists the secret together with the new owner.
func (m *AuthManager) SetSecret(secret []byte, owner auth.RootClientTokenOwner) {
	m.mu.Lock()
	m.secret = append([]byte{}, secret...)
	m.mu.Unlock()
	if m.config != nil {
		tx := m.config.Begin()
		tx.SetSecret(secret, owner)
		tx.Commit()
	}
}
