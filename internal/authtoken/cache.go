// Package authtoken implements the per-team provider authentication
// token cache described by the client's AuthTokenCache component: it
// mints ES256-signed JWTs, keeps each one for at most RefreshInterval,
// and serializes minting per team so concurrent callers for the same
// team don't each pay for a fresh signature.
package authtoken

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// RefreshInterval is the default maximum age of a cached token before
// it is re-minted, per the APNs-documented one-hour token lifetime
// with headroom.
const RefreshInterval = 55 * time.Minute

// SigningKey is the material needed to mint tokens for one team. It is
// immutable for the lifetime of the cache.
type SigningKey struct {
	KeyID      string
	TeamID     string
	PrivateKey *ecdsa.PrivateKey
}

type entry struct {
	issuedAt time.Time
	encoded  string
}

// Cache mints and rotates JWTs for a fixed set of teams. The zero
// value is not usable; construct with New.
type Cache struct {
	refreshInterval time.Duration
	keys            map[string]SigningKey // by team ID

	mu      sync.Mutex // guards entries and mintLocks
	entries map[string]*entry
	// mintLocks serializes minting per team so that, under the
	// thundering-herd case of N goroutines discovering a stale token
	// for the same team at once, only one of them calls the signer.
	mintLocks map[string]*sync.Mutex
}

// New builds a Cache for the given signing keys. refreshInterval <= 0
// selects RefreshInterval.
func New(keys []SigningKey, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = RefreshInterval
	}

	byTeam := make(map[string]SigningKey, len(keys))
	for _, k := range keys {
		byTeam[k.TeamID] = k
	}

	return &Cache{
		refreshInterval: refreshInterval,
		keys:            byTeam,
		entries:         make(map[string]*entry),
		mintLocks:       make(map[string]*sync.Mutex),
	}
}

// Token returns a signed JWT for teamID no older than the cache's
// refresh interval, minting one if necessary. Concurrent callers for
// distinct teams proceed in parallel; concurrent callers for the same
// team block on a single mint.
func (c *Cache) Token(teamID string) (string, error) {
	if tok, ok := c.fresh(teamID); ok {
		return tok, nil
	}

	lock := c.mintLockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have minted while we waited for the lock.
	if tok, ok := c.fresh(teamID); ok {
		return tok, nil
	}

	return c.mint(teamID)
}

// Invalidate discards the cached token for teamID, forcing the next
// Token call to mint a fresh one. Used after APNs rejects a request
// with reason ExpiredProviderToken.
func (c *Cache) Invalidate(teamID string) {
	c.mu.Lock()
	delete(c.entries, teamID)
	c.mu.Unlock()
}

func (c *Cache) fresh(teamID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[teamID]
	if !ok {
		return "", false
	}
	if time.Since(e.issuedAt) >= c.refreshInterval {
		return "", false
	}
	return e.encoded, true
}

func (c *Cache) mintLockFor(teamID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.mintLocks[teamID]
	if !ok {
		lock = &sync.Mutex{}
		c.mintLocks[teamID] = lock
	}
	return lock
}

func (c *Cache) mint(teamID string) (string, error) {
	c.mu.Lock()
	key, ok := c.keys[teamID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("authtoken: no signing key configured for team %q", teamID)
	}

	issuedAt := time.Now()
	claims := jwt.MapClaims{
		"iss": key.TeamID,
		"iat": issuedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.KeyID

	// SigningMethodES256 produces the JOSE raw r||s signature (64
	// bytes, no ASN.1 DER wrapping), matching what APNs expects.
	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("authtoken: failed to sign token for team %q: %w", teamID, err)
	}

	c.mu.Lock()
	c.entries[teamID] = &entry{issuedAt: issuedAt, encoded: signed}
	c.mu.Unlock()

	return signed, nil
}
