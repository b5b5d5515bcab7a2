package authtoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T, teamID, keyID string) SigningKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return SigningKey{KeyID: keyID, TeamID: teamID, PrivateKey: priv}
}

func TestCache_TokenShapeAndClaims(t *testing.T) {
	key := generateKey(t, "TEAM123456", "KEYID7890")
	c := New([]SigningKey{key}, 0)

	tok, err := c.Token("TEAM123456")
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3, "token must be header.claims.signature")

	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		return &key.PrivateKey.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	require.Equal(t, "ES256", parsed.Header["alg"])
	require.Equal(t, "KEYID7890", parsed.Header["kid"])

	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, "TEAM123456", claims["iss"])
	iat, ok := claims["iat"].(float64)
	require.True(t, ok)
	require.True(t, time.Since(time.Unix(int64(iat), 0)) < time.Minute)
}

func TestCache_ReturnsCachedTokenWithinRefreshInterval(t *testing.T) {
	key := generateKey(t, "TEAMABC", "KEY1")
	c := New([]SigningKey{key}, time.Hour)

	first, err := c.Token("TEAMABC")
	require.NoError(t, err)
	second, err := c.Token("TEAMABC")
	require.NoError(t, err)

	require.Equal(t, first, second, "token must not be re-minted within the refresh interval")
}

func TestCache_RemintsAfterRefreshInterval(t *testing.T) {
	key := generateKey(t, "TEAMXYZ", "KEY1")
	c := New([]SigningKey{key}, time.Millisecond)

	first, err := c.Token("TEAMXYZ")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := c.Token("TEAMXYZ")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestCache_InvalidateForcesRemint(t *testing.T) {
	key := generateKey(t, "TEAM1", "KEY1")
	c := New([]SigningKey{key}, time.Hour)

	first, err := c.Token("TEAM1")
	require.NoError(t, err)

	c.Invalidate("TEAM1")

	second, err := c.Token("TEAM1")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestCache_UnknownTeamFails(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Token("NOBODY")
	require.Error(t, err)
}

func TestCache_ConcurrentMintingForSameTeamIsSerialized(t *testing.T) {
	key := generateKey(t, "TEAMCONC", "KEY1")
	c := New([]SigningKey{key}, time.Hour)

	const goroutines = 50
	tokens := make([]string, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token("TEAMCONC")
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		require.Equal(t, tokens[0], tokens[i], "all concurrent callers for one team must observe the same minted token")
	}
}

func TestCache_DistinctTeamsMintIndependently(t *testing.T) {
	keyA := generateKey(t, "TEAMA", "KEYA")
	keyB := generateKey(t, "TEAMB", "KEYB")
	c := New([]SigningKey{keyA, keyB}, time.Hour)

	tokA, err := c.Token("TEAMA")
	require.NoError(t, err)
	tokB, err := c.Token("TEAMB")
	require.NoError(t, err)

	require.NotEqual(t, tokA, tokB)
}
