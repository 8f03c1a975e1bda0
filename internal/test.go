package internal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"
)

// TestIssuer mints signed access tokens the way the SpaceShelf backend does,
// for use in tests that need realistic JWT credentials.
type TestIssuer struct {
	key *ecdsa.PrivateKey
}

func NewTestIssuer(t testing.TB) *TestIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &TestIssuer{key: key}
}

// Mint returns a compact ES256 JWT with the given claims as its payload.
func (i *TestIssuer) Mint(t testing.TB, claims map[string]any) string {
	t.Helper()

	claimsBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       i.key,
	}, (&jose.SignerOptions{}).WithType("at+jwt"))
	if err != nil {
		t.Fatal(err)
	}

	sig, err := signer.Sign(claimsBytes)
	if err != nil {
		t.Fatal(err)
	}

	compact, err := sig.CompactSerialize()
	if err != nil {
		t.Fatal(err)
	}
	return compact
}
