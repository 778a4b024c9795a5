// pkg/tool/keys/keys.go
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

/*
Tool signing key

The Tool publishes one RSA public key at /.well-known/jwks.json; its URL is
the jwks_uri sent to platforms during dynamic registration.

The key is loaded from a PEM file (PKCS#1 or PKCS#8) when configured,
otherwise generated at start-up. A generated key does not survive restarts,
so platforms that cached the old JWKS will refetch on kid miss.
*/

const (
	DefaultAlg     = "RS256"
	defaultKeyBits = 2048
)

var ErrNotRSA = errors.New("keys: PEM does not hold an RSA private key")

// ToolKey is the Tool's signing key and its published identity.
type ToolKey struct {
	KID     string
	Alg     string
	Private *rsa.PrivateKey
}

// Load reads an RSA private key from pemPath. An empty path generates a new key.
// An empty kid is derived from the RFC 7638 thumbprint of the public key.
func Load(pemPath, kid string) (*ToolKey, error) {
	var (
		priv *rsa.PrivateKey
		err  error
	)
	if strings.TrimSpace(pemPath) == "" {
		priv, err = rsa.GenerateKey(rand.Reader, defaultKeyBits)
		if err != nil {
			return nil, fmt.Errorf("keys: generate: %w", err)
		}
	} else {
		b, err := os.ReadFile(pemPath)
		if err != nil {
			return nil, fmt.Errorf("keys: read %s: %w", pemPath, err)
		}
		priv, err = ParsePEM(b)
		if err != nil {
			return nil, err
		}
	}
	return New(priv, kid)
}

// New wraps priv. An empty kid is derived from the public key thumbprint.
func New(priv *rsa.PrivateKey, kid string) (*ToolKey, error) {
	if priv == nil {
		return nil, errors.New("keys: private key is nil")
	}
	if kid == "" {
		var err error
		kid, err = thumbprintKID(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
	}
	return &ToolKey{KID: kid, Alg: DefaultAlg, Private: priv}, nil
}

// ParsePEM decodes the first PEM block as a PKCS#1 or PKCS#8 RSA private key.
func ParsePEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("keys: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rk, nil
}

// PublicJWK returns the public half as a JWK with kid, alg and use set.
func (k *ToolKey) PublicJWK() (jwk.Key, error) {
	key, err := jwk.Import(&k.Private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keys: import public key: %w", err)
	}
	for name, v := range map[string]any{
		jwk.KeyIDKey:     k.KID,
		jwk.AlgorithmKey: k.Alg,
		jwk.KeyUsageKey:  "sig",
	} {
		if err := key.Set(name, v); err != nil {
			return nil, fmt.Errorf("keys: set %s: %w", name, err)
		}
	}
	return key, nil
}

// PublicJWKS returns a set holding only the public key.
func (k *ToolKey) PublicJWKS() (jwk.Set, error) {
	pub, err := k.PublicJWK()
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, fmt.Errorf("keys: add key: %w", err)
	}
	return set, nil
}

func thumbprintKID(pub *rsa.PublicKey) (string, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return "", fmt.Errorf("keys: import public key: %w", err)
	}
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keys: thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
