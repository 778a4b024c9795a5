package ags

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
)

// assertionSource fetches platform access tokens with the client_credentials
// grant, authenticating with a private_key_jwt assertion signed by the Tool key.
// Each token request carries a freshly signed assertion.
type assertionSource struct {
	ctx      context.Context
	key      *keys.ToolKey
	clientID string
	tokenURL string
	scopes   []string
	now      func() time.Time
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	assertion, err := s.sign()
	if err != nil {
		return nil, err
	}
	cc := clientcredentials.Config{
		ClientID:  s.clientID,
		TokenURL:  s.tokenURL,
		Scopes:    s.scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	tok, err := cc.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("ags: token: %w", err)
	}
	return tok, nil
}

func (s *assertionSource) sign() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{s.tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.key.KID
	signed, err := tok.SignedString(s.key.Private)
	if err != nil {
		return "", fmt.Errorf("ags: sign assertion: %w", err)
	}
	return signed, nil
}

// newHTTPClient returns a client that attaches a cached bearer token to every
// request. base carries timeouts and transport for both token and service calls.
func newHTTPClient(ctx context.Context, base *http.Client, key *keys.ToolKey, clientID, tokenURL string, scopes []string) (*http.Client, error) {
	switch {
	case key == nil || key.Private == nil:
		return nil, errors.New("ags: tool key is required")
	case clientID == "":
		return nil, errors.New("ags: client id is required")
	case tokenURL == "":
		return nil, errors.New("ags: platform has no token endpoint")
	}
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	src := &assertionSource{
		ctx:      ctx,
		key:      key,
		clientID: clientID,
		tokenURL: tokenURL,
		scopes:   scopes,
		now:      time.Now,
	}
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = base.Timeout
	return hc, nil
}
