// pkg/tool/login/initiate.go
package login

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/pending"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

/*
OIDC third-party initiated login (Tool side)

The platform calls the Tool's login URL with iss, login_hint and
target_link_uri. The Tool answers with a redirect to the platform's
authorization endpoint carrying a fresh state and nonce:

  GET {authorization_endpoint}?scope=openid&response_type=id_token
      &response_mode=form_post&prompt=none&client_id=..&redirect_uri=..
      &login_hint=..&state=..&nonce=..[&lti_message_hint=..]

The (state, nonce) pair is saved in the pending store and consumed exactly
once by the launch that follows.
*/

const (
	CookieState = "state"
	CookieNonce = "nonce"

	tokenBytes = 32
)

// Initiator runs the login step.
type Initiator struct {
	Trust   trust.Store
	Pending pending.Store

	// AllowUnregisteredCanvas lets hosted Canvas issuers without a trust
	// record log in with the request's client_id and the Canvas SSO
	// endpoints. Any Canvas developer key is then accepted.
	AllowUnregisteredCanvas bool

	TTL    time.Duration // pending state lifetime, default pending.DefaultTTL
	Random io.Reader     // default crypto/rand.Reader
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Params are the validated login request fields.
type Params struct {
	Issuer            string
	LoginHint         string
	TargetLinkURI     string
	ClientID          string
	DeploymentID      string
	LTIMessageHint    string
	CanvasRegion      string
	CanvasEnvironment string
	StorageTarget     string
}

// Redirect describes the response the transport must send.
type Redirect struct {
	Status   int
	Location string
	Cookies  []*http.Cookie
	Vendor   trust.Vendor
	State    pending.AuthState
}

// ParseParams validates a normalized login request.
func ParseParams(v request.Values) (Params, error) {
	var (
		p   Params
		err error
	)
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"iss", &p.Issuer},
		{"login_hint", &p.LoginHint},
		{"target_link_uri", &p.TargetLinkURI},
	} {
		if *f.dst, err = v.RequireString(f.key); err != nil {
			return Params{}, lti.Wrap(lti.ReasonInvalidInitiationRequest, err)
		}
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"client_id", &p.ClientID},
		{"lti_deployment_id", &p.DeploymentID},
		{"lti_message_hint", &p.LTIMessageHint},
		{"canvas_region", &p.CanvasRegion},
		{"canvas_environment", &p.CanvasEnvironment},
		{"lti_storage_target", &p.StorageTarget},
	} {
		if *f.dst, err = v.OptionalString(f.key); err != nil {
			return Params{}, lti.Wrap(lti.ReasonInvalidInitiationRequest, err)
		}
	}
	// some platforms send the unprefixed name
	if p.DeploymentID == "" {
		if p.DeploymentID, err = v.OptionalString("deployment_id"); err != nil {
			return Params{}, lti.Wrap(lti.ReasonInvalidInitiationRequest, err)
		}
	}
	if !isHTTPURL(p.TargetLinkURI) {
		return Params{}, lti.Errorf(lti.ReasonInvalidInitiationRequest, "target_link_uri must be an absolute http(s) URL")
	}
	return p, nil
}

// Initiate validates the request, mints and stores state/nonce and builds the redirect.
func (in *Initiator) Initiate(ctx context.Context, v request.Values) (*Redirect, error) {
	p, err := ParseParams(v)
	if err != nil {
		return nil, err
	}

	vendor := trust.VendorOf(p.Issuer)
	cfg, err := in.resolve(ctx, vendor, p)
	if err != nil {
		return nil, err
	}
	clientID := cfg.ClientID

	state, err := in.token()
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInternal, err)
	}
	nonce, err := in.token()
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInternal, err)
	}
	now := in.now()
	ttl := in.ttl()
	st := pending.AuthState{
		State:         state,
		Nonce:         nonce,
		Issuer:        p.Issuer,
		ClientID:      clientID,
		TargetLinkURI: p.TargetLinkURI,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := in.Pending.Save(ctx, st); err != nil {
		return nil, lti.Errorf(lti.ReasonInternal, "save pending state: %w", err)
	}

	loc, err := authorizeURL(cfg.AuthorizationEndpoint, p, clientID, state, nonce)
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInternal, err)
	}
	secure := strings.HasPrefix(strings.ToLower(p.TargetLinkURI), "https://")

	in.logger().Infow("oidc login initiated",
		"iss", p.Issuer, "vendor", vendor.String(), "client_id", clientID,
		"deployment_id", p.DeploymentID, "state", prefix(state))

	return &Redirect{
		Status:   http.StatusTemporaryRedirect,
		Location: loc,
		Cookies: []*http.Cookie{
			authCookie(CookieState, state, ttl, secure),
			authCookie(CookieNonce, nonce, ttl, secure),
		},
		Vendor: vendor,
		State:  st,
	}, nil
}

// resolve picks the trust material for the issuer according to its vendor.
func (in *Initiator) resolve(ctx context.Context, vendor trust.Vendor, p Params) (trust.PlatformTrustConfig, error) {
	switch vendor {
	case trust.VendorCanvas:
		cfg, err := in.Trust.Lookup(ctx, p.Issuer)
		if err == nil {
			return cfg, checkClientID(p, cfg)
		}
		if !errors.Is(err, trust.ErrNotFound) {
			return trust.PlatformTrustConfig{}, lti.Wrap(lti.ReasonInternal, err)
		}
		if !in.AllowUnregisteredCanvas {
			return trust.PlatformTrustConfig{}, lti.Errorf(lti.ReasonUnsupportedPlatform, "issuer %s: %w", p.Issuer, err)
		}
		if p.ClientID == "" {
			return trust.PlatformTrustConfig{}, lti.Errorf(lti.ReasonInvalidInitiationRequest,
				"client_id is required for unregistered Canvas issuer %s", p.Issuer)
		}
		env := p.CanvasEnvironment
		if env == "" {
			env = trust.CanvasEnvironment(p.Issuer)
		}
		return trust.CanvasDefaults(p.Issuer, env, p.ClientID), nil

	case trust.VendorBlackboard:
		// recognised, not yet supported
		return trust.PlatformTrustConfig{}, lti.Errorf(lti.ReasonUnsupportedPlatform, "blackboard login is not supported yet")

	case trust.VendorGeneric:
		var (
			cfg trust.PlatformTrustConfig
			err error
		)
		if p.DeploymentID != "" {
			cfg, err = in.Trust.LookupByDeployment(ctx, p.Issuer, p.DeploymentID)
		} else {
			cfg, err = in.Trust.Lookup(ctx, p.Issuer)
		}
		if errors.Is(err, trust.ErrNotFound) {
			return trust.PlatformTrustConfig{}, lti.Errorf(lti.ReasonUnsupportedPlatform, "issuer %s: %w", p.Issuer, err)
		}
		if err != nil {
			return trust.PlatformTrustConfig{}, lti.Wrap(lti.ReasonInternal, err)
		}
		return cfg, checkClientID(p, cfg)

	default:
		return trust.PlatformTrustConfig{}, lti.Errorf(lti.ReasonUnsupportedPlatform, "unknown vendor %d", vendor)
	}
}

// checkClientID rejects a request client_id that differs from the registered one.
func checkClientID(p Params, cfg trust.PlatformTrustConfig) error {
	if p.ClientID != "" && p.ClientID != cfg.ClientID {
		return lti.Errorf(lti.ReasonInvalidInitiationRequest,
			"client_id %q is not registered for %s", p.ClientID, p.Issuer)
	}
	return nil
}

func authorizeURL(endpoint string, p Params, clientID, state, nonce string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("authorization endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", p.TargetLinkURI)
	q.Set("login_hint", p.LoginHint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if p.LTIMessageHint != "" {
		q.Set("lti_message_hint", p.LTIMessageHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func authCookie(name, value string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (in *Initiator) token() (string, error) {
	r := in.Random
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (in *Initiator) ttl() time.Duration {
	if in.TTL > 0 {
		return in.TTL
	}
	return pending.DefaultTTL
}

func (in *Initiator) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

func (in *Initiator) logger() *zap.SugaredLogger {
	if in.Logger != nil {
		return in.Logger
	}
	return zap.NewNop().Sugar()
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// prefix shortens secrets for logs.
func prefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
