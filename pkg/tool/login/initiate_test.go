package login

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/pending"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

func newInitiator(seed ...trust.PlatformTrustConfig) (*Initiator, *pending.MemoryStore) {
	ps := pending.NewMemoryStore(0)
	return &Initiator{Trust: trust.NewMemoryStore(seed...), Pending: ps}, ps
}

// newCanvasInitiator trusts hosted Canvas without a trust record.
func newCanvasInitiator() (*Initiator, *pending.MemoryStore) {
	in, ps := newInitiator()
	in.AllowUnregisteredCanvas = true
	return in, ps
}

func generic() trust.PlatformTrustConfig {
	return trust.PlatformTrustConfig{
		Issuer:                "https://lms.example.edu",
		ClientID:              "generic-client",
		AuthorizationEndpoint: "https://lms.example.edu/oidc/auth?tenant=a",
		KeySetURI:             "https://lms.example.edu/jwks",
		DeploymentIDs:         []string{"dep-1"},
	}
}

func TestCanvasScenario(t *testing.T) {
	in, ps := newCanvasInitiator()
	red, err := in.Initiate(context.Background(), request.Values{
		"iss":             "https://canvas.instructure.com",
		"login_hint":      "abc",
		"target_link_uri": "https://tool.example/launch",
		"client_id":       "cid1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTemporaryRedirect, red.Status)
	assert.Equal(t, trust.VendorCanvas, red.Vendor)
	assert.True(t, strings.HasPrefix(red.Location, "https://sso.canvaslms.com/api/lti/authorize_redirect?"), red.Location)
	assert.Contains(t, red.Location, "client_id=cid1")
	assert.Contains(t, red.Location, "redirect_uri=https%3A%2F%2Ftool.example%2Flaunch")

	u, err := url.Parse(red.Location)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "abc", q.Get("login_hint"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, red.State.State, q.Get("state"))
	assert.Equal(t, red.State.Nonce, q.Get("nonce"))
	assert.False(t, q.Has("lti_message_hint"))

	require.Len(t, red.Cookies, 2)
	for _, c := range red.Cookies {
		assert.True(t, c.HttpOnly)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.Equal(t, int(pending.DefaultTTL.Seconds()), c.MaxAge)
	}
	assert.Equal(t, CookieState, red.Cookies[0].Name)
	assert.Equal(t, red.State.State, red.Cookies[0].Value)
	assert.Equal(t, CookieNonce, red.Cookies[1].Name)
	assert.Equal(t, red.State.Nonce, red.Cookies[1].Value)

	saved, err := ps.Lookup(context.Background(), red.State.State)
	require.NoError(t, err)
	assert.Equal(t, red.State.Nonce, saved.Nonce)
	assert.Equal(t, "https://canvas.instructure.com", saved.Issuer)
	assert.Equal(t, "cid1", saved.ClientID)
}

func TestCanvasEnvironments(t *testing.T) {
	in, _ := newCanvasInitiator()
	red, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.beta.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "c",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(red.Location, "https://sso.beta.canvaslms.com/"), red.Location)

	red, err = in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "c",
		"canvas_environment": "test",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(red.Location, "https://sso.test.canvaslms.com/"), red.Location)
}

func TestCanvasRegisteredConfigWins(t *testing.T) {
	cfg := generic()
	cfg.Issuer = "https://canvas.instructure.com"
	cfg.AuthorizationEndpoint = "https://canvas.school.edu/api/lti/authorize_redirect"
	in, _ := newInitiator(cfg)

	red, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(red.Location, "https://canvas.school.edu/"), red.Location)
	assert.Equal(t, "generic-client", red.State.ClientID)
}

func TestCanvasRegisteredRejectsForeignClientID(t *testing.T) {
	cfg := generic()
	cfg.Issuer = "https://canvas.instructure.com"
	cfg.ClientID = "registered-cid"
	in, ps := newInitiator(cfg)
	in.AllowUnregisteredCanvas = true

	v := request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "attacker-cid",
	}
	_, err := in.Initiate(context.Background(), v)
	assert.True(t, errors.Is(err, lti.ErrInvalidInitiationRequest), "got %v", err)
	assert.Zero(t, ps.Len())

	v["client_id"] = "registered-cid"
	red, err := in.Initiate(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "registered-cid", red.State.ClientID)
}

func TestCanvasUnregisteredDisabledByDefault(t *testing.T) {
	in, _ := newInitiator()
	_, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "cid1",
	})
	assert.True(t, errors.Is(err, lti.ErrUnsupportedPlatform), "got %v", err)
}

func TestCanvasUnregisteredNeedsClientID(t *testing.T) {
	in, _ := newCanvasInitiator()
	_, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch",
	})
	assert.True(t, errors.Is(err, lti.ErrInvalidInitiationRequest), "got %v", err)
}

func TestGenericIssuer(t *testing.T) {
	in, _ := newInitiator(generic())
	red, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://lms.example.edu", "login_hint": "u",
		"target_link_uri": "http://localhost:8080/lti/launch",
		"lti_message_hint": "hint-1", "lti_deployment_id": "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, trust.VendorGeneric, red.Vendor)

	u, err := url.Parse(red.Location)
	require.NoError(t, err)
	assert.Equal(t, "lms.example.edu", u.Host)
	q := u.Query()
	assert.Equal(t, "a", q.Get("tenant"), "existing query is preserved")
	assert.Equal(t, "generic-client", q.Get("client_id"))
	assert.Equal(t, "hint-1", q.Get("lti_message_hint"))
	for _, c := range red.Cookies {
		assert.False(t, c.Secure, "http redirect uri")
	}
}

func TestGenericErrors(t *testing.T) {
	in, _ := newInitiator(generic())
	base := func() request.Values {
		return request.Values{
			"iss": "https://lms.example.edu", "login_hint": "u",
			"target_link_uri": "https://tool.example/launch",
		}
	}
	cases := []struct {
		name   string
		mutate func(request.Values)
		want   error
	}{
		{"unknown issuer", func(v request.Values) { v["iss"] = "https://other.example" }, lti.ErrUnsupportedPlatform},
		{"unknown deployment", func(v request.Values) { v["deployment_id"] = "dep-9" }, lti.ErrUnsupportedPlatform},
		{"wrong client", func(v request.Values) { v["client_id"] = "someone-else" }, lti.ErrInvalidInitiationRequest},
		{"blackboard", func(v request.Values) { v["iss"] = "https://blackboard.com" }, lti.ErrUnsupportedPlatform},
		{"missing iss", func(v request.Values) { delete(v, "iss") }, lti.ErrInvalidInitiationRequest},
		{"missing hint", func(v request.Values) { delete(v, "login_hint") }, lti.ErrInvalidInitiationRequest},
		{"relative target", func(v request.Values) { v["target_link_uri"] = "/launch" }, lti.ErrInvalidInitiationRequest},
		{"non-string iss", func(v request.Values) { v["iss"] = 42.0 }, lti.ErrInvalidInitiationRequest},
		{"non-string hint extra", func(v request.Values) { v["lti_message_hint"] = true }, lti.ErrInvalidInitiationRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := base()
			tc.mutate(v)
			_, err := in.Initiate(context.Background(), v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestStateAndNonceAreUniqueAndRecoverable(t *testing.T) {
	in, ps := newCanvasInitiator()
	now := time.Now()
	in.Now = func() time.Time { return now }
	ctx := context.Background()

	seen := map[string]bool{}
	var states []string
	for i := 0; i < 50; i++ {
		red, err := in.Initiate(ctx, request.Values{
			"iss": "https://canvas.instructure.com", "login_hint": "a",
			"target_link_uri": "https://tool.example/launch", "client_id": "c",
		})
		require.NoError(t, err)
		for _, s := range []string{red.State.State, red.State.Nonce} {
			assert.False(t, seen[s], "duplicate token %s", s)
			seen[s] = true
			raw, err := base64.RawURLEncoding.DecodeString(s)
			require.NoError(t, err)
			assert.Len(t, raw, 32)
		}
		states = append(states, red.State.State)
	}
	for _, s := range states {
		_, err := ps.Lookup(ctx, s)
		assert.NoError(t, err)
	}
}

func TestRandomFailureIsInternal(t *testing.T) {
	in, _ := newCanvasInitiator()
	in.Random = bytes.NewReader(nil)
	_, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "c",
	})
	assert.Equal(t, lti.ReasonInternal, lti.ReasonOf(err))
}

func TestCustomTTL(t *testing.T) {
	in, _ := newCanvasInitiator()
	in.TTL = 90 * time.Second
	red, err := in.Initiate(context.Background(), request.Values{
		"iss": "https://canvas.instructure.com", "login_hint": "a",
		"target_link_uri": "https://tool.example/launch", "client_id": "c",
	})
	require.NoError(t, err)
	assert.Equal(t, 90, red.Cookies[0].MaxAge)
	assert.Equal(t, 90*time.Second, red.State.ExpiresAt.Sub(red.State.IssuedAt))
}
