package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/fakeplatform"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

func testTool() ToolConfig {
	return ToolConfig{
		Name:             "MindEngage",
		Description:      "Assessments",
		InitiateLoginURI: "https://tool.example/lti/login",
		RedirectURIs:     []string{"https://tool.example/lti/launch"},
		TargetLinkURI:    "https://tool.example/lti/launch",
		JWKSURI:          "https://tool.example/.well-known/jwks.json",
		Scopes:           []string{lti.ScopeScore, lti.ScopeLineItem},
		PrivacyLevel:     "public",
		Messages: []Message{
			{Type: lti.MessageResourceLink, Label: "MindEngage"},
			{Type: lti.MessageDeepLinking, Placements: []string{"ContentArea"}},
			{Type: "LtiSubmissionReviewRequest"},
		},
	}
}

func newRegistrar(ts trust.Store) *Registrar {
	return &Registrar{Tool: testTool(), Trust: ts, TwoWay: true, Timeout: 2 * time.Second}
}

func TestRegisterTwoWay(t *testing.T) {
	p := fakeplatform.New(t)
	ts := trust.NewMemoryStore()
	r := newRegistrar(ts)

	res, err := r.Register(context.Background(), request.Values{
		"openid_configuration": p.DiscoveryURL(),
		"registration_token":   fakeplatform.Token,
	})
	require.NoError(t, err)
	require.True(t, res.Registered)

	assert.Equal(t, "Bearer "+fakeplatform.Token, p.LastDiscoveryAuth())
	body, auth := p.LastRegistration()
	assert.Equal(t, "Bearer "+fakeplatform.Token, auth)
	assert.Equal(t, "private_key_jwt", body["token_endpoint_auth_method"])
	assert.Equal(t, lti.ScopeScore, body["scope"])

	tc := body[lti.ToolConfigurationKey].(map[string]any)
	assert.Equal(t, "tool.example", tc["domain"])
	assert.Len(t, tc["messages"], 2)

	cfg, err := ts.Lookup(context.Background(), p.Issuer())
	require.NoError(t, err)
	assert.Equal(t, fakeplatform.ClientID, cfg.ClientID)
	assert.Equal(t, p.AuthURL(), cfg.AuthorizationEndpoint)
	assert.Equal(t, p.JWKSURL(), cfg.KeySetURI)
	assert.Equal(t, []string{"dep-1"}, cfg.DeploymentIDs)
	assert.Equal(t, "fake", cfg.ProductFamily)
	assert.Equal(t, cfg, *res.Platform)
}

func TestRegisterWithoutTokenSendsNoAuthorization(t *testing.T) {
	p := fakeplatform.New(t)
	r := newRegistrar(trust.NewMemoryStore())

	_, err := r.Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
	require.NoError(t, err)
	assert.Empty(t, p.LastDiscoveryAuth())
	_, auth := p.LastRegistration()
	assert.Empty(t, auth)
}

func TestRegisterOneWayStoresNothing(t *testing.T) {
	p := fakeplatform.New(t)
	ts := trust.NewMemoryStore()
	r := newRegistrar(ts)
	r.TwoWay = false

	res, err := r.Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Nil(t, res.Platform)
	assert.Equal(t, p.Issuer(), res.Discovery.Issuer)
	assert.Equal(t, "MindEngage", res.Payload.ClientName)

	body, _ := p.LastRegistration()
	assert.Nil(t, body)
	list, err := ts.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegisterRequestShape(t *testing.T) {
	r := newRegistrar(trust.NewMemoryStore())
	for name, in := range map[string]request.Values{
		"missing":    {},
		"not a url":  {"openid_configuration": "platform.example/config"},
		"non string": {"openid_configuration": 42},
		"bad token":  {"openid_configuration": "https://platform.example/config", "registration_token": []any{"x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Register(context.Background(), in)
			require.ErrorIs(t, err, lti.ErrInvalidRegistrationRequest)
			assert.Equal(t, http.StatusBadRequest, lti.HTTPStatus(err))
		})
	}
}

func TestRegisterDiscoveryStatusPropagates(t *testing.T) {
	p := fakeplatform.New(t)
	p.DiscoveryStatus = http.StatusForbidden
	ts := trust.NewMemoryStore()

	_, err := newRegistrar(ts).Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
	require.ErrorIs(t, err, lti.ErrDiscoveryFetchFailed)
	assert.Equal(t, http.StatusForbidden, lti.HTTPStatus(err))
}

func TestRegisterDiscoveryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/.well-known/openid-configuration"
	srv.Close()

	_, err := newRegistrar(trust.NewMemoryStore()).Register(context.Background(), request.Values{"openid_configuration": url})
	require.ErrorIs(t, err, lti.ErrDiscoveryFetchFailed)
	assert.Equal(t, http.StatusBadGateway, lti.HTTPStatus(err))
}

func TestRegisterDiscoveryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	r := newRegistrar(trust.NewMemoryStore())
	r.Timeout = 50 * time.Millisecond
	_, err := r.Register(context.Background(), request.Values{"openid_configuration": srv.URL + "/config"})
	require.ErrorIs(t, err, lti.ErrDiscoveryFetchFailed)
	assert.Equal(t, http.StatusGatewayTimeout, lti.HTTPStatus(err))
}

func TestRegisterMalformedDiscovery(t *testing.T) {
	cases := map[string]func(d map[string]any){
		"no issuer":           func(d map[string]any) { delete(d, "issuer") },
		"no jwks":             func(d map[string]any) { delete(d, "jwks_uri") },
		"no authorization":    func(d map[string]any) { d["authorization_endpoint"] = "not a url" },
		"no platform block":   func(d map[string]any) { delete(d, lti.PlatformConfigurationKey) },
		"issuer not a prefix": func(d map[string]any) { d["issuer"] = "https://elsewhere.example" },
		"issuer other scheme": func(d map[string]any) { d["issuer"] = strings.Replace(d["issuer"].(string), "http://", "https://", 1) },
		"issuer port prefix":  func(d map[string]any) { s := d["issuer"].(string); d["issuer"] = s[:len(s)-1] },
		"issuer mid-segment":  func(d map[string]any) { d["issuer"] = d["issuer"].(string) + "/.well" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := fakeplatform.New(t)
			d := p.DefaultDiscovery()
			mutate(d)
			p.Discovery = d
			ts := trust.NewMemoryStore()

			_, err := newRegistrar(ts).Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
			require.ErrorIs(t, err, lti.ErrMalformedDiscoveryDocument)
			assert.Equal(t, http.StatusBadGateway, lti.HTTPStatus(err))
			body, _ := p.LastRegistration()
			assert.Nil(t, body)
		})
	}
}

func TestParseDiscoveryIssuerBinding(t *testing.T) {
	doc := func(issuer string) []byte {
		d := map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": "https://evil.example/auth",
			"jwks_uri":               "https://evil.example/jwks",
		}
		d[lti.PlatformConfigurationKey] = map[string]any{"product_family_code": "canvas"}
		b, err := json.Marshal(d)
		require.NoError(t, err)
		return b
	}
	cases := []struct {
		issuer, configURL string
		ok                bool
	}{
		{"https://canvas.instructure.com", "https://canvas.instructure.com/.well-known/openid-configuration", true},
		{"https://canvas.instructure.com/", "https://canvas.instructure.com/.well-known/openid-configuration", true},
		{"https://lms.example/tenant-a", "https://lms.example/tenant-a/.well-known/openid-configuration", true},
		{"https://LMS.example", "https://lms.example/openid-configuration", true},
		{"https://canvas.instructure.com", "https://canvas.instructure.com.evil.example/.well-known/openid-configuration", false},
		{"https://canvas.instructure.com", "https://canvas.instructure.com@evil.example/.well-known/openid-configuration", false},
		{"https://canvas.instructure.com", "http://canvas.instructure.com/.well-known/openid-configuration", false},
		{"https://lms.example:8443", "https://lms.example:8443444/x", false},
		{"https://lms.example/tenant-a", "https://lms.example/tenant-ab/.well-known/openid-configuration", false},
		{"https://lms.example/tenant-a", "https://lms.example/.well-known/openid-configuration", false},
	}
	for _, tc := range cases {
		t.Run(tc.configURL, func(t *testing.T) {
			_, err := ParseDiscovery(doc(tc.issuer), tc.configURL)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, lti.ErrMalformedDiscoveryDocument)
		})
	}
}

func TestRegisterRejectedStoresNothing(t *testing.T) {
	p := fakeplatform.New(t)
	p.RegistrationStatus = http.StatusBadRequest
	ts := trust.NewMemoryStore()

	_, err := newRegistrar(ts).Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
	require.ErrorIs(t, err, lti.ErrRegistrationRejected)
	assert.Equal(t, http.StatusBadRequest, lti.HTTPStatus(err))

	_, err = ts.Lookup(context.Background(), p.Issuer())
	require.ErrorIs(t, err, trust.ErrNotFound)
}

func TestRegisterWithoutEndpointIsOneWay(t *testing.T) {
	p := fakeplatform.New(t)
	d := p.DefaultDiscovery()
	delete(d, "registration_endpoint")
	p.Discovery = d

	res, err := newRegistrar(trust.NewMemoryStore()).Register(context.Background(), request.Values{"openid_configuration": p.DiscoveryURL()})
	require.NoError(t, err)
	assert.False(t, res.Registered)
}

func TestBuildPayloadNarrowsToPlatform(t *testing.T) {
	d := &Discovery{
		Issuer:          "https://platform.example",
		ScopesSupported: []string{lti.ScopeLineItem},
		Platform: &PlatformConfiguration{
			MessagesSupported: []MessageSupport{{Type: lti.MessageResourceLink}},
		},
	}
	p, err := BuildPayload(testTool(), d)
	require.NoError(t, err)
	assert.Equal(t, lti.ScopeLineItem, p.Scope)
	require.Len(t, p.ToolConfiguration.Messages, 1)
	assert.Equal(t, lti.MessageResourceLink, p.ToolConfiguration.Messages[0].Type)
	assert.Equal(t, DefaultClaims, p.ToolConfiguration.Claims)
	assert.Equal(t, []string{"client_credentials", "implicit"}, p.GrantTypes)
	assert.Equal(t, []string{"id_token"}, p.ResponseTypes)

	d.Platform.MessagesSupported = []MessageSupport{{Type: "Other"}}
	_, err = BuildPayload(testTool(), d)
	require.ErrorIs(t, err, lti.ErrRegistrationRejected)
}

func TestBuildPayloadKeepsEverythingWhenPlatformIsSilent(t *testing.T) {
	p, err := BuildPayload(testTool(), &Discovery{Platform: &PlatformConfiguration{}})
	require.NoError(t, err)
	assert.Len(t, p.ToolConfiguration.Messages, 3)
	assert.Equal(t, lti.ScopeScore+" "+lti.ScopeLineItem, p.Scope)
}

func TestToolConfigValidate(t *testing.T) {
	require.NoError(t, testTool().Validate())

	tc := testTool()
	tc.Name = " "
	require.Error(t, tc.Validate())

	tc = testTool()
	tc.RedirectURIs = nil
	require.Error(t, tc.Validate())

	tc = testTool()
	tc.JWKSURI = "/jwks"
	require.Error(t, tc.Validate())
}
