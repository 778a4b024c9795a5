// Package fakeplatform is an httptest-backed LTI Platform used by tests: it
// publishes a JWKS, serves an openid-configuration document, accepts dynamic
// registrations, mints signed ID tokens and runs a small AGS gradebook behind
// a client_credentials token endpoint.
package fakeplatform

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

const (
	KeyID    = "platform-key-1"
	ClientID = "10000000000042"
	Token    = "reg-token-123"

	// AccessToken is issued by the token endpoint and required by AGS calls.
	AccessToken = "ags-token-1"
)

// Platform is a fake LTI platform. Fields may be changed before requests are made.
type Platform struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey
	KID    string

	mu sync.Mutex
	// Discovery overrides the generated openid-configuration when non-nil.
	Discovery map[string]any
	// DiscoveryStatus, when non-zero, is returned instead of the document.
	DiscoveryStatus int
	// RegistrationStatus, when non-zero, is returned by the registration endpoint.
	RegistrationStatus int
	// Registered holds the last client metadata POSTed for registration.
	Registered map[string]any

	// ToolKey, when set, must verify the client assertion at the token endpoint.
	ToolKey *rsa.PublicKey
	// LineItems and Scores hold what the AGS endpoints received.
	LineItems []map[string]any
	Scores    []map[string]any

	JWKSHits         atomic.Int32
	TokenHits        atomic.Int32
	RegistrationAuth string
	DiscoveryAuth    string
}

// New starts a platform with a fresh 2048-bit RSA key.
func New(t testing.TB) *Platform {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Platform{Key: key, KID: KeyID}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", p.serveJWKS)
	mux.HandleFunc("/.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("/register", p.serveRegister)
	mux.HandleFunc("/token", p.serveToken)
	mux.HandleFunc("/ctx/lineitems", p.bearer(p.serveLineItems))
	mux.HandleFunc("/ctx/lineitems/", p.bearer(p.serveScores))
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Platform) Issuer() string       { return p.Server.URL }
func (p *Platform) JWKSURL() string      { return p.Server.URL + "/jwks" }
func (p *Platform) AuthURL() string      { return p.Server.URL + "/authorize" }
func (p *Platform) DiscoveryURL() string { return p.Server.URL + "/.well-known/openid-configuration" }
func (p *Platform) TokenURL() string     { return p.Server.URL + "/token" }
func (p *Platform) LineItemsURL() string { return p.Server.URL + "/ctx/lineitems" }

// Rotate replaces the signing key and kid.
func (p *Platform) Rotate(t testing.TB, kid string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.mu.Lock()
	p.Key, p.KID = key, kid
	p.mu.Unlock()
}

// Claims returns a valid LTI resource-link claim set for the given nonce.
func (p *Platform) Claims(nonce, deploymentID string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   p.Issuer(),
		"aud":   ClientID,
		"sub":   "user-7",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"https://purl.imsglobal.org/spec/lti/claim/message_type":    "LtiResourceLinkRequest",
		"https://purl.imsglobal.org/spec/lti/claim/version":         "1.3.0",
		"https://purl.imsglobal.org/spec/lti/claim/deployment_id":   deploymentID,
		"https://purl.imsglobal.org/spec/lti/claim/target_link_uri": "https://tool.example/lti/launch",
		"https://purl.imsglobal.org/spec/lti/claim/resource_link":   map[string]any{"id": "rl-1"},
		"https://purl.imsglobal.org/spec/lti/claim/roles": []string{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		},
		"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint": map[string]any{
			"scope":     []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
			"lineitems": p.LineItemsURL(),
		},
	}
}

// Sign signs claims with RS256 and the current kid.
func (p *Platform) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	p.mu.Lock()
	key, kid := p.Key, p.KID
	p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

// SignNone produces an unsigned alg=none token.
func (p *Platform) SignNone(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tok.Header["kid"] = p.KID
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}

func (p *Platform) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.JWKSHits.Add(1)
	p.mu.Lock()
	pub, kid := &p.Key.PublicKey, p.KID
	p.mu.Unlock()

	k, err := jwk.Import(pub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, "RS256")
	_ = k.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	_ = set.AddKey(k)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// DefaultDiscovery is the openid-configuration the platform serves.
func (p *Platform) DefaultDiscovery() map[string]any {
	return map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.AuthURL(),
		"token_endpoint":                        p.TokenURL(),
		"jwks_uri":                              p.JWKSURL(),
		"registration_endpoint":                 p.Server.URL + "/register",
		"scopes_supported":                      []string{"openid", "https://purl.imsglobal.org/spec/lti-ags/scope/score"},
		"response_types_supported":              []string{"id_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"https://purl.imsglobal.org/spec/lti-platform-configuration": map[string]any{
			"product_family_code": "fake",
			"version":             "1.0",
			"messages_supported": []map[string]any{
				{"type": "LtiResourceLinkRequest"},
				{"type": "LtiDeepLinkingRequest"},
			},
		},
	}
}

func (p *Platform) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.DiscoveryAuth = r.Header.Get("Authorization")
	status, doc := p.DiscoveryStatus, p.Discovery
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if doc == nil {
		doc = p.DefaultDiscovery()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *Platform) serveRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.RegistrationAuth = r.Header.Get("Authorization")
	p.Registered = body
	status := p.RegistrationStatus
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "content type", http.StatusUnsupportedMediaType)
		return
	}
	body["client_id"] = ClientID
	if tc, ok := body["https://purl.imsglobal.org/spec/lti-tool-configuration"].(map[string]any); ok {
		tc["deployment_id"] = "dep-1"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// LastRegistration returns the last registration body and its Authorization header.
func (p *Platform) LastRegistration() (map[string]any, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Registered, p.RegistrationAuth
}

// LastDiscoveryAuth returns the Authorization header of the last discovery fetch.
func (p *Platform) LastDiscoveryAuth() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DiscoveryAuth
}

func (p *Platform) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	p.mu.Lock()
	pub := p.ToolKey
	p.mu.Unlock()
	if pub != nil {
		_, err := jwt.Parse(r.PostForm.Get("client_assertion"), func(*jwt.Token) (any, error) { return pub, nil },
			jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(p.TokenURL()))
		if err != nil {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
			return
		}
	}
	p.TokenHits.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (p *Platform) bearer(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+AccessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (p *Platform) serveLineItems(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		out := []map[string]any{}
		rl := r.URL.Query().Get("resource_link_id")
		for _, it := range p.LineItems {
			if rl == "" || it["resourceLinkId"] == rl {
				out = append(out, it)
			}
		}
		w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitemcontainer+json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var it map[string]any
		if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		it["id"] = p.LineItemsURL() + "/" + strconv.Itoa(len(p.LineItems)+1)
		p.LineItems = append(p.LineItems, it)
		w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(it)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveScores accepts POST /ctx/lineitems/{n}/scores for existing line items.
func (p *Platform) serveScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/scores") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id := p.Server.URL + strings.TrimSuffix(r.URL.Path, "/scores")
	var score map[string]any
	if err := json.NewDecoder(r.Body).Decode(&score); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, it := range p.LineItems {
		if it["id"] == id {
			found = true
		}
	}
	if !found {
		http.Error(w, "line item not found", http.StatusNotFound)
		return
	}
	score["lineItem"] = id
	p.Scores = append(p.Scores, score)
	w.WriteHeader(http.StatusNoContent)
}

// PostedScores returns the scores received so far.
func (p *Platform) PostedScores() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.Scores...)
}
