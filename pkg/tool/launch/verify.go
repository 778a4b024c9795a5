// pkg/tool/launch/verify.go
package launch

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/pending"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

/*
ID token verification (LTI launch)

The platform form-POSTs id_token and state to the Tool's redirect URI. The
checks run in a fixed order and stop at the first failure:

  1. request shape: id_token and state are strings
  2. state is consumed from the pending store (once, atomically)
  3. alg is allow-listed, signature verifies against the platform key set
  4. iss equals the registered issuer
  5. aud contains our client_id; azp when present/required
  6. exp in the future, iat not too old, iat/nbf not in the future
  7. nonce equals the nonce bound to the state
  8. deployment_id is registered

The state stays consumed whatever happens after step 2, so a failed launch
cannot be replayed.
*/

// KeySource resolves platform verification keys (see keyset.Cache).
type KeySource interface {
	PublicKey(ctx context.Context, uri, kid string) (any, error)
}

// DefaultAlgorithms is the signing allow-list when none is configured.
var DefaultAlgorithms = []string{"RS256"}

// Verifier validates launch requests.
type Verifier struct {
	Trust   trust.Store
	Pending pending.Store
	Keys    KeySource

	Algorithms  []string      // allow-list, default DefaultAlgorithms; "none" is never accepted
	ClockSkew   time.Duration // tolerance for iat/nbf in the future
	MaxTokenAge time.Duration // reject iat older than this; 0 disables

	// AllowUnregisteredCanvas trusts hosted Canvas issuers without a trust
	// record, taking the client_id bound to the state at login.
	AllowUnregisteredCanvas bool

	Now    func() time.Time
	Logger *zap.SugaredLogger
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Verify runs the pipeline on a normalized launch request.
func (v *Verifier) Verify(ctx context.Context, in request.Values) (*Claims, error) {
	c, st, err := v.verify(ctx, in)
	if err != nil {
		v.logger().Warnw("launch rejected",
			"reason", lti.ReasonOf(err), "iss", st.Issuer, "state", prefix(st.State), "error", err)
		return nil, err
	}
	v.logger().Infow("launch verified",
		"iss", c.Issuer, "sub", c.Subject, "deployment_id", c.DeploymentID,
		"message_type", c.MessageType, "launch_id", c.LaunchID)
	return c, nil
}

func (v *Verifier) verify(ctx context.Context, in request.Values) (*Claims, pending.AuthState, error) {
	// 1. shape
	idToken, err := in.RequireString("id_token")
	if err != nil {
		return nil, pending.AuthState{}, lti.Wrap(lti.ReasonInvalidLaunchRequest, err)
	}
	state, err := in.RequireString("state")
	if err != nil {
		return nil, pending.AuthState{}, lti.Wrap(lti.ReasonInvalidLaunchRequest, err)
	}
	storageTarget, err := in.OptionalString("lti_storage_target")
	if err != nil {
		return nil, pending.AuthState{}, lti.Wrap(lti.ReasonInvalidLaunchRequest, err)
	}
	for _, k := range []string{"utf8", "authenticity_token"} {
		if _, err := in.OptionalString(k); err != nil {
			return nil, pending.AuthState{}, lti.Wrap(lti.ReasonInvalidLaunchRequest, err)
		}
	}

	// 2. consume state
	st, err := v.Pending.Consume(ctx, state)
	switch {
	case errors.Is(err, pending.ErrNotFound), errors.Is(err, pending.ErrExpired):
		return nil, pending.AuthState{State: state}, lti.Wrap(lti.ReasonUnknownOrExpiredState, err)
	case err != nil:
		return nil, pending.AuthState{State: state}, lti.Errorf(lti.ReasonInternal, "consume state: %w", err)
	}

	cfg, err := v.trustFor(ctx, st)
	if err != nil {
		return nil, st, err
	}
	clientID := cfg.ClientID

	// 3. algorithm + signature
	hdr, payload, err := splitToken(idToken)
	if err != nil {
		return nil, st, lti.Wrap(lti.ReasonInvalidSignature, err)
	}
	algs := v.algorithms()
	if !slices.Contains(algs, hdr.Alg) {
		return nil, st, lti.Errorf(lti.ReasonUnsupportedAlgorithm, "alg %q", hdr.Alg)
	}
	key, err := v.Keys.PublicKey(ctx, cfg.KeySetURI, hdr.Kid)
	if err != nil {
		return nil, st, lti.Wrap(lti.ReasonInvalidSignature, err)
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(algs), jwt.WithoutClaimsValidation(), jwt.WithJSONNumber())
	if _, err := parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return nil, st, lti.Wrap(lti.ReasonInvalidSignature, err)
	}

	// 4. issuer
	iss, _ := claims.GetIssuer()
	if iss != cfg.Issuer {
		return nil, st, lti.Errorf(lti.ReasonIssuerMismatch, "got %q want %q", iss, cfg.Issuer)
	}

	// 5. audience / authorized party
	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains([]string(aud), clientID) {
		return nil, st, lti.Errorf(lti.ReasonAudienceMismatch, "client_id %q not in aud %v", clientID, aud)
	}
	azp, hasAzp := claims["azp"]
	if len(aud) > 1 && !hasAzp {
		return nil, st, lti.Errorf(lti.ReasonAuthorizedPartyMismatch, "azp required with %d audiences", len(aud))
	}
	if hasAzp {
		if s, ok := azp.(string); !ok || s != clientID {
			return nil, st, lti.Errorf(lti.ReasonAuthorizedPartyMismatch, "azp %v", azp)
		}
	}

	// 6. time
	now := v.now()
	exp, iat, err := v.checkTimes(claims, now)
	if err != nil {
		return nil, st, err
	}

	// 7. nonce
	nonce, _ := claims["nonce"].(string)
	if subtle.ConstantTimeCompare([]byte(nonce), []byte(st.Nonce)) != 1 {
		return nil, st, lti.Errorf(lti.ReasonNonceMismatch, "nonce does not match state")
	}

	// 8. deployment
	var deploymentID string
	if raw, ok := claims[lti.ClaimDeploymentID]; ok {
		s, isStr := raw.(string)
		if !isStr || !cfg.AllowsDeployment(s) {
			return nil, st, lti.Errorf(lti.ReasonDeploymentMismatch, "deployment %v not registered for %s", raw, cfg.Issuer)
		}
		deploymentID = s
	}

	sub, _ := claims.GetSubject()
	out := &Claims{
		Issuer:        iss,
		Audience:      []string(aud),
		Subject:       sub,
		Nonce:         nonce,
		IssuedAt:      iat,
		ExpiresAt:     exp,
		DeploymentID:  deploymentID,
		StorageTarget: storageTarget,
		LaunchID:      uuid.NewString(),
		Claims:        claims,
		Raw:           payload,
	}
	out.MessageType = out.String(lti.ClaimMessageType)
	out.Version = out.String(lti.ClaimVersion)
	out.TargetLinkURI = out.String(lti.ClaimTargetLink)
	return out, st, nil
}

// trustFor loads the trust material for the issuer bound to the state. A
// stored record always wins; unregistered hosted Canvas falls back to its
// published endpoints only when AllowUnregisteredCanvas is set.
func (v *Verifier) trustFor(ctx context.Context, st pending.AuthState) (trust.PlatformTrustConfig, error) {
	cfg, err := v.Trust.Lookup(ctx, st.Issuer)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, trust.ErrNotFound) {
		return trust.PlatformTrustConfig{}, lti.Wrap(lti.ReasonInternal, err)
	}
	switch trust.VendorOf(st.Issuer) {
	case trust.VendorCanvas:
		if v.AllowUnregisteredCanvas && st.ClientID != "" {
			return trust.CanvasDefaults(st.Issuer, trust.CanvasEnvironment(st.Issuer), st.ClientID), nil
		}
	case trust.VendorBlackboard, trust.VendorGeneric:
	}
	return trust.PlatformTrustConfig{}, err
}

func (v *Verifier) checkTimes(claims jwt.MapClaims, now time.Time) (exp, iat time.Time, err error) {
	expAt, e := claims.GetExpirationTime()
	if e != nil || expAt == nil {
		return exp, iat, lti.Errorf(lti.ReasonTokenExpired, "exp missing or invalid")
	}
	exp = expAt.Time
	if !now.Before(exp) {
		return exp, iat, lti.Errorf(lti.ReasonTokenExpired, "expired at %s", exp.UTC().Format(time.RFC3339))
	}

	iatAt, e := claims.GetIssuedAt()
	if e != nil {
		return exp, iat, lti.Errorf(lti.ReasonTokenNotYetValid, "iat invalid")
	}
	if iatAt != nil {
		iat = iatAt.Time
		if iat.After(now.Add(v.ClockSkew)) {
			return exp, iat, lti.Errorf(lti.ReasonTokenNotYetValid, "issued at %s", iat.UTC().Format(time.RFC3339))
		}
	}
	if v.MaxTokenAge > 0 {
		if iatAt == nil {
			return exp, iat, lti.Errorf(lti.ReasonTokenExpired, "iat missing")
		}
		if now.Sub(iat) > v.MaxTokenAge+v.ClockSkew {
			return exp, iat, lti.Errorf(lti.ReasonTokenExpired, "issued %s ago", now.Sub(iat).Round(time.Second))
		}
	}

	nbf, e := claims.GetNotBefore()
	if e != nil {
		return exp, iat, lti.Errorf(lti.ReasonTokenNotYetValid, "nbf invalid")
	}
	if nbf != nil && nbf.Time.After(now.Add(v.ClockSkew)) {
		return exp, iat, lti.Errorf(lti.ReasonTokenNotYetValid, "not before %s", nbf.Time.UTC().Format(time.RFC3339))
	}
	return exp, iat, nil
}

// splitToken decodes the JOSE header and payload of a compact JWS.
func splitToken(tok string) (header, json.RawMessage, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return header{}, nil, fmt.Errorf("token has %d segments", len(parts))
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return header{}, nil, fmt.Errorf("header: %w", err)
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return header{}, nil, fmt.Errorf("header: %w", err)
	}
	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return header{}, nil, fmt.Errorf("payload: %w", err)
	}
	if !json.Valid(pb) || !bytes.HasPrefix(bytes.TrimSpace(pb), []byte("{")) {
		return header{}, nil, errors.New("payload is not a JSON object")
	}
	return h, json.RawMessage(pb), nil
}

func (v *Verifier) algorithms() []string {
	src := v.Algorithms
	if len(src) == 0 {
		src = DefaultAlgorithms
	}
	out := make([]string, 0, len(src))
	for _, a := range src {
		if a != "" && !strings.EqualFold(a, "none") {
			out = append(out, a)
		}
	}
	return out
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) logger() *zap.SugaredLogger {
	if v.Logger != nil {
		return v.Logger
	}
	return zap.NewNop().Sugar()
}

func prefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
