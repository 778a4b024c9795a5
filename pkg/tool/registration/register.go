// pkg/tool/registration/register.go
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

/*
LTI dynamic registration (Tool side)

An administrator starts registration in the platform, which opens the Tool's
registration URL with:

  openid_configuration   URL of the platform discovery document
  registration_token     optional bearer token for the calls below

The Tool fetches the document, validates it and builds its client metadata.
With TwoWay set and a registration_endpoint advertised, the metadata is
POSTed to the platform and the returned client_id (and deployment_id, if
any) are stored as a new trust record. Nothing is stored unless every step
succeeds.
*/

// DefaultTimeout bounds each upstream call.
const DefaultTimeout = 10 * time.Second

const maxUpstreamBody = 1 << 20

// Registrar runs dynamic registration.
type Registrar struct {
	Tool  ToolConfig
	Trust trust.Store

	Client  *http.Client  // base transport, default http.DefaultClient
	Timeout time.Duration // per upstream call, default DefaultTimeout
	TwoWay  bool          // POST the payload and store the resulting trust record
	Logger  *zap.SugaredLogger
}

// Result describes a completed registration.
type Result struct {
	Discovery *Discovery `json:"discovery"`
	Payload   *Payload   `json:"payload"`
	// Registered is true when the platform accepted the payload.
	Registered bool                       `json:"registered"`
	Platform   *trust.PlatformTrustConfig `json:"platform,omitempty"`
}

// Response is the platform's answer to a registration POST.
type Response struct {
	ClientID          string `json:"client_id"`
	ToolConfiguration struct {
		DeploymentID string `json:"deployment_id"`
	} `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

// Register handles one registration request.
func (r *Registrar) Register(ctx context.Context, in request.Values) (*Result, error) {
	res, err := r.register(ctx, in)
	if err != nil {
		r.logger().Warnw("registration failed", "reason", lti.ReasonOf(err), "error", err)
		return nil, err
	}
	if res.Registered {
		r.logger().Infow("platform registered",
			"iss", res.Platform.Issuer, "client_id", res.Platform.ClientID,
			"deployments", res.Platform.DeploymentIDs, "product_family", res.Platform.ProductFamily)
	} else {
		r.logger().Infow("registration payload built", "iss", res.Discovery.Issuer)
	}
	return res, nil
}

func (r *Registrar) register(ctx context.Context, in request.Values) (*Result, error) {
	discoveryURL, err := in.RequireString("openid_configuration")
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInvalidRegistrationRequest, err)
	}
	if !isHTTPURL(discoveryURL) {
		return nil, lti.Errorf(lti.ReasonInvalidRegistrationRequest, "openid_configuration must be an absolute http(s) URL")
	}
	token, err := in.OptionalString("registration_token")
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInvalidRegistrationRequest, err)
	}

	client := r.httpClient(ctx, token)

	d, err := r.fetchDiscovery(ctx, client, discoveryURL)
	if err != nil {
		return nil, err
	}
	payload, err := BuildPayload(r.Tool, d)
	if err != nil {
		return nil, err
	}
	res := &Result{Discovery: d, Payload: payload}
	if !r.TwoWay || d.RegistrationEndpoint == "" {
		return res, nil
	}

	resp, err := r.post(ctx, client, d.RegistrationEndpoint, payload)
	if err != nil {
		return nil, err
	}

	cfg := trust.PlatformTrustConfig{
		Issuer:                d.Issuer,
		ClientID:              resp.ClientID,
		AuthorizationEndpoint: d.AuthorizationEndpoint,
		TokenEndpoint:         d.TokenEndpoint,
		KeySetURI:             d.JWKSURI,
		ProductFamily:         d.Platform.ProductFamilyCode,
	}
	if dep := resp.ToolConfiguration.DeploymentID; dep != "" {
		cfg.DeploymentIDs = []string{dep}
	}
	if err := r.Trust.Upsert(ctx, cfg); err != nil {
		return nil, lti.Errorf(lti.ReasonInternal, "store trust config: %w", err)
	}
	stored, err := r.Trust.Lookup(ctx, cfg.Issuer)
	if err != nil {
		return nil, lti.Errorf(lti.ReasonInternal, "reload trust config: %w", err)
	}
	res.Registered = true
	res.Platform = &stored
	return res, nil
}

// httpClient returns a client that sends token as a bearer credential.
func (r *Registrar) httpClient(ctx context.Context, token string) *http.Client {
	base := r.Client
	if base == nil {
		base = http.DefaultClient
	}
	if token == "" {
		return base
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

func (r *Registrar) fetchDiscovery(ctx context.Context, client *http.Client, discoveryURL string) (*Discovery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInvalidRegistrationRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	body, status, err := do(client, req)
	if err != nil {
		return nil, upstreamError(lti.ReasonDiscoveryFetchFailed, err)
	}
	if status < 200 || status > 299 {
		return nil, &lti.Error{
			Reason:         lti.ReasonDiscoveryFetchFailed,
			Err:            fmt.Errorf("GET %s: status %d", discoveryURL, status),
			UpstreamStatus: status,
		}
	}
	return ParseDiscovery(body, discoveryURL)
}

func (r *Registrar) post(ctx context.Context, client *http.Client, endpoint string, p *Payload) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	b, err := json.Marshal(p)
	if err != nil {
		return nil, lti.Wrap(lti.ReasonInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, lti.Wrap(lti.ReasonRegistrationRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	body, status, err := do(client, req)
	if err != nil {
		return nil, upstreamError(lti.ReasonRegistrationRejected, err)
	}
	if status < 200 || status > 299 {
		return nil, &lti.Error{
			Reason:         lti.ReasonRegistrationRejected,
			Err:            fmt.Errorf("POST %s: status %d: %s", endpoint, status, bytes.TrimSpace(body)),
			UpstreamStatus: status,
		}
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, lti.Errorf(lti.ReasonRegistrationRejected, "decode response: %w", err)
	}
	if resp.ClientID == "" {
		return nil, lti.Errorf(lti.ReasonRegistrationRejected, "response has no client_id")
	}
	return &resp, nil
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func upstreamError(reason lti.Reason, err error) *lti.Error {
	e := lti.Wrap(reason, err)
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e.Timeout = true
	}
	return e
}

func (r *Registrar) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Registrar) logger() *zap.SugaredLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop().Sugar()
}
