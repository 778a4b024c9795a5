// pkg/tool/registration/discovery.go
package registration

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

// Discovery is the subset of a platform's openid-configuration the Tool uses.
type Discovery struct {
	Issuer                           string                 `json:"issuer"`
	AuthorizationEndpoint            string                 `json:"authorization_endpoint"`
	TokenEndpoint                    string                 `json:"token_endpoint"`
	JWKSURI                          string                 `json:"jwks_uri"`
	RegistrationEndpoint             string                 `json:"registration_endpoint,omitempty"`
	ScopesSupported                  []string               `json:"scopes_supported,omitempty"`
	ResponseTypesSupported           []string               `json:"response_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string               `json:"id_token_signing_alg_values_supported,omitempty"`
	Platform                         *PlatformConfiguration `json:"https://purl.imsglobal.org/spec/lti-platform-configuration"`
}

// PlatformConfiguration is the LTI extension block of the discovery document.
type PlatformConfiguration struct {
	ProductFamilyCode string           `json:"product_family_code"`
	Version           string           `json:"version,omitempty"`
	MessagesSupported []MessageSupport `json:"messages_supported"`
	Variables         []string         `json:"variables,omitempty"`
}

// MessageSupport is one entry of messages_supported.
type MessageSupport struct {
	Type       string   `json:"type"`
	Placements []string `json:"placements,omitempty"`
}

// SupportsMessage reports whether the platform accepts message type t. An
// empty messages_supported list is treated as "anything".
func (p *PlatformConfiguration) SupportsMessage(t string) bool {
	if p == nil || len(p.MessagesSupported) == 0 {
		return true
	}
	for _, m := range p.MessagesSupported {
		if m.Type == t {
			return true
		}
	}
	return false
}

// ParseDiscovery decodes and validates a discovery document fetched from discoveryURL.
func ParseDiscovery(body []byte, discoveryURL string) (*Discovery, error) {
	var d Discovery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, lti.Wrap(lti.ReasonMalformedDiscoveryDocument, err)
	}
	switch {
	case d.Issuer == "":
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "issuer missing")
	case !isHTTPURL(d.AuthorizationEndpoint):
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "authorization_endpoint missing or invalid")
	case !isHTTPURL(d.JWKSURI):
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "jwks_uri missing or invalid")
	case d.TokenEndpoint != "" && !isHTTPURL(d.TokenEndpoint):
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "token_endpoint invalid")
	case d.RegistrationEndpoint != "" && !isHTTPURL(d.RegistrationEndpoint):
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "registration_endpoint invalid")
	case d.Platform == nil:
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument, "%s block missing", lti.PlatformConfigurationKey)
	}
	if !issuerCovers(d.Issuer, discoveryURL) {
		return nil, lti.Errorf(lti.ReasonMalformedDiscoveryDocument,
			"issuer %q is not a prefix of %q", d.Issuer, discoveryURL)
	}
	return &d, nil
}

// issuerCovers reports whether configURL lives under issuer: same scheme,
// same host and port, and a path below the issuer path at a segment boundary.
func issuerCovers(issuer, configURL string) bool {
	iu, err := url.Parse(issuer)
	if err != nil || iu.Host == "" || iu.User != nil {
		return false
	}
	cu, err := url.Parse(configURL)
	if err != nil || cu.Host == "" || cu.User != nil {
		return false
	}
	if !strings.EqualFold(iu.Scheme, cu.Scheme) || !strings.EqualFold(iu.Host, cu.Host) {
		return false
	}
	base := strings.TrimSuffix(iu.Path, "/")
	return base == "" || cu.Path == base || strings.HasPrefix(cu.Path, base+"/")
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

func requireHTTPURL(key, s string) error {
	if !isHTTPURL(s) {
		return fmt.Errorf("%s must be an absolute http(s) URL", key)
	}
	return nil
}
