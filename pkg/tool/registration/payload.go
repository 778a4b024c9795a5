// pkg/tool/registration/payload.go
package registration

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

// ToolConfig describes this Tool to platforms. Built once from configuration.
type ToolConfig struct {
	Name             string
	Description      string
	LogoURI          string
	InitiateLoginURI string
	RedirectURIs     []string
	TargetLinkURI    string
	JWKSURI          string
	SecondaryDomains []string
	Scopes           []string
	Claims           []string
	CustomParameters map[string]string
	PrivacyLevel     string // Canvas: public|name_only|email_only|anonymous
	Messages         []Message
}

// Validate checks the fields every payload needs.
func (tc ToolConfig) Validate() error {
	if strings.TrimSpace(tc.Name) == "" {
		return fmt.Errorf("registration: tool name is required")
	}
	for key, v := range map[string]string{
		"initiate_login_uri": tc.InitiateLoginURI,
		"target_link_uri":    tc.TargetLinkURI,
		"jwks_uri":           tc.JWKSURI,
	} {
		if err := requireHTTPURL(key, v); err != nil {
			return fmt.Errorf("registration: %w", err)
		}
	}
	if len(tc.RedirectURIs) == 0 {
		return fmt.Errorf("registration: at least one redirect uri is required")
	}
	for _, u := range tc.RedirectURIs {
		if err := requireHTTPURL("redirect_uri", u); err != nil {
			return fmt.Errorf("registration: %w", err)
		}
	}
	return nil
}

// Payload is the IMS dynamic registration client metadata.
type Payload struct {
	ApplicationType         string            `json:"application_type"`
	GrantTypes              []string          `json:"grant_types"`
	ResponseTypes           []string          `json:"response_types"`
	InitiateLoginURI        string            `json:"initiate_login_uri"`
	RedirectURIs            []string          `json:"redirect_uris"`
	ClientName              string            `json:"client_name"`
	JWKSURI                 string            `json:"jwks_uri"`
	LogoURI                 string            `json:"logo_uri,omitempty"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
	Scope                   string            `json:"scope"`
	ToolConfiguration       ToolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

// ToolConfiguration is the LTI extension block of the payload.
type ToolConfiguration struct {
	Domain           string            `json:"domain"`
	SecondaryDomains []string          `json:"secondary_domains,omitempty"`
	DeploymentID     string            `json:"deployment_id,omitempty"`
	TargetLinkURI    string            `json:"target_link_uri"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Description      string            `json:"description,omitempty"`
	Messages         []Message         `json:"messages"`
	Claims           []string          `json:"claims"`
	PrivacyLevel     string            `json:"https://canvas.instructure.com/lti/privacy_level,omitempty"`
}

// Message is a launch message type the Tool offers.
type Message struct {
	Type             string            `json:"type"`
	TargetLinkURI    string            `json:"target_link_uri,omitempty"`
	Label            string            `json:"label,omitempty"`
	IconURI          string            `json:"icon_uri,omitempty"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Placements       []string          `json:"placements,omitempty"`
	DefaultEnabled   *bool             `json:"https://canvas.instructure.com/lti/course_navigation/default_enabled,omitempty"`
	Visibility       string            `json:"https://canvas.instructure.com/lti/visibility,omitempty"`
}

// DefaultClaims are requested when the tool config lists none.
var DefaultClaims = []string{"iss", "sub", "name", "given_name", "family_name", "email"}

// BuildPayload assembles a fresh payload for the platform described by d.
// Messages and scopes are narrowed to what the platform advertises.
func BuildPayload(tc ToolConfig, d *Discovery) (*Payload, error) {
	u, err := url.Parse(tc.TargetLinkURI)
	if err != nil {
		return nil, fmt.Errorf("registration: target_link_uri: %w", err)
	}

	messages := make([]Message, 0, len(tc.Messages))
	for _, m := range tc.Messages {
		if d.Platform.SupportsMessage(m.Type) {
			messages = append(messages, m)
		}
	}
	if len(tc.Messages) > 0 && len(messages) == 0 {
		return nil, lti.Errorf(lti.ReasonRegistrationRejected,
			"platform %s supports none of the tool's message types", d.Issuer)
	}

	scopes := slices.Clone(tc.Scopes)
	if len(d.ScopesSupported) > 0 {
		scopes = slices.DeleteFunc(scopes, func(s string) bool { return !slices.Contains(d.ScopesSupported, s) })
	}

	claims := tc.Claims
	if len(claims) == 0 {
		claims = DefaultClaims
	}

	return &Payload{
		ApplicationType:         "web",
		GrantTypes:              []string{"client_credentials", "implicit"},
		ResponseTypes:           []string{"id_token"},
		InitiateLoginURI:        tc.InitiateLoginURI,
		RedirectURIs:            slices.Clone(tc.RedirectURIs),
		ClientName:              tc.Name,
		JWKSURI:                 tc.JWKSURI,
		LogoURI:                 tc.LogoURI,
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope:                   strings.Join(scopes, " "),
		ToolConfiguration: ToolConfiguration{
			Domain:           u.Host,
			SecondaryDomains: slices.Clone(tc.SecondaryDomains),
			TargetLinkURI:    tc.TargetLinkURI,
			CustomParameters: tc.CustomParameters,
			Description:      tc.Description,
			Messages:         messages,
			Claims:           slices.Clone(claims),
			PrivacyLevel:     tc.PrivacyLevel,
		},
	}, nil
}
