// pkg/tool/launch/claims.go
package launch

import (
	"encoding/json"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

// Claims is the verified content of an LTI launch ID token.
type Claims struct {
	Issuer        string    `json:"iss"`
	Audience      []string  `json:"aud"`
	Subject       string    `json:"sub,omitempty"`
	Nonce         string    `json:"nonce"`
	IssuedAt      time.Time `json:"iat"`
	ExpiresAt     time.Time `json:"exp"`
	MessageType   string    `json:"message_type,omitempty"`
	Version       string    `json:"version,omitempty"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	TargetLinkURI string    `json:"target_link_uri,omitempty"`

	// StorageTarget echoes lti_storage_target from the launch form.
	StorageTarget string `json:"storage_target,omitempty"`
	// LaunchID is assigned by the Tool to each verified launch.
	LaunchID string `json:"launch_id"`

	// Claims is the full payload; numbers are json.Number.
	Claims map[string]any `json:"-"`
	// Raw is the decoded payload exactly as signed.
	Raw json.RawMessage `json:"-"`
}

// Roles returns the LTI roles claim.
func (c *Claims) Roles() []string {
	raw, _ := c.Claims[lti.ClaimRoles].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Object returns a JSON object claim such as context or resource_link.
func (c *Claims) Object(name string) map[string]any {
	m, _ := c.Claims[name].(map[string]any)
	return m
}

// String returns a string claim.
func (c *Claims) String(name string) string {
	s, _ := c.Claims[name].(string)
	return s
}
