// pkg/tool/trust/vendor.go
package trust

import "strings"

// Vendor is the closed set of platform families with issuer-specific handling.
type Vendor int

const (
	VendorGeneric Vendor = iota
	VendorCanvas
	VendorBlackboard
)

func (v Vendor) String() string {
	switch v {
	case VendorCanvas:
		return "canvas"
	case VendorBlackboard:
		return "blackboard"
	case VendorGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Well-known issuers.
const (
	IssuerCanvas     = "https://canvas.instructure.com"
	IssuerCanvasBeta = "https://canvas.beta.instructure.com"
	IssuerCanvasTest = "https://canvas.test.instructure.com"
	IssuerBlackboard = "https://blackboard.com"
)

// VendorOf classifies an issuer. Anything unrecognised is generic.
func VendorOf(issuer string) Vendor {
	switch strings.TrimSuffix(issuer, "/") {
	case IssuerCanvas, IssuerCanvasBeta, IssuerCanvasTest:
		return VendorCanvas
	case IssuerBlackboard:
		return VendorBlackboard
	default:
		return VendorGeneric
	}
}

// CanvasEnvironment returns the hosted Canvas environment for an issuer:
// "production", "beta" or "test".
func CanvasEnvironment(issuer string) string {
	switch strings.TrimSuffix(issuer, "/") {
	case IssuerCanvasBeta:
		return "beta"
	case IssuerCanvasTest:
		return "test"
	default:
		return "production"
	}
}

// CanvasDefaults is the trust material of hosted Canvas for env, used when
// the issuer was never registered explicitly. clientID comes from the
// login request (the developer key id).
func CanvasDefaults(issuer, env, clientID string) PlatformTrustConfig {
	host := "sso.canvaslms.com"
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "beta":
		host = "sso.beta.canvaslms.com"
	case "test":
		host = "sso.test.canvaslms.com"
	}
	base := "https://" + host
	return PlatformTrustConfig{
		Issuer:                issuer,
		ClientID:              clientID,
		AuthorizationEndpoint: base + "/api/lti/authorize_redirect",
		TokenEndpoint:         base + "/login/oauth2/token",
		KeySetURI:             base + "/api/lti/security/jwks",
		ProductFamily:         "canvas",
	}
}
