// pkg/tool/lti/errors.go
package lti

import (
	"errors"
	"fmt"
	"net/http"
)

/*
Error taxonomy for the Tool side of LTI 1.3.

Every failure produced by the login, launch and registration engines is an
*Error carrying a Reason. Transports map the Reason to a status code with
HTTPStatus; callers that only care about one failure use errors.Is against
the sentinel values below:

    if errors.Is(err, lti.ErrTokenExpired) { ... }
*/

// Reason classifies a failure.
type Reason string

const (
	// request shape
	ReasonMissingBody                Reason = "missing_body"
	ReasonUnsupportedContentType     Reason = "unsupported_content_type"
	ReasonMalformedPayload           Reason = "malformed_payload"
	ReasonInvalidInitiationRequest   Reason = "invalid_initiation_request"
	ReasonInvalidLaunchRequest       Reason = "invalid_launch_request"
	ReasonInvalidRegistrationRequest Reason = "invalid_registration_request"

	// trust
	ReasonUnsupportedPlatform Reason = "unsupported_platform"
	ReasonNotFound            Reason = "not_found"

	// verification
	ReasonUnknownOrExpiredState   Reason = "unknown_or_expired_state"
	ReasonInvalidSignature        Reason = "invalid_signature"
	ReasonUnsupportedAlgorithm    Reason = "unsupported_algorithm"
	ReasonIssuerMismatch          Reason = "issuer_mismatch"
	ReasonAudienceMismatch        Reason = "audience_mismatch"
	ReasonAuthorizedPartyMismatch Reason = "authorized_party_mismatch"
	ReasonTokenExpired            Reason = "token_expired"
	ReasonTokenNotYetValid        Reason = "token_not_yet_valid"
	ReasonNonceMismatch           Reason = "nonce_mismatch"
	ReasonDeploymentMismatch      Reason = "deployment_mismatch"

	// upstream
	ReasonDiscoveryFetchFailed       Reason = "discovery_fetch_failed"
	ReasonMalformedDiscoveryDocument Reason = "malformed_discovery_document"
	ReasonRegistrationRejected       Reason = "registration_rejected"

	ReasonInternal Reason = "internal"
)

// Sentinels for errors.Is. An *Error matches the sentinel with the same Reason.
var (
	ErrMissingBody                = &Error{Reason: ReasonMissingBody}
	ErrUnsupportedContentType     = &Error{Reason: ReasonUnsupportedContentType}
	ErrMalformedPayload           = &Error{Reason: ReasonMalformedPayload}
	ErrInvalidInitiationRequest   = &Error{Reason: ReasonInvalidInitiationRequest}
	ErrInvalidLaunchRequest       = &Error{Reason: ReasonInvalidLaunchRequest}
	ErrInvalidRegistrationRequest = &Error{Reason: ReasonInvalidRegistrationRequest}
	ErrUnsupportedPlatform        = &Error{Reason: ReasonUnsupportedPlatform}
	ErrNotFound                   = &Error{Reason: ReasonNotFound}
	ErrUnknownOrExpiredState      = &Error{Reason: ReasonUnknownOrExpiredState}
	ErrInvalidSignature           = &Error{Reason: ReasonInvalidSignature}
	ErrUnsupportedAlgorithm       = &Error{Reason: ReasonUnsupportedAlgorithm}
	ErrIssuerMismatch             = &Error{Reason: ReasonIssuerMismatch}
	ErrAudienceMismatch           = &Error{Reason: ReasonAudienceMismatch}
	ErrAuthorizedPartyMismatch    = &Error{Reason: ReasonAuthorizedPartyMismatch}
	ErrTokenExpired               = &Error{Reason: ReasonTokenExpired}
	ErrTokenNotYetValid           = &Error{Reason: ReasonTokenNotYetValid}
	ErrNonceMismatch              = &Error{Reason: ReasonNonceMismatch}
	ErrDeploymentMismatch         = &Error{Reason: ReasonDeploymentMismatch}
	ErrDiscoveryFetchFailed       = &Error{Reason: ReasonDiscoveryFetchFailed}
	ErrMalformedDiscoveryDocument = &Error{Reason: ReasonMalformedDiscoveryDocument}
	ErrRegistrationRejected       = &Error{Reason: ReasonRegistrationRejected}
	ErrInternal                   = &Error{Reason: ReasonInternal}
)

// Error is a classified failure. Err holds the underlying cause, if any.
// UpstreamStatus is set when a remote platform answered with a non-2xx code.
type Error struct {
	Reason         Reason
	Err            error
	UpstreamStatus int
	Timeout        bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "lti: " + string(e.Reason)
	}
	return fmt.Sprintf("lti: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Errorf builds an *Error with a formatted cause. %w is honoured.
func Errorf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under reason. A nil err still yields an *Error.
func Wrap(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the Reason of err, or ReasonInternal for unclassified errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

// HTTPStatus maps err to the status code a transport should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Reason {
	case ReasonMissingBody, ReasonUnsupportedContentType, ReasonMalformedPayload,
		ReasonInvalidInitiationRequest, ReasonInvalidLaunchRequest, ReasonInvalidRegistrationRequest,
		ReasonUnsupportedPlatform:
		return http.StatusBadRequest
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonUnknownOrExpiredState, ReasonInvalidSignature, ReasonUnsupportedAlgorithm,
		ReasonIssuerMismatch, ReasonAudienceMismatch, ReasonAuthorizedPartyMismatch,
		ReasonTokenExpired, ReasonTokenNotYetValid, ReasonNonceMismatch, ReasonDeploymentMismatch:
		return http.StatusUnauthorized
	case ReasonDiscoveryFetchFailed, ReasonRegistrationRejected:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
			return e.UpstreamStatus
		}
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case ReasonMalformedDiscoveryDocument:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsVerificationFailure reports whether err is one of the launch verification reasons.
func IsVerificationFailure(err error) bool {
	return HTTPStatus(err) == http.StatusUnauthorized
}
