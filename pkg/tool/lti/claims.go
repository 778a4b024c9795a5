// pkg/tool/lti/claims.go
package lti

// LTI 1.3 claim names used by the Tool.
const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlatform = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"

	ClaimAGSEndpoint     = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPSService     = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDeepLinkSetting = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

// Message types.
const (
	MessageResourceLink = "LtiResourceLinkRequest"
	MessageDeepLinking  = "LtiDeepLinkingRequest"
)

// Scopes a Tool may request during registration.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeNRPSReadOnly     = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
)

// Dynamic registration extension blocks.
const (
	PlatformConfigurationKey = "https://purl.imsglobal.org/spec/lti-platform-configuration"
	ToolConfigurationKey     = "https://purl.imsglobal.org/spec/lti-tool-configuration"
)

// Version is the only LTI version the Tool accepts in launches.
const Version = "1.3.0"
