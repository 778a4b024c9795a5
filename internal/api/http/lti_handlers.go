package http

import (
	"net/http"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ags"
	"github.com/mind-engage/mindengage-lti/pkg/tool/launch"
	"github.com/mind-engage/mindengage-lti/pkg/tool/login"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

// handleLogin: GET|POST /lti/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	v, err := readValues(w, r)
	if err != nil {
		s.Metrics.Login("unknown", string(lti.ReasonOf(err)))
		writeLTIErr(w, err)
		return
	}
	rd, err := s.Login.Initiate(r.Context(), v)
	if err != nil {
		iss, _ := v.OptionalString("iss")
		s.Metrics.Login(trust.VendorOf(iss).String(), string(lti.ReasonOf(err)))
		if lti.ReasonOf(err) == lti.ReasonInternal {
			s.logger().Errorw("login failed", "iss", iss, "error", err)
		}
		writeLTIErr(w, err)
		return
	}
	s.Metrics.Login(rd.Vendor.String(), "ok")
	for _, c := range rd.Cookies {
		http.SetCookie(w, c)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, rd.Location, rd.Status)
}

type launchResp struct {
	LaunchID      string         `json:"launch_id"`
	Issuer        string         `json:"iss"`
	Subject       string         `json:"sub,omitempty"`
	DeploymentID  string         `json:"deployment_id,omitempty"`
	MessageType   string         `json:"message_type,omitempty"`
	TargetLinkURI string         `json:"target_link_uri,omitempty"`
	StorageTarget string         `json:"storage_target,omitempty"`
	Roles         []string       `json:"roles"`
	Context       map[string]any `json:"context,omitempty"`
	ResourceLink  map[string]any `json:"resource_link,omitempty"`
	Grades        *gradesResp    `json:"grades,omitempty"`
}

type gradesResp struct {
	LineItems     string `json:"lineitems,omitempty"`
	LineItem      string `json:"lineitem,omitempty"`
	CanPostScores bool   `json:"can_post_scores"`
}

// handleLaunch: POST /lti/launch
//
// Verification failures are all answered with the same opaque 401; the
// reason is only logged and counted.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	v, err := readValues(w, r)
	if err != nil {
		s.Metrics.Launch(string(lti.ReasonOf(err)))
		writeLTIErr(w, err)
		return
	}
	c, err := s.Launch.Verify(r.Context(), v)
	if err != nil {
		s.Metrics.Launch(string(lti.ReasonOf(err)))
		switch status := lti.HTTPStatus(err); status {
		case http.StatusBadRequest:
			writeLTIErr(w, err)
		case http.StatusInternalServerError:
			writeErr(w, status, "Internal error")
		default:
			writeErr(w, http.StatusUnauthorized, "Invalid request")
		}
		return
	}
	s.Metrics.Launch("ok")

	for _, name := range []string{login.CookieState, login.CookieNonce} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	}
	writeJSON(w, http.StatusOK, summarize(c))
}

func summarize(c *launch.Claims) launchResp {
	out := launchResp{
		LaunchID:      c.LaunchID,
		Issuer:        c.Issuer,
		Subject:       c.Subject,
		DeploymentID:  c.DeploymentID,
		MessageType:   c.MessageType,
		TargetLinkURI: c.TargetLinkURI,
		StorageTarget: c.StorageTarget,
		Roles:         c.Roles(),
		Context:       c.Object(lti.ClaimContext),
		ResourceLink:  c.Object(lti.ClaimResourceLink),
	}
	if e, ok := ags.EndpointFromClaims(c); ok {
		out.Grades = &gradesResp{LineItems: e.LineItems, LineItem: e.LineItem, CanPostScores: e.CanPostScores()}
	}
	return out
}

// handleRegister: GET /lti/register?openid_configuration=..&registration_token=..
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	v, err := readValues(w, r)
	if err != nil {
		s.Metrics.Registration(string(lti.ReasonOf(err)))
		writeLTIErr(w, err)
		return
	}
	res, err := s.Registrar.Register(r.Context(), v)
	if err != nil {
		s.Metrics.Registration(string(lti.ReasonOf(err)))
		writeLTIErr(w, err)
		return
	}
	s.Metrics.Registration("ok")
	writeJSON(w, http.StatusOK, res)
}
