package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/request"
)

const maxBodyBytes = 1 << 20

type errResp struct {
	Message string     `json:"message"`
	Reason  lti.Reason `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Message: msg})
}

// writeLTIErr answers with the status for err. Server-side failures never
// leak their cause.
func writeLTIErr(w http.ResponseWriter, err error) {
	status := lti.HTTPStatus(err)
	if status >= http.StatusInternalServerError && lti.ReasonOf(err) == lti.ReasonInternal {
		writeErr(w, status, "Internal error")
		return
	}
	writeJSON(w, status, errResp{Message: err.Error(), Reason: lti.ReasonOf(err)})
}

// readValues normalizes the request body (POST) or query string (GET).
func readValues(w http.ResponseWriter, r *http.Request) (request.Values, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return request.FromQuery(r.URL.Query()), nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, lti.Errorf(lti.ReasonMalformedPayload, "body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, lti.Wrap(lti.ReasonMalformedPayload, err)
	}
	return request.Normalize(body, r.Header.Get("Content-Type"))
}
