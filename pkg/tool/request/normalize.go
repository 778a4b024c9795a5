// pkg/tool/request/normalize.go
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

/*
Request normalization

Platforms POST launch and initiation parameters either as a classic HTML form,
as JSON, or (rarely) as a bare text body. Normalize turns all of them into a
single flat Values map so the login/launch/registration engines never care
about the wire format:

  application/x-www-form-urlencoded  -> first value per key
  application/json                   -> the top-level object
  text/plain                         -> {"body": "<text>"}

Normalize is pure: it never touches the network or any store.
*/

const (
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// TextKey is the key that wraps a text/plain body.
const TextKey = "body"

// Values is a normalized parameter map. Values decoded from JSON keep their
// JSON types (string, float64/json.Number, bool, map, slice, nil).
type Values map[string]any

// Normalize parses raw according to contentType.
func Normalize(raw []byte, contentType string) (Values, error) {
	if len(raw) == 0 {
		return nil, lti.ErrMissingBody
	}
	mt := mediaType(contentType)
	switch mt {
	case ContentTypeForm:
		q, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, lti.Wrap(lti.ReasonMalformedPayload, err)
		}
		return FromQuery(q), nil
	case ContentTypeJSON:
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, lti.Wrap(lti.ReasonMalformedPayload, err)
		}
		if dec.More() {
			return nil, lti.Errorf(lti.ReasonMalformedPayload, "trailing data after json value")
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, lti.Errorf(lti.ReasonMalformedPayload, "json body must be an object, got %T", v)
		}
		return Values(obj), nil
	case ContentTypeText:
		return Values{TextKey: string(raw)}, nil
	case "":
		return nil, lti.Errorf(lti.ReasonUnsupportedContentType, "missing content type")
	default:
		return nil, lti.Errorf(lti.ReasonUnsupportedContentType, "%q", mt)
	}
}

// FromQuery flattens url.Values keeping the first value of each key.
func FromQuery(q url.Values) Values {
	out := make(Values, len(q))
	for k, vs := range q {
		if len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

// String returns the value for key when it is present and a string.
// present reports whether the key exists at all (any type).
func (v Values) String(key string) (s string, present bool, ok bool) {
	raw, present := v[key]
	if !present {
		return "", false, false
	}
	s, ok = raw.(string)
	return s, true, ok
}

// RequireString returns a non-empty string value or an error naming the key.
func (v Values) RequireString(key string) (string, error) {
	s, present, ok := v.String(key)
	switch {
	case !present:
		return "", fmt.Errorf("missing %s", key)
	case !ok:
		return "", fmt.Errorf("%s must be a string", key)
	case strings.TrimSpace(s) == "":
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

// OptionalString returns the value of key if present. A present non-string
// value is an error.
func (v Values) OptionalString(key string) (string, error) {
	s, present, ok := v.String(key)
	if !present {
		return "", nil
	}
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func mediaType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
