package request

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

func TestNormalizeForm(t *testing.T) {
	v, err := Normalize([]byte("iss=https%3A%2F%2Fcanvas.instructure.com&login_hint=u1&login_hint=u2"), "application/x-www-form-urlencoded; charset=UTF-8")
	require.NoError(t, err)
	assert.Equal(t, "https://canvas.instructure.com", v["iss"])
	assert.Equal(t, "u1", v["login_hint"], "first value wins")
}

func TestNormalizeJSON(t *testing.T) {
	v, err := Normalize([]byte(`{"id_token":"a.b.c","n":3,"nested":{"x":true}}`), "Application/JSON")
	require.NoError(t, err)
	assert.Equal(t, "a.b.c", v["id_token"])
	assert.Equal(t, json.Number("3"), v["n"])
	assert.Equal(t, map[string]any{"x": true}, v["nested"])
}

func TestNormalizeText(t *testing.T) {
	v, err := Normalize([]byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, Values{"body": "hello"}, v)
}

func TestNormalizeErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		ct   string
		want error
	}{
		{"nil body", nil, "application/json", lti.ErrMissingBody},
		{"empty body", []byte{}, "text/plain", lti.ErrMissingBody},
		{"no content type", []byte("a=b"), "", lti.ErrUnsupportedContentType},
		{"xml", []byte("<a/>"), "application/xml", lti.ErrUnsupportedContentType},
		{"bad json", []byte("{"), "application/json", lti.ErrMalformedPayload},
		{"json array", []byte("[1,2]"), "application/json", lti.ErrMalformedPayload},
		{"json string", []byte(`"x"`), "application/json", lti.ErrMalformedPayload},
		{"json trailing", []byte(`{} {}`), "application/json", lti.ErrMalformedPayload},
		{"bad escape", []byte("a=%zz"), "application/x-www-form-urlencoded", lti.ErrMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw, tc.ct)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestFromQuery(t *testing.T) {
	v := FromQuery(url.Values{"a": {"1", "2"}, "b": {}})
	assert.Equal(t, Values{"a": "1"}, v)
}

func TestValuesAccessors(t *testing.T) {
	v := Values{"s": "x", "blank": "  ", "n": json.Number("1")}

	s, err := v.RequireString("s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = v.RequireString("missing")
	assert.Error(t, err)
	_, err = v.RequireString("blank")
	assert.Error(t, err)
	_, err = v.RequireString("n")
	assert.Error(t, err)

	s, err = v.OptionalString("missing")
	require.NoError(t, err)
	assert.Empty(t, s)
	_, err = v.OptionalString("n")
	assert.Error(t, err)
}
