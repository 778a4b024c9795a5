// pkg/tool/keys/jwks.go
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// JWKSHandler serves the Tool's public key set at /.well-known/jwks.json.
// The body is marshalled once; responses carry a weak ETag and honour
// If-None-Match.
type JWKSHandler struct {
	CacheMaxAge time.Duration // default 10 minutes

	payload []byte
	etag    string
}

// NewJWKSHandler precomputes the JWKS body for key.
func NewJWKSHandler(key *ToolKey, maxAge time.Duration) (*JWKSHandler, error) {
	set, err := key.PublicJWKS()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	return &JWKSHandler{CacheMaxAge: maxAge, payload: payload, etag: computeETag(payload)}, nil
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", h.etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == h.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.payload)
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}
