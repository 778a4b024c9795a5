package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

// -----------------------------
// Admin: platform trust records
// -----------------------------

// basicAuth guards the admin routes with a single bcrypt-hashed account.
func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="lti-admin", charset="UTF-8"`)
				writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func listPlatforms(store trust.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := store.List(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []trust.PlatformTrustConfig{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func getPlatform(store trust.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer, ok := issuerParam(w, r)
		if !ok {
			return
		}
		cfg, err := store.Lookup(r.Context(), issuer)
		if err != nil {
			if errors.Is(err, trust.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

// putPlatform is manual registration: full replacement keyed by issuer.
func putPlatform(store trust.Store, invalidate func(uri string), log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg trust.PlatformTrustConfig
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		cfg.Issuer = strings.TrimSpace(cfg.Issuer)
		cfg.ClientID = strings.TrimSpace(cfg.ClientID)
		if err := cfg.Validate(); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		prev, err := store.Lookup(r.Context(), cfg.Issuer)
		if err != nil && !errors.Is(err, trust.ErrNotFound) {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := store.Upsert(r.Context(), cfg); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		invalidate(prev.KeySetURI)
		invalidate(cfg.KeySetURI)
		stored, err := store.Lookup(r.Context(), cfg.Issuer)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Infow("platform registered manually", "iss", stored.Issuer, "client_id", stored.ClientID)
		writeJSON(w, http.StatusOK, stored)
	}
}

// deletePlatform is manual revocation.
func deletePlatform(store trust.Store, invalidate func(uri string), log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer, ok := issuerParam(w, r)
		if !ok {
			return
		}
		prev, _ := store.Lookup(r.Context(), issuer)
		if err := store.Revoke(r.Context(), issuer); err != nil {
			if errors.Is(err, trust.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		invalidate(prev.KeySetURI)
		log.Infow("platform revoked", "iss", issuer)
		w.WriteHeader(http.StatusNoContent)
	}
}

// issuerParam decodes {issuer}; clients path-escape the issuer URL.
func issuerParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	issuer, err := url.PathUnescape(chi.URLParam(r, "issuer"))
	if err != nil || strings.TrimSpace(issuer) == "" {
		writeErr(w, http.StatusBadRequest, "issuer required")
		return "", false
	}
	return issuer, true
}
