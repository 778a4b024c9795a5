package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ags"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

// -----------------------------------------
// Admin: platform gradebooks (AGS) by issuer
// -----------------------------------------

type createLineItemReq struct {
	Issuer   string       `json:"issuer"`
	URL      string       `json:"url"`
	LineItem ags.LineItem `json:"line_item"`
}

type postScoreReq struct {
	Issuer   string    `json:"issuer"`
	LineItem string    `json:"lineitem"`
	Score    ags.Score `json:"score"`
}

// listLineItems: GET /admin/lineitems?issuer=..&url=..[&resource_link_id=..&tag=..]
func listLineItems(g *ags.Grader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		issuer, target := q.Get("issuer"), q.Get("url")
		if issuer == "" || !isAbsHTTP(target) {
			writeErr(w, http.StatusBadRequest, "issuer and absolute url are required")
			return
		}
		filter := url.Values{}
		for _, k := range []string{"resource_link_id", "resource_id", "tag", "limit"} {
			if v := q.Get(k); v != "" {
				filter.Set(k, v)
			}
		}
		c, err := g.For(r.Context(), issuer)
		if err != nil {
			writeGradeErr(w, err)
			return
		}
		items, err := c.ListLineItems(r.Context(), target, filter)
		if err != nil {
			writeGradeErr(w, err)
			return
		}
		if items == nil {
			items = []ags.LineItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// createLineItem: POST /admin/lineitems
func createLineItem(g *ags.Grader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createLineItemReq
		if !decodeStrict(w, r, &req) {
			return
		}
		if req.Issuer == "" || !isAbsHTTP(req.URL) || strings.TrimSpace(req.LineItem.Label) == "" || req.LineItem.ScoreMaximum <= 0 {
			writeErr(w, http.StatusBadRequest, "issuer, url, line_item.label and a positive line_item.scoreMaximum are required")
			return
		}
		c, err := g.For(r.Context(), req.Issuer)
		if err != nil {
			writeGradeErr(w, err)
			return
		}
		item, err := c.CreateLineItem(r.Context(), req.URL, req.LineItem)
		if err != nil {
			writeGradeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

// postScore: POST /admin/scores
func postScore(g *ags.Grader, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postScoreReq
		if !decodeStrict(w, r, &req) {
			return
		}
		if req.Issuer == "" || !isAbsHTTP(req.LineItem) || req.Score.UserID == "" {
			writeErr(w, http.StatusBadRequest, "issuer, lineitem and score.userId are required")
			return
		}
		if req.Score.ActivityProgress == "" {
			req.Score.ActivityProgress = ags.ActivityCompleted
		}
		if req.Score.GradingProgress == "" {
			req.Score.GradingProgress = ags.GradingFullyGraded
		}
		c, err := g.For(r.Context(), req.Issuer)
		if err != nil {
			writeGradeErr(w, err)
			return
		}
		if err := c.PostScore(r.Context(), req.LineItem, req.Score); err != nil {
			log.Warnw("score rejected", "iss", req.Issuer, "lineitem", req.LineItem, "error", err)
			writeGradeErr(w, err)
			return
		}
		log.Infow("score posted", "iss", req.Issuer, "lineitem", req.LineItem, "user", req.Score.UserID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeGradeErr maps trust and platform failures; the platform's own status
// is reported in the message, never passed through.
func writeGradeErr(w http.ResponseWriter, err error) {
	var se *ags.StatusError
	switch {
	case errors.Is(err, trust.ErrNotFound):
		writeErr(w, http.StatusNotFound, "platform not found")
	case errors.As(err, &se):
		writeErr(w, http.StatusBadGateway, fmt.Sprintf("%s: platform returned %d", se.Op, se.Status))
	default:
		writeErr(w, http.StatusBadGateway, err.Error())
	}
}

func isAbsHTTP(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
