// Package ags calls the platform's Assignment and Grade Services on behalf of
// the Tool: listing and creating line items and posting scores.
package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/launch"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

const (
	mediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	mediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	mediaScore             = "application/vnd.ims.lis.v1.score+json"

	maxResponseBody = 1 << 20
)

// Activity and grading progress values for a Score.
const (
	ActivityInitialized = "Initialized"
	ActivityStarted     = "Started"
	ActivityInProgress  = "InProgress"
	ActivitySubmitted   = "Submitted"
	ActivityCompleted   = "Completed"

	GradingNotReady      = "NotReady"
	GradingFailed        = "Failed"
	GradingPending       = "Pending"
	GradingPendingManual = "PendingManual"
	GradingFullyGraded   = "FullyGraded"
)

// Endpoint is the AGS endpoint claim of a launch.
type Endpoint struct {
	Scopes    []string
	LineItems string
	LineItem  string
}

// CanPostScores reports whether the launch granted the score scope.
func (e Endpoint) CanPostScores() bool {
	for _, s := range e.Scopes {
		if s == lti.ScopeScore {
			return true
		}
	}
	return false
}

// EndpointFromClaims extracts the AGS endpoint claim. ok is false when the
// launch carries none.
func EndpointFromClaims(c *launch.Claims) (Endpoint, bool) {
	obj := c.Object(lti.ClaimAGSEndpoint)
	if obj == nil {
		return Endpoint{}, false
	}
	var e Endpoint
	e.LineItems, _ = obj["lineitems"].(string)
	e.LineItem, _ = obj["lineitem"].(string)
	raw, _ := obj["scope"].([]any)
	for _, s := range raw {
		if str, ok := s.(string); ok {
			e.Scopes = append(e.Scopes, str)
		}
	}
	return e, e.LineItems != "" || e.LineItem != ""
}

type LineItem struct {
	ID             string  `json:"id,omitempty"`
	Label          string  `json:"label"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
}

type Score struct {
	UserID           string    `json:"userId"`
	ScoreGiven       *float64  `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64  `json:"scoreMaximum,omitempty"`
	Comment          string    `json:"comment,omitempty"`
	ActivityProgress string    `json:"activityProgress"`
	GradingProgress  string    `json:"gradingProgress"`
	Timestamp        time.Time `json:"timestamp"`
}

// StatusError is returned when the platform answers outside 2xx.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ags: %s: platform returned %d", e.Op, e.Status)
}

// Client talks to one platform registration.
type Client struct {
	http *http.Client
}

// New builds a Client for platform. ctx is used for token requests and must
// outlive the Client. base supplies transport and timeout and may be nil.
func New(ctx context.Context, key *keys.ToolKey, platform trust.PlatformTrustConfig, scopes []string, base *http.Client) (*Client, error) {
	hc, err := newHTTPClient(ctx, base, key, platform.ClientID, platform.TokenEndpoint, scopes)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc}, nil
}

// ListLineItems returns the line items of a context. q filters by
// resource_link_id, resource_id, tag and so on.
func (c *Client) ListLineItems(ctx context.Context, lineItemsURL string, q url.Values) ([]LineItem, error) {
	u, err := url.Parse(lineItemsURL)
	if err != nil {
		return nil, fmt.Errorf("ags: line items url: %w", err)
	}
	p := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			p.Add(k, v)
		}
	}
	u.RawQuery = p.Encode()

	var items []LineItem
	if err := c.do(ctx, "list line items", http.MethodGet, u.String(), "", mediaLineItemContainer, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) CreateLineItem(ctx context.Context, lineItemsURL string, item LineItem) (LineItem, error) {
	item.ID = ""
	var out LineItem
	if err := c.do(ctx, "create line item", http.MethodPost, lineItemsURL, mediaLineItem, mediaLineItem, item, &out); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

// PostScore publishes s to {lineItemURL}/scores.
func (c *Client) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return c.do(ctx, "post score", http.MethodPost, scoresURL(lineItemURL), mediaScore, "", s, nil)
}

// scoresURL appends /scores to the line item path, keeping any query.
func scoresURL(lineItemURL string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return strings.TrimSuffix(lineItemURL, "/") + "/scores"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, target, contentType, accept string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ags: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("ags: %s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ags: %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{Op: op, Status: res.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("ags: %s: decode: %w", op, err)
	}
	return nil
}
