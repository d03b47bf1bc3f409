// Package gitlab is a small GitLab REST v4 client. Every call goes through
// Client.Do, which authenticates with the caller's access token, rate limits
// outgoing requests and refreshes an expired token at most once per call.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/oauth"
)

const backend = "gitlab"

// maxErrorBody caps how much of an error response is kept as the message.
const maxErrorBody = 4 << 10

// Tokens gives the gateway access to the credentials of the current session.
type Tokens interface {
	// Tokens returns the stored access and refresh tokens.
	Tokens() (access, refresh string)
	// Refreshed replaces the stored tokens after a successful refresh.
	Refreshed(tok oauth.Token)
	// Revoke clears the stored credentials so the next call starts a new
	// authorization.
	Revoke()
}

// RefreshFunc performs the refresh-token grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (oauth.Token, error)

// Config configures a Client.
type Config struct {
	// Domain is the instance base URL, e.g. https://gitlab.com.
	Domain string
	// RequestsPerSecond limits outgoing calls. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Refresh           RefreshFunc
}

// Client is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	refresh RefreshFunc
}

// Request describes one API call. Path is relative to /api/v4 and must
// already be escaped.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:    strings.TrimSuffix(cfg.Domain, "/") + "/api/v4/",
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		refresh: cfg.Refresh,
	}
}

// Do sends req with the access token from tok and decodes a successful JSON
// response into out (ignored when nil).
//
// A 401 with a stored refresh token triggers exactly one refresh followed by
// one retry. A failed refresh, a second 401, or a 401 without a refresh
// token revokes the credentials.
func (c *Client) Do(ctx context.Context, tok Tokens, req Request, out any) error {
	access, refresh := tok.Tokens()
	if access == "" {
		e := connector.Errorf(connector.KindAuthenticationRequired, req.Method+" "+req.Path, "not logged in")
		e.Backend = backend
		return e
	}

	status, body, err := c.send(ctx, access, req)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		if refresh == "" || c.refresh == nil {
			tok.Revoke()
			return c.fail(connector.KindAuthenticationRequired, req, status, body)
		}
		log.Debug().Str("path", req.Path).Msg("gitlab: access token rejected, refreshing")
		fresh, rerr := c.refresh(ctx, refresh)
		if rerr != nil {
			tok.Revoke()
			return &connector.Error{
				Kind:    connector.KindAuthorizationExpired,
				Op:      req.Method + " " + req.Path,
				Backend: backend,
				Status:  status,
				Message: "token refresh failed",
				Err:     rerr,
			}
		}
		tok.Refreshed(fresh)

		status, body, err = c.send(ctx, fresh.AccessToken, req)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			tok.Revoke()
			return c.fail(connector.KindAuthorizationExpired, req, status, body)
		}
	}

	if status < 200 || status > 299 {
		kind := connector.KindUpstream
		if status == http.StatusNotFound || bytes.Contains(body, []byte("File Not Found")) {
			kind = connector.KindNotFound
		}
		return c.fail(kind, req, status, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return connector.Wrap(connector.KindUpstream, backend, req.Method, req.Path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, access string, req Request) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, connector.Wrap(connector.KindTimeout, backend, req.Method, req.Path, err)
	}

	q := url.Values{}
	for k, vs := range req.Query {
		q[k] = vs
	}
	q.Set("access_token", access)
	u := c.base + strings.TrimPrefix(req.Path, "/") + "?" + q.Encode()

	var rd io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("gitlab: encode %s %s: %w", req.Method, req.Path, err)
		}
		rd = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("gitlab: build %s %s: %w", req.Method, req.Path, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if rd != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return 0, nil, connector.Wrap(connector.KindUpstream, backend, req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, connector.Wrap(connector.KindUpstream, backend, req.Method, req.Path, fmt.Errorf("read body: %w", err))
	}
	log.Debug().Str("method", req.Method).Str("path", req.Path).Int("status", resp.StatusCode).Msg("gitlab: request")
	return resp.StatusCode, body, nil
}

func (c *Client) fail(kind connector.Kind, req Request, status int, body []byte) error {
	return &connector.Error{
		Kind:    kind,
		Op:      req.Method + " " + req.Path,
		Backend: backend,
		Status:  status,
		Message: providerMessage(body),
	}
}

// providerMessage extracts GitLab's "message" or "error" field, falling back
// to the raw body.
func providerMessage(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
		Desc    string          `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if len(payload.Message) > 0 {
			var s string
			if json.Unmarshal(payload.Message, &s) == nil {
				return s
			}
			return string(payload.Message)
		}
		if payload.Desc != "" {
			return payload.Desc
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

// IsAlreadyExists reports whether err is GitLab's reply to creating a file
// that is already present.
func IsAlreadyExists(err error) bool {
	var ce *connector.Error
	return errors.As(err, &ce) && ce.Status == http.StatusBadRequest && strings.Contains(ce.Message, "already exists")
}

// IsMissingFile reports whether err is GitLab's reply to updating a file
// that does not exist yet.
func IsMissingFile(err error) bool {
	if connector.KindOf(err) == connector.KindNotFound {
		return true
	}
	var ce *connector.Error
	return errors.As(err, &ce) && ce.Status == http.StatusBadRequest && strings.Contains(ce.Message, "doesn't exist")
}
