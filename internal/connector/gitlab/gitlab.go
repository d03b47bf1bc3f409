// Package gitlab implements the GitLab connector: websites are private
// projects, the website document and metadata are files on a configured
// branch, and hosting goes through GitLab Pages triggered by a tag.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	glapi "github.com/silexlabs/silex/backend/internal/gitlab"
	"github.com/silexlabs/silex/backend/internal/oauth"
	"github.com/silexlabs/silex/backend/internal/session"
)

const backend = "gitlab"

const (
	websiteFile = "website.json"
	metaFile    = "meta.json"
)

// Options are the per-connector settings read from configuration.
type Options struct {
	Domain       string   `mapstructure:"domain"`
	ClientID     string   `mapstructure:"clientId"`
	ClientSecret string   `mapstructure:"clientSecret"`
	RedirectURL  string   `mapstructure:"redirectUrl"`
	Scopes       []string `mapstructure:"scopes"`
	Branch       string   `mapstructure:"branch"`
	RepoPrefix   string   `mapstructure:"repoPrefix"`
	AssetsFolder string   `mapstructure:"assetsFolder"`
	// PagesDomain is the GitLab Pages host suffix, e.g. gitlab.io.
	PagesDomain string `mapstructure:"pagesDomain"`
	// PublicFolder is where published files go; Pages serves it.
	PublicFolder      string        `mapstructure:"publicFolder"`
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Concurrency       int           `mapstructure:"concurrency"`
}

const minPollInterval = 10 * time.Millisecond

func defaultOptions() Options {
	return Options{
		Domain:            "https://gitlab.com",
		Scopes:            []string{"api"},
		Branch:            "main",
		RepoPrefix:        "silex_",
		AssetsFolder:      "assets",
		PagesDomain:       "gitlab.io",
		PublicFolder:      "public",
		PollInterval:      5 * time.Second,
		Timeout:           10 * time.Minute,
		RequestsPerSecond: 10,
		Concurrency:       4,
	}
}

// Connector is the GitLab storage and hosting backend.
type Connector struct {
	desc   connector.Descriptor
	opts   Options
	flow   *oauth.Flow
	client *glapi.Client
	now    func() time.Time
}

// New builds a connector from its descriptor. desc.Options is decoded into
// Options on top of the defaults.
func New(desc connector.Descriptor) (*Connector, error) {
	opts := defaultOptions()
	if err := connector.DecodeOptions(desc.Options, &opts); err != nil {
		return nil, fmt.Errorf("gitlab connector %s: %w", desc.ID, err)
	}
	opts.Domain = strings.TrimSuffix(opts.Domain, "/")
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("gitlab connector %s: clientId is required", desc.ID)
	}
	// Bare numbers decode as nanoseconds.
	if opts.PollInterval < minPollInterval {
		return nil, fmt.Errorf("gitlab connector %s: pollInterval %s is below %s, use a unit such as \"5s\"", desc.ID, opts.PollInterval, minPollInterval)
	}
	if opts.Timeout < opts.PollInterval {
		return nil, fmt.Errorf("gitlab connector %s: timeout %s must be at least pollInterval %s", desc.ID, opts.Timeout, opts.PollInterval)
	}
	if desc.Type == "" {
		desc.Type = backend
	}
	if desc.DisplayName == "" {
		desc.DisplayName = "GitLab"
	}
	if desc.Kind == "" {
		desc.Kind = connector.CapabilityStorage
	}

	flow := oauth.NewFlow(oauth.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		AuthURL:      opts.Domain + "/oauth/authorize",
		TokenURL:     opts.Domain + "/oauth/token",
		RedirectURL:  opts.RedirectURL,
		Scopes:       opts.Scopes,
	})
	c := &Connector{desc: desc, opts: opts, flow: flow, now: time.Now}
	c.client = glapi.NewClient(glapi.Config{
		Domain:            opts.Domain,
		RequestsPerSecond: opts.RequestsPerSecond,
		Burst:             opts.Concurrency,
		Refresh:           flow.Refresh,
	})
	return c, nil
}

func (c *Connector) Descriptor() connector.Descriptor { return c.desc }

// sessionTokens exposes one session's GitLab credentials to the gateway.
type sessionTokens struct {
	sess *session.Session
	id   string
}

func (t sessionTokens) Tokens() (string, string) {
	cr, _ := session.Lookup[session.OAuthCredentials](t.sess, t.id)
	return cr.AccessToken, cr.RefreshToken
}

func (t sessionTokens) Refreshed(tok oauth.Token) {
	t.sess.Update(t.id, func(cur session.Credentials, _ bool) session.Credentials {
		cr, _ := cur.(session.OAuthCredentials)
		cr.AccessToken = tok.AccessToken
		cr.RefreshToken = tok.RefreshToken
		cr.TokenType = tok.TokenType
		cr.Expiry = tok.Expiry
		return cr
	})
	log.Debug().Str("connector", t.id).Msg("gitlab: token refreshed")
}

func (t sessionTokens) Revoke() {
	t.sess.Delete(t.id)
	log.Info().Str("connector", t.id).Msg("gitlab: credentials revoked")
}

func (c *Connector) tokens(sess *session.Session) sessionTokens {
	return sessionTokens{sess: sess, id: c.desc.ID}
}

func (c *Connector) credentials(sess *session.Session, op string) (session.OAuthCredentials, error) {
	cr, ok := session.Lookup[session.OAuthCredentials](sess, c.desc.ID)
	if !ok || !cr.LoggedIn() {
		return cr, &connector.Error{Kind: connector.KindAuthenticationRequired, Backend: backend, Op: op, Message: "not logged in"}
	}
	return cr, nil
}

func (c *Connector) IsLoggedIn(_ context.Context, sess *session.Session) (bool, error) {
	cr, ok := session.Lookup[session.OAuthCredentials](sess, c.desc.ID)
	return ok && cr.LoggedIn(), nil
}

// AuthorizeURL starts a new PKCE handshake and stores its secrets in the
// session. Any previous credentials for this connector are replaced.
func (c *Connector) AuthorizeURL(_ context.Context, sess *session.Session, redirectTo string) (string, error) {
	u, p := c.flow.Begin()
	sess.Set(c.desc.ID, session.OAuthCredentials{
		State:         p.State,
		CodeVerifier:  p.CodeVerifier,
		CodeChallenge: p.CodeChallenge,
		ReturnTo:      redirectTo,
	})
	return u, nil
}

// LoginForm is empty: login goes through the OAuth redirect.
func (c *Connector) LoginForm(context.Context, *session.Session, string) (string, error) {
	return "", nil
}

// SetToken completes the handshake from the callback parameters. Any
// failure clears the session entry.
func (c *Connector) SetToken(ctx context.Context, sess *session.Session, params map[string]string) error {
	cr, _ := session.Lookup[session.OAuthCredentials](sess, c.desc.ID)
	expired := func(msg string, err error) error {
		sess.Delete(c.desc.ID)
		return &connector.Error{Kind: connector.KindAuthorizationExpired, Backend: backend, Op: "callback", Message: msg, Err: err}
	}

	if e := params["error"]; e != "" {
		return expired(strings.TrimSpace(e+" "+params["error_description"]), nil)
	}
	pending := oauth.Pending{State: cr.State, CodeVerifier: cr.CodeVerifier, CodeChallenge: cr.CodeChallenge}
	tok, err := c.flow.Exchange(ctx, pending, params["state"], params["code"])
	if err != nil {
		return expired("authorization failed", err)
	}

	cr = session.OAuthCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		ReturnTo:     cr.ReturnTo,
	}
	sess.Set(c.desc.ID, cr)

	u, err := c.client.CurrentUser(ctx, c.tokens(sess))
	if err != nil {
		sess.Delete(c.desc.ID)
		return err
	}
	sess.Update(c.desc.ID, func(cur session.Credentials, _ bool) session.Credentials {
		next, _ := cur.(session.OAuthCredentials)
		next.UserID = u.ID
		next.Username = u.Username
		return next
	})
	log.Info().Str("connector", c.desc.ID).Str("user", u.Username).Msg("gitlab: logged in")
	return nil
}

func (c *Connector) Logout(_ context.Context, sess *session.Session) error {
	sess.Delete(c.desc.ID)
	return nil
}

func (c *Connector) User(ctx context.Context, sess *session.Session) (*connector.User, error) {
	if _, err := c.credentials(sess, "user"); err != nil {
		return nil, err
	}
	u, err := c.client.CurrentUser(ctx, c.tokens(sess))
	if err != nil {
		return nil, err
	}
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return &connector.User{Name: name, Email: u.Email, Picture: u.AvatarURL}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, connector.ErrNotFound)
}
