// Package ftp implements the file-server connector. One type serves both
// capabilities; the descriptor's kind decides whether it is registered as a
// storage or a hosting connector, and the session sub-root is the storage
// root path or the publication path accordingly.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/remotefs"
	"github.com/silexlabs/silex/backend/internal/session"
)

const backend = "ftp"

const (
	websiteFile = "website.json"
	metaFile    = "meta.json"
)

var validate = validator.New()

// Options are the per-connector settings read from configuration.
type Options struct {
	// Protocol is ftp, sftp or memory.
	Protocol string `mapstructure:"protocol"`
	// Root is prepended to every path, before the user's sub-root.
	Root         string        `mapstructure:"root"`
	AssetsFolder string        `mapstructure:"assetsFolder"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// Defaults pre-filled in the login form.
	DefaultHost string `mapstructure:"host"`
	DefaultPort int    `mapstructure:"port"`
}

// loginForm is what the login form submits.
type loginForm struct {
	Host       string `validate:"required"`
	Port       int    `validate:"required,min=1,max=65535"`
	User       string `validate:"required"`
	Pass       string `validate:"required"`
	Secure     bool
	RootPath   string
	WebsiteURL string `validate:"omitempty,url"`
}

// Connector talks to a user-supplied file server.
type Connector struct {
	desc connector.Descriptor
	opts Options
	dial remotefs.DialFunc
	now  func() time.Time
}

// New builds a connector from its descriptor. desc.Options is decoded into
// Options.
func New(desc connector.Descriptor) (*Connector, error) {
	opts := Options{Protocol: string(remotefs.ProtocolFTP), AssetsFolder: "assets", DefaultPort: 21}
	if err := connector.DecodeOptions(desc.Options, &opts); err != nil {
		return nil, fmt.Errorf("ftp connector %s: %w", desc.ID, err)
	}
	if desc.Type == "" {
		desc.Type = backend
	}
	if desc.DisplayName == "" {
		desc.DisplayName = "FTP"
	}
	if desc.Kind == "" {
		desc.Kind = connector.CapabilityStorage
	}
	return &Connector{desc: desc, opts: opts, dial: remotefs.Dial, now: time.Now}, nil
}

// WithDialer replaces the transport, for tests.
func (c *Connector) WithDialer(d remotefs.DialFunc) *Connector {
	c.dial = d
	return c
}

func (c *Connector) Descriptor() connector.Descriptor { return c.desc }

func (c *Connector) rootPathField() string {
	if c.desc.Kind == connector.CapabilityHosting {
		return "publicationPath"
	}
	return "storageRootPath"
}

func (c *Connector) remoteConfig(cr session.FTPCredentials) remotefs.Config {
	return remotefs.Config{
		Protocol: remotefs.Protocol(c.opts.Protocol),
		Host:     cr.Host,
		Port:     cr.Port,
		User:     cr.User,
		Pass:     cr.Pass,
		Secure:   cr.Secure,
		Timeout:  c.opts.Timeout,
	}
}

// root is the connector root joined with the session sub-root.
func (c *Connector) root(cr session.FTPCredentials) string {
	return path.Join("/", c.opts.Root, cr.RootPath)
}

func (c *Connector) IsLoggedIn(_ context.Context, sess *session.Session) (bool, error) {
	_, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID)
	return ok, nil
}

// AuthorizeURL is empty: login goes through the form.
func (c *Connector) AuthorizeURL(context.Context, *session.Session, string) (string, error) {
	return "", nil
}

func (c *Connector) LoginForm(_ context.Context, sess *session.Session, redirectTo string) (string, error) {
	data := formData{
		Title:         c.desc.DisplayName,
		RedirectTo:    redirectTo,
		Host:          c.opts.DefaultHost,
		Port:          c.opts.DefaultPort,
		RootPathField: c.rootPathField(),
	}
	if cr, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID); ok {
		data.Host, data.Port, data.User = cr.Host, cr.Port, cr.User
		data.Secure, data.RootPath, data.WebsiteURL = cr.Secure, cr.RootPath, cr.WebsiteURL
	}
	return renderForm(data)
}

// parseForm validates the submitted fields before anything touches the
// network.
func (c *Connector) parseForm(params map[string]string) (loginForm, error) {
	f := loginForm{
		Host:       strings.TrimSpace(params["host"]),
		User:       params["user"],
		Pass:       params["pass"],
		RootPath:   params[c.rootPathField()],
		WebsiteURL: strings.TrimSpace(params["websiteUrl"]),
	}
	if f.RootPath == "" {
		f.RootPath = params["rootPath"]
	}
	if p := strings.TrimSpace(params["port"]); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return f, connector.Errorf(connector.KindValidation, "login", "port: %q is not a number", p)
		}
		f.Port = port
	}
	switch strings.ToLower(params["secure"]) {
	case "true", "on", "1", "yes":
		f.Secure = true
	}
	if err := validate.Struct(f); err != nil {
		return f, formatValidationError(err)
	}
	return f, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return connector.Errorf(connector.KindValidation, "login", "%s: validation failed on '%s' tag",
			strings.ToLower(e.Field()), e.Tag())
	}
	return connector.Errorf(connector.KindValidation, "login", "%v", err)
}

// SetToken validates the login form, checks the credentials with a live
// connection and stores them in the session.
func (c *Connector) SetToken(ctx context.Context, sess *session.Session, params map[string]string) error {
	f, err := c.parseForm(params)
	if err != nil {
		return err
	}
	cr := session.FTPCredentials{
		Host:       f.Host,
		Port:       f.Port,
		User:       f.User,
		Pass:       f.Pass,
		Secure:     f.Secure,
		RootPath:   f.RootPath,
		WebsiteURL: f.WebsiteURL,
	}
	conn, err := c.dial(ctx, c.remoteConfig(cr))
	if err != nil {
		sess.Delete(c.desc.ID)
		return c.wrap("login", f.Host, err)
	}
	conn.Close()

	sess.Set(c.desc.ID, cr)
	log.Info().Str("connector", c.desc.ID).Str("host", f.Host).Str("user", f.User).Msg("ftp: logged in")
	return nil
}

func (c *Connector) Logout(_ context.Context, sess *session.Session) error {
	sess.Delete(c.desc.ID)
	return nil
}

func (c *Connector) User(_ context.Context, sess *session.Session) (*connector.User, error) {
	cr, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID)
	if !ok {
		return nil, c.notLoggedIn("user")
	}
	return &connector.User{Name: cr.User + "@" + cr.Host, Picture: c.desc.Icon}, nil
}

func (c *Connector) notLoggedIn(op string) error {
	return &connector.Error{Kind: connector.KindAuthenticationRequired, Backend: backend, Op: op, Message: "not logged in"}
}

// wrap classifies a transport error.
func (c *Connector) wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var ce *connector.Error
	if errors.As(err, &ce) {
		return err
	}
	kind := connector.KindUpstream
	switch {
	case errors.Is(err, remotefs.ErrLogin):
		kind = connector.KindAuthenticationRequired
	case errors.Is(err, fs.ErrNotExist):
		kind = connector.KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		kind = connector.KindTimeout
	}
	return connector.Wrap(kind, backend, op, p, err)
}

// withConn opens one connection for fn and closes it afterwards. A rejected
// login clears the stored credentials.
func (c *Connector) withConn(ctx context.Context, sess *session.Session, op string, fn func(conn remotefs.Conn, root string) error) error {
	cr, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID)
	if !ok {
		return c.notLoggedIn(op)
	}
	conn, err := c.dial(ctx, c.remoteConfig(cr))
	if err != nil {
		if errors.Is(err, remotefs.ErrLogin) {
			sess.Delete(c.desc.ID)
		}
		return c.wrap(op, cr.Host, err)
	}
	defer conn.Close()
	return fn(conn, c.root(cr))
}
