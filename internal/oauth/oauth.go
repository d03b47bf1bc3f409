// Package oauth runs the OAuth2 authorization-code flow with PKCE (S256)
// against a configurable authorization server.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch is returned when the state echoed by the
	// authorization server differs from the one stored at Begin.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrMissingVerifier is returned when no verifier/challenge pair was
	// stored, typically because the session expired during the round trip.
	ErrMissingVerifier = errors.New("oauth: missing code verifier")
	// ErrMissingCode is returned when the callback carries no code.
	ErrMissingCode = errors.New("oauth: missing authorization code")
)

// stateEncoding is base32 (A-Z 2-7) without padding, safe in a URL query.
var stateEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config describes one authorization server and client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// HTTPClient is used for token requests. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Pending holds what must be remembered between Begin and Exchange.
type Pending struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// Token is the result of a code exchange or a refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Flow drives the PKCE handshake for one Config.
type Flow struct {
	cfg    oauth2.Config
	client *http.Client
}

// NewFlow returns a Flow for cfg.
func NewFlow(cfg Config) *Flow {
	return &Flow{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: cfg.HTTPClient,
	}
}

// NewState returns a random 256-bit state string.
func NewState() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("oauth: failed to read random bytes: " + err.Error())
	}
	return stateEncoding.EncodeToString(b)
}

// Begin generates a fresh state and code verifier and returns the URL the
// user agent must be sent to. The returned Pending must be stored until the
// callback.
func (f *Flow) Begin() (string, Pending) {
	verifier := oauth2.GenerateVerifier()
	p := Pending{
		State:         NewState(),
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
	return f.cfg.AuthCodeURL(p.State, oauth2.S256ChallengeOption(verifier)), p
}

// Validate checks the callback parameters against what Begin stored.
func Validate(stored Pending, returnedState, code string) error {
	if stored.CodeVerifier == "" || stored.CodeChallenge == "" {
		return ErrMissingVerifier
	}
	if stored.State == "" || returnedState != stored.State {
		return ErrStateMismatch
	}
	if oauth2.S256ChallengeFromVerifier(stored.CodeVerifier) != stored.CodeChallenge {
		return ErrMissingVerifier
	}
	if code == "" {
		return ErrMissingCode
	}
	return nil
}

// Exchange validates the callback and trades code for a token, sending the
// stored verifier.
func (f *Flow) Exchange(ctx context.Context, stored Pending, returnedState, code string) (Token, error) {
	if err := Validate(stored, returnedState, code); err != nil {
		return Token{}, err
	}
	tok, err := f.cfg.Exchange(f.ctx(ctx), code, oauth2.VerifierOption(stored.CodeVerifier))
	if err != nil {
		return Token{}, fmt.Errorf("oauth: exchange code: %w", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh performs the refresh-token grant.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errors.New("oauth: no refresh token")
	}
	// An already expired token forces the source to refresh.
	src := f.cfg.TokenSource(f.ctx(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("oauth: refresh token: %w", err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func (f *Flow) ctx(ctx context.Context) context.Context {
	if f.client != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, f.client)
	}
	return ctx
}

func fromOAuth2(t *oauth2.Token) Token {
	return Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}
