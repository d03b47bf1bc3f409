package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, grants *atomic.Int32, lastForm *url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		grants.Add(1)
		*lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.PostForm.Get("grant_type"),
			"refresh_token": "refresh-2",
			"token_type":    "bearer",
			"expires_in":    7200,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBeginBuildsPKCEURL(t *testing.T) {
	f := NewFlow(Config{ClientID: "cid", AuthURL: "https://gitlab.example/oauth/authorize", RedirectURL: "http://localhost/cb", Scopes: []string{"api"}})
	u, p := f.Begin()

	if len(p.State) != 52 {
		t.Fatalf("state length: got %d, want 52", len(p.State))
	}
	if p.CodeChallenge != oauth2.S256ChallengeFromVerifier(p.CodeVerifier) {
		t.Fatal("challenge must be S256 of verifier")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	q := parsed.Query()
	if q.Get("state") != p.State || q.Get("code_challenge") != p.CodeChallenge || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("query: %v", q)
	}
	if q.Get("client_id") != "cid" || q.Get("response_type") != "code" {
		t.Fatalf("query: %v", q)
	}

	_, p2 := f.Begin()
	if p2.State == p.State || p2.CodeVerifier == p.CodeVerifier {
		t.Fatal("each Begin must generate fresh values")
	}
}

func TestValidate(t *testing.T) {
	v := oauth2.GenerateVerifier()
	stored := Pending{State: "S", CodeVerifier: v, CodeChallenge: oauth2.S256ChallengeFromVerifier(v)}

	cases := []struct {
		name   string
		stored Pending
		state  string
		code   string
		want   error
	}{
		{"ok", stored, "S", "c", nil},
		{"state mismatch", stored, "X", "c", ErrStateMismatch},
		{"no verifier", Pending{State: "S"}, "S", "c", ErrMissingVerifier},
		{"tampered challenge", Pending{State: "S", CodeVerifier: v, CodeChallenge: "nope"}, "S", "c", ErrMissingVerifier},
		{"no code", stored, "S", "", ErrMissingCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.stored, tc.state, tc.code); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExchangeSendsVerifier(t *testing.T) {
	var grants atomic.Int32
	var form url.Values
	srv := newTokenServer(t, &grants, &form)

	f := NewFlow(Config{ClientID: "cid", TokenURL: srv.URL, RedirectURL: "http://localhost/cb", HTTPClient: srv.Client()})
	_, p := f.Begin()

	tok, err := f.Exchange(context.Background(), p, p.State, "the-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "access-authorization_code" || tok.RefreshToken != "refresh-2" {
		t.Fatalf("token: %+v", tok)
	}
	if form.Get("code_verifier") != p.CodeVerifier || form.Get("code") != "the-code" {
		t.Fatalf("form: %v", form)
	}
}

func TestExchangeStateMismatchMakesNoRequest(t *testing.T) {
	var grants atomic.Int32
	var form url.Values
	srv := newTokenServer(t, &grants, &form)

	f := NewFlow(Config{TokenURL: srv.URL, HTTPClient: srv.Client()})
	_, p := f.Begin()

	if _, err := f.Exchange(context.Background(), p, "forged", "code"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("got %v", err)
	}
	if grants.Load() != 0 {
		t.Fatal("no token request expected")
	}
}

func TestRefresh(t *testing.T) {
	var grants atomic.Int32
	var form url.Values
	srv := newTokenServer(t, &grants, &form)

	f := NewFlow(Config{ClientID: "cid", TokenURL: srv.URL, HTTPClient: srv.Client()})
	tok, err := f.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "access-refresh_token" || form.Get("refresh_token") != "refresh-1" {
		t.Fatalf("token %+v form %v", tok, form)
	}
	if _, err := f.Refresh(context.Background(), ""); err == nil {
		t.Fatal("empty refresh token must fail")
	}
}
