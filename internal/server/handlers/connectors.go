package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/silexlabs/silex/backend/internal/audit"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/session"
)

// ConnectorInfo is a descriptor plus the caller's login state.
type ConnectorInfo struct {
	connector.Descriptor
	IsLoggedIn bool `json:"isLoggedIn"`
}

// ListConnectors returns the configured connectors, optionally filtered by
// ?kind=STORAGE|HOSTING.
func (a *API) ListConnectors(w http.ResponseWriter, r *http.Request) {
	kind := connector.Capability(strings.ToUpper(r.URL.Query().Get("kind")))
	if kind != "" && kind != connector.CapabilityStorage && kind != connector.CapabilityHosting {
		badRequest(w, r, "kind must be STORAGE or HOSTING")
		return
	}
	sess := sessionOf(r)
	list := a.Connectors.List(kind)
	out := make([]ConnectorInfo, 0, len(list))
	for _, c := range list {
		ok, err := c.IsLoggedIn(r.Context(), sess)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, ConnectorInfo{Descriptor: c.Descriptor(), IsLoggedIn: ok})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) connector(w http.ResponseWriter, r *http.Request) (connector.Connector, bool) {
	c, err := a.Connectors.Get(chi.URLParam(r, "connectorId"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return c, true
}

// LoginPage redirects to the provider for OAuth connectors and renders the
// login form for form-based ones.
func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connector(w, r)
	if !ok {
		return
	}
	sess := sessionOf(r)
	redirectTo := r.URL.Query().Get("redirect")

	u, err := c.AuthorizeURL(r.Context(), sess, redirectTo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if u != "" {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}
	page, err := c.LoginForm(r.Context(), sess, redirectTo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(page))
}

// Login accepts the login form, posted either url-encoded or as JSON.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connector(w, r)
	if !ok {
		return
	}
	params, err := readParams(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	err = c.SetToken(r.Context(), sessionOf(r), params)
	a.audit(r, audit.ActionLogin, c.Descriptor().ID, "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if to := safeRedirect(params["redirect"]); to != "" {
		http.Redirect(w, r, to, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged in"})
}

// Callback completes an OAuth login and sends the browser back to where the
// login started, with ?error= on failure.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connector(w, r)
	if !ok {
		return
	}
	sess := sessionOf(r)
	id := c.Descriptor().ID
	pending, _ := session.Lookup[session.OAuthCredentials](sess, id)
	returnTo := safeRedirect(pending.ReturnTo)
	if returnTo == "" {
		returnTo = "/"
	}

	params, err := readParams(r)
	if err == nil {
		err = c.SetToken(r.Context(), sess, params)
	}
	a.audit(r, audit.ActionLogin, id, "", err)
	if err != nil {
		http.Redirect(w, r, withQuery(returnTo, "error", err.Error()), http.StatusFound)
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connector(w, r)
	if !ok {
		return
	}
	err := c.Logout(r.Context(), sessionOf(r))
	a.audit(r, audit.ActionLogout, c.Descriptor().ID, "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (a *API) User(w http.ResponseWriter, r *http.Request) {
	c, ok := a.connector(w, r)
	if !ok {
		return
	}
	u, err := c.User(r.Context(), sessionOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// readParams flattens query, form and JSON object bodies into one map.
func readParams(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range r.URL.Query() {
		out[k] = v[0]
	}
	if r.Method == http.MethodGet || r.Body == nil {
		return out, nil
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			switch v := v.(type) {
			case string:
				out[k] = v
			case nil:
			default:
				b, _ := json.Marshal(v)
				out[k] = string(b)
			}
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range r.PostForm {
		out[k] = v[0]
	}
	return out, nil
}

// safeRedirect only allows same-site paths.
func safeRedirect(to string) string {
	if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || strings.HasPrefix(to, "/\\") {
		return ""
	}
	return to
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
