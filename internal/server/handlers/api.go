package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/audit"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/publish"
	"github.com/silexlabs/silex/backend/internal/session"
)

// API holds what the HTTP handlers need. Handlers are its methods.
type API struct {
	Connectors *connector.Registry
	Jobs       *jobs.Manager
	Publisher  *publish.Service
	Archives   *archive.Store
	Audit      zerolog.Logger
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("http: encode response")
	}
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	var ce *connector.Error
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case connector.KindAuthenticationRequired, connector.KindAuthorizationExpired:
		return http.StatusUnauthorized
	case connector.KindNotFound:
		return http.StatusNotFound
	case connector.KindValidation:
		return http.StatusBadRequest
	case connector.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	kind := "InternalError"
	if status != http.StatusInternalServerError {
		kind = string(connector.KindOf(err))
	}
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("http: request failed")
	writeJSON(w, status, ErrorResponse{Error: kind, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, &connector.Error{Kind: connector.KindValidation, Message: msg})
}

func (a *API) audit(r *http.Request, action, connectorID, resource string, err error) {
	e := audit.Entry{
		Action:      action,
		ConnectorID: connectorID,
		ResourceID:  resource,
		Status:      audit.StatusSuccess,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
	if sess := session.FromContext(r.Context()); sess != nil {
		e.SessionID = sess.ID
	}
	if err != nil {
		e.Status = audit.StatusFailed
		e.Detail = map[string]any{"error": err.Error()}
	}
	audit.Write(a.Audit, e)
}

func sessionOf(r *http.Request) *session.Session {
	if sess := session.FromContext(r.Context()); sess != nil {
		return sess
	}
	// Handlers mounted without the session middleware get a throwaway one.
	return session.New()
}
