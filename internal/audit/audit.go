// Package audit provides a unified helper for writing operation audit records.
//
// Records go to the structured log with component=audit so they can be routed
// and retained separately from request logs.
package audit

import (
	"github.com/rs/zerolog"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Actions recorded by the HTTP layer.
const (
	ActionLogin         = "connector.login"
	ActionLogout        = "connector.logout"
	ActionWebsiteDelete = "website.delete"
	ActionPublishStart  = "publish.start"
)

// Entry holds all fields for a single audit record.
type Entry struct {
	// SessionID identifies the browser session, never the cookie value.
	SessionID string
	// Action is a dot-namespaced verb, e.g. "connector.login".
	Action string
	// ConnectorID is the backend the action targeted.
	ConnectorID string
	// ResourceID is the website or job id affected, when there is one.
	ResourceID string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's source IP address.
	IP        string
	UserAgent string
	// Detail holds optional structured context (error message, job id, etc.).
	Detail map[string]any
}

// Write emits one audit record. Invalid entries are reported and dropped;
// an audit failure never breaks the calling operation.
func Write(logger zerolog.Logger, entry Entry) {
	if !validStatuses[entry.Status] {
		logger.Warn().Str("action", entry.Action).Str("status", entry.Status).Msg("audit: invalid status, skipping")
		return
	}

	ev := logger.Info().
		Str("component", "audit").
		Str("action", entry.Action).
		Str("status", entry.Status)
	if entry.SessionID != "" {
		ev = ev.Str("session", entry.SessionID)
	}
	if entry.ConnectorID != "" {
		ev = ev.Str("connector", entry.ConnectorID)
	}
	if entry.ResourceID != "" {
		ev = ev.Str("resource", entry.ResourceID)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if entry.UserAgent != "" {
		ev = ev.Str("user_agent", entry.UserAgent)
	}
	if len(entry.Detail) > 0 {
		ev = ev.Interface("detail", entry.Detail)
	}
	ev.Msg(entry.Action)
}
