package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/audit"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/publish"
)

// PublishFile is one rendered file. Encoding "base64" marks binary content.
type PublishFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// PublishRequest is the body of POST /api/publish.
type PublishRequest struct {
	WebsiteID string           `json:"websiteId"`
	Files     []PublishFile    `json:"files"`
	Settings  publish.Settings `json:"publicationSettings"`
}

// Publish starts a publication and answers 202 with the job snapshot.
func (a *API) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpload)).Decode(&req); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	files := make([]connector.File, 0, len(req.Files))
	for _, f := range req.Files {
		content := []byte(f.Content)
		if f.Encoding == "base64" {
			b, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				badRequest(w, r, "invalid base64 content for "+f.Path)
				return
			}
			content = b
		}
		files = append(files, connector.Bytes(f.Path, content))
	}

	job, err := a.Publisher.Publish(r.Context(), sessionOf(r), publish.Request{
		WebsiteID: req.WebsiteID,
		Files:     files,
		Settings:  req.Settings,
	})
	a.audit(r, audit.ActionPublishStart, req.Settings.ConnectorID, req.WebsiteID, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// JobStatus returns the current snapshot of a job.
func (a *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.Publisher.Status(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

var wsUpgrader = websocket.Upgrader{
	// Any origin may watch a job it knows the id of.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// JobEvents streams job snapshots over a WebSocket until the job ends.
func (a *API) JobEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel, ok := a.Jobs.Subscribe(chi.URLParam(r, "jobId"))
	if !ok {
		writeError(w, r, connector.Errorf(connector.KindNotFound, "job events", "no job %q", chi.URLParam(r, "jobId")))
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev.Job); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

// Download streams an archive once and removes it after a complete transfer.
func (a *API) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tempFile")
	f, err := a.Archives.Open(name)
	switch {
	case errors.Is(err, archive.ErrInvalidName), errors.Is(err, os.ErrNotExist):
		writeError(w, r, connector.Errorf(connector.KindNotFound, "download", "no archive %q", name))
		return
	case err != nil:
		log.Error().Err(err).Str("archive", name).Msg("download: open archive")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if st, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	}
	_, err = io.Copy(w, f)
	f.Close()
	if err != nil {
		log.Warn().Err(err).Str("archive", name).Msg("download: transfer interrupted")
		return
	}
	if err := a.Archives.Remove(name); err != nil {
		log.Warn().Err(err).Str("archive", name).Msg("download: remove archive")
	}
}
