package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/audit"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
)

// maxUpload bounds multipart asset uploads held in memory.
const maxUpload = 64 << 20

func (a *API) storage(w http.ResponseWriter, r *http.Request) (connector.Storage, bool) {
	s, err := a.Connectors.Storage(r.URL.Query().Get("connectorId"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func (a *API) ListWebsites(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	list, err := s.ListWebsites(r.Context(), sessionOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) CreateWebsite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	var meta connector.WebsiteMetaFile
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	if meta.Name == "" {
		badRequest(w, r, "name is required")
		return
	}
	id, err := s.CreateWebsite(r.Context(), sessionOf(r), meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"websiteId": id})
}

func (a *API) ReadWebsite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	rc, err := s.ReadWebsite(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Msg("http: stream website")
	}
}

func (a *API) UpdateWebsite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if !json.Valid(data) {
		badRequest(w, r, "website data must be JSON")
		return
	}
	if err := s.UpdateWebsite(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"), data); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Website saved"})
}

func (a *API) DeleteWebsite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "websiteId")
	err := s.DeleteWebsite(r.Context(), sessionOf(r), id)
	a.audit(r, audit.ActionWebsiteDelete, s.Descriptor().ID, id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Website deleted"})
}

func (a *API) DuplicateWebsite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	id, err := s.DuplicateWebsite(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"websiteId": id})
}

func (a *API) GetWebsiteMeta(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	meta, err := s.GetWebsiteMeta(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) SetWebsiteMeta(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	var meta connector.WebsiteMetaFile
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	if err := s.SetWebsiteMeta(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"), meta); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Meta saved"})
}

// UploadAssets reads the multipart files into memory and writes them in a
// background job. The response is the job snapshot.
func (a *API) UploadAssets(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		badRequest(w, r, "invalid multipart body: "+err.Error())
		return
	}
	var files []connector.File
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				writeError(w, r, err)
				return
			}
			b, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
			files = append(files, connector.Bytes(fh.Filename, b))
		}
	}
	if len(files) == 0 {
		badRequest(w, r, "no files")
		return
	}

	sess := sessionOf(r)
	websiteID := chi.URLParam(r, "websiteId")
	job := a.Jobs.Start(fmt.Sprintf("Uploading %d asset(s)", len(files)))
	a.Jobs.Go(r.Context(), job.ID, func(ctx context.Context, rep *jobs.Reporter) (jobs.Outcome, error) {
		if err := s.WriteAssets(ctx, sess, websiteID, files, rep); err != nil {
			return jobs.Outcome{}, err
		}
		return jobs.Outcome{Message: fmt.Sprintf("%d asset(s) uploaded", len(files))}, nil
	})
	snap, _ := a.Jobs.Get(job.ID)
	writeJSON(w, http.StatusAccepted, snap)
}

// ReadAsset streams one asset. The content type comes from the extension,
// or from the content when the extension is unknown.
func (a *API) ReadAsset(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	p := chi.URLParam(r, "*")
	rc, err := s.ReadAsset(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct := mime.TypeByExtension(path.Ext(p))
	if ct == "" {
		ct = mimetype.Detect(b).String()
	}
	w.Header().Set("Content-Type", ct)
	w.Write(b)
}

type deleteAssetsRequest struct {
	Paths []string `json:"paths"`
}

func (a *API) DeleteAssets(w http.ResponseWriter, r *http.Request) {
	s, ok := a.storage(w, r)
	if !ok {
		return
	}
	var req deleteAssetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		badRequest(w, r, "paths are required")
		return
	}
	if err := s.DeleteAssets(r.Context(), sessionOf(r), chi.URLParam(r, "websiteId"), req.Paths); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Assets deleted"})
}
