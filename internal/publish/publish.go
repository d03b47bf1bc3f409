// Package publish is the entry point for publishing a rendered website: it
// validates the request, picks the hosting connector and hands the files to
// it, returning the job that tracks the upload.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/fileutil"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

var validate = validator.New()

// Settings select the hosting connector and adjust where files land.
type Settings struct {
	ConnectorID string `json:"backendId,omitempty"`
	// AssetsPath replaces the leading "assets" folder of published paths.
	AssetsPath string `json:"assetsPath,omitempty"`
	// CSSPath replaces the leading "css" folder of published paths.
	CSSPath string `json:"cssPath,omitempty"`
	// URL, when set, is reported as the website address instead of the one
	// the connector computes. Download connectors keep their link.
	URL string `json:"url,omitempty" validate:"omitempty,url"`
}

// Request is one publication.
type Request struct {
	WebsiteID string           `validate:"required"`
	Files     []connector.File `validate:"min=1"`
	Settings  Settings
}

// Service publishes websites through the registered hosting connectors.
type Service struct {
	connectors *connector.Registry
	jobs       *jobs.Manager
}

// NewService returns a Service resolving connectors in reg and tracking
// publications in jm.
func NewService(reg *connector.Registry, jm *jobs.Manager) *Service {
	return &Service{connectors: reg, jobs: jm}
}

// Publish runs the synchronous checks and starts the upload. An error means
// no job was created.
func (s *Service) Publish(ctx context.Context, sess *session.Session, req Request) (jobs.Job, error) {
	if err := validate.Struct(req); err != nil {
		return jobs.Job{}, &connector.Error{Kind: connector.KindValidation, Op: "publish", Message: formatValidationError(err)}
	}

	files := make([]connector.File, len(req.Files))
	for i, f := range req.Files {
		clean, err := fileutil.CleanRelPath(f.Path)
		if err != nil {
			return jobs.Job{}, &connector.Error{Kind: connector.KindValidation, Op: "publish", Path: f.Path, Err: err}
		}
		target, err := fileutil.CleanRelPath(remap(clean, req.Settings))
		if err != nil {
			return jobs.Job{}, &connector.Error{Kind: connector.KindValidation, Op: "publish", Path: f.Path,
				Message: "publication folder settings move the file outside the website", Err: err}
		}
		files[i] = connector.File{Path: target, Content: f.Content}
	}

	host, err := s.connectors.Hosting(req.Settings.ConnectorID)
	if err != nil {
		return jobs.Job{}, err
	}
	desc := host.Descriptor()
	if ok, err := host.IsLoggedIn(ctx, sess); err != nil {
		return jobs.Job{}, err
	} else if !ok {
		return jobs.Job{}, &connector.Error{Kind: connector.KindAuthenticationRequired, Backend: desc.Type, Op: "publish",
			Message: fmt.Sprintf("log in to %s first", desc.DisplayName)}
	}

	job, err := host.Publish(ctx, sess, req.WebsiteID, files, s.jobs)
	if err != nil {
		return jobs.Job{}, err
	}
	// A download link is the only way to fetch the archive, keep it.
	if _, isDownload := host.(connector.Downloader); req.Settings.URL != "" && !isDownload {
		s.jobs.SetURL(job.ID, req.Settings.URL)
	}
	log.Info().Str("connector", desc.ID).Str("website", req.WebsiteID).Str("job", job.ID).Int("files", len(files)).Msg("publish: started")
	return job, nil
}

// Status returns the current snapshot of a publication job.
func (s *Service) Status(jobID string) (jobs.Job, error) {
	j, ok := s.jobs.Get(jobID)
	if !ok {
		return jobs.Job{}, connector.Errorf(connector.KindNotFound, "job status", "no job %q", jobID)
	}
	return j, nil
}

// remap moves files out of the default assets and css folders when the
// settings name other folders.
func remap(p string, st Settings) string {
	for _, r := range []struct{ from, to string }{
		{"assets", st.AssetsPath},
		{"css", st.CSSPath},
	} {
		to := strings.Trim(r.to, "/")
		if to == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(p, r.from+"/"); ok {
			return path.Join(to, rest)
		}
	}
	return p
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
	}
}
