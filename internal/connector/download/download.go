// Package download implements a hosting-only connector that packs the
// published files into a zip archive served once from /download/{name}.
package download

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

const backend = "download"

// Options are the per-connector settings read from configuration.
type Options struct {
	// BaseURL prefixes the download route in the job URL.
	BaseURL string `mapstructure:"baseUrl"`
}

// Connector needs no login: every session may publish to it.
type Connector struct {
	desc  connector.Descriptor
	opts  Options
	store *archive.Store
}

// New builds a download connector writing archives into store.
func New(desc connector.Descriptor, store *archive.Store) (*Connector, error) {
	var opts Options
	if err := connector.DecodeOptions(desc.Options, &opts); err != nil {
		return nil, fmt.Errorf("download connector %s: %w", desc.ID, err)
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if store == nil {
		return nil, fmt.Errorf("download connector %s: archive store is required", desc.ID)
	}
	desc.Kind = connector.CapabilityHosting
	if desc.Type == "" {
		desc.Type = backend
	}
	if desc.DisplayName == "" {
		desc.DisplayName = "Download as zip"
	}
	return &Connector{desc: desc, opts: opts, store: store}, nil
}

func (c *Connector) Descriptor() connector.Descriptor { return c.desc }

func (c *Connector) IsLoggedIn(context.Context, *session.Session) (bool, error) { return true, nil }

func (c *Connector) AuthorizeURL(context.Context, *session.Session, string) (string, error) {
	return "", nil
}

func (c *Connector) LoginForm(context.Context, *session.Session, string) (string, error) {
	return "", nil
}

func (c *Connector) SetToken(context.Context, *session.Session, map[string]string) error { return nil }

func (c *Connector) Logout(context.Context, *session.Session) error { return nil }

func (c *Connector) User(context.Context, *session.Session) (*connector.User, error) {
	return &connector.User{Name: c.desc.DisplayName}, nil
}

// DownloadURL is the address a finished archive is served from.
func (c *Connector) DownloadURL(name string) string {
	return c.opts.BaseURL + "/download/" + name
}

// Publish packs files into a new archive in the background.
func (c *Connector) Publish(ctx context.Context, _ *session.Session, websiteID string, files []connector.File, jm *jobs.Manager) (jobs.Job, error) {
	job := jm.Start("Preparing download")
	log.Info().Str("connector", c.desc.ID).Str("website", websiteID).Str("job", job.ID).Int("files", len(files)).Msg("download: archive started")

	entries := make([]archive.Entry, len(files))
	for i, f := range files {
		entries[i] = archive.Entry{Path: f.Path, Content: f.Content}
	}

	jm.Go(ctx, job.ID, func(_ context.Context, r *jobs.Reporter) (jobs.Outcome, error) {
		name, err := c.store.Create(websiteID, entries, func(p string, n int64) {
			r.Logf("Added %s (%s)", p, humanize.Bytes(uint64(n)))
		})
		if err != nil {
			return jobs.Outcome{}, &connector.Error{Kind: connector.KindUpstream, Backend: backend, Op: "publish", Err: err}
		}
		return jobs.Outcome{Message: "Your website is ready to download", URL: c.DownloadURL(name)}, nil
	})

	snap, _ := jm.Get(job.ID)
	return snap, nil
}

// URL is empty: every publication produces a new archive.
func (c *Connector) URL(context.Context, *session.Session, string) (string, error) {
	return "", nil
}
