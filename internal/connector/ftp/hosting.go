package ftp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/remotefs"
	"github.com/silexlabs/silex/backend/internal/session"
)

// Publish uploads files below the publication path, sequentially and in the
// given order so that each file's progress is attributed to it.
func (c *Connector) Publish(ctx context.Context, sess *session.Session, websiteID string, files []connector.File, jm *jobs.Manager) (jobs.Job, error) {
	cr, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID)
	if !ok {
		return jobs.Job{}, c.notLoggedIn("publish")
	}

	job := jm.Start(fmt.Sprintf("Publishing to %s", c.desc.DisplayName))
	log.Info().Str("connector", c.desc.ID).Str("website", websiteID).Str("job", job.ID).Int("files", len(files)).Msg("ftp: publish started")

	jm.Go(ctx, job.ID, func(ctx context.Context, r *jobs.Reporter) (jobs.Outcome, error) {
		r.Logf("Connecting to %s", cr.Host)
		err := c.withConn(ctx, sess, "publish", func(conn remotefs.Conn, root string) error {
			r.Logf("Uploading %d file(s) to %s", len(files), root)
			_, err := c.uploadAll(conn, root, files, r)
			return err
		})
		if err != nil {
			return jobs.Outcome{}, err
		}
		return jobs.Outcome{Message: "Website published", URL: cr.WebsiteURL}, nil
	})

	snap, _ := jm.Get(job.ID)
	return snap, nil
}

// URL returns the public address entered at login.
func (c *Connector) URL(_ context.Context, sess *session.Session, _ string) (string, error) {
	cr, ok := session.Lookup[session.FTPCredentials](sess, c.desc.ID)
	if !ok {
		return "", c.notLoggedIn("url")
	}
	return cr.WebsiteURL, nil
}
