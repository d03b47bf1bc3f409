package gitlab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	glapi "github.com/silexlabs/silex/backend/internal/gitlab"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

const (
	ciFile = ".gitlab-ci.yml"
	// ciMarker flags a build descriptor this service may overwrite.
	ciMarker = "# silex: managed build descriptor"
)

var ciTemplate = ciMarker + `
# Remove the line above to stop Silex from updating this file.
pages:
  stage: deploy
  script:
    - echo "Deploying {{PUBLIC}}/ to GitLab Pages"
  artifacts:
    paths:
      - {{PUBLIC}}
  rules:
    - if: $CI_COMMIT_TAG
`

func (c *Connector) ciDescriptor() []byte {
	return []byte(strings.ReplaceAll(ciTemplate, "{{PUBLIC}}", c.opts.PublicFolder))
}

// tagName is unique per millisecond and sorts chronologically.
func tagName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("silex-%s-%03d", t.Format("20060102-150405"), t.Nanosecond()/int(time.Millisecond))
}

// siteURL is where GitLab Pages serves a project.
func (c *Connector) siteURL(p *glapi.Project) string {
	ns := p.Namespace.Path
	if ns == "" {
		ns, _, _ = strings.Cut(p.PathWithNamespace, "/")
	}
	return fmt.Sprintf("https://%s.%s/%s", ns, c.opts.PagesDomain, p.Path)
}

// ensureDescriptor creates the build descriptor when absent and updates it
// only when it carries the managed marker. Any read failure other than
// NotFound is returned.
func (c *Connector) ensureDescriptor(ctx context.Context, tok glapi.Tokens, websiteID string, r *jobs.Reporter) error {
	want := c.ciDescriptor()
	cur, err := c.client.ReadFile(ctx, tok, websiteID, ciFile, c.opts.Branch)
	switch {
	case isNotFound(err):
		r.Logf("Creating %s", ciFile)
		return c.client.CreateFile(ctx, tok, websiteID, ciFile, c.opts.Branch, "Add GitLab Pages build", want)
	case err != nil:
		return fmt.Errorf("read %s: %w", ciFile, err)
	case !strings.Contains(string(cur), ciMarker):
		r.Logf("%s is managed by the user, leaving it untouched", ciFile)
		return nil
	case string(cur) == string(want):
		return nil
	default:
		r.Logf("Updating %s", ciFile)
		return c.client.UpdateFile(ctx, tok, websiteID, ciFile, c.opts.Branch, "Update GitLab Pages build", want)
	}
}

// waitForBuild polls the job list until a job built from tag shows up or
// the timeout elapses. A nil job with a nil error means the timeout hit.
func (c *Connector) waitForBuild(ctx context.Context, tok glapi.Tokens, websiteID, tag string, r *jobs.Reporter) (*glapi.Job, error) {
	deadline := time.NewTimer(c.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			list, err := c.client.Jobs(ctx, tok, websiteID)
			if err != nil {
				if connector.IsAuthError(err) {
					return nil, err
				}
				log.Warn().Err(err).Str("website", websiteID).Msg("gitlab: poll jobs")
				continue
			}
			for i := range list {
				if list[i].Ref == tag {
					return &list[i], nil
				}
			}
			r.Logf("Waiting for the deployment job of %s", tag)
		}
	}
}

// Publish uploads the site under the public folder, tags the branch and
// waits for GitLab to pick the tag up.
func (c *Connector) Publish(ctx context.Context, sess *session.Session, websiteID string, files []connector.File, jm *jobs.Manager) (jobs.Job, error) {
	if err := checkID("publish", websiteID); err != nil {
		return jobs.Job{}, err
	}
	if _, err := c.credentials(sess, "publish"); err != nil {
		return jobs.Job{}, err
	}
	tok := c.tokens(sess)

	job := jm.Start("Publishing to GitLab Pages")
	log.Info().Str("connector", c.desc.ID).Str("website", websiteID).Str("job", job.ID).Int("files", len(files)).Msg("gitlab: publish started")

	jm.Go(ctx, job.ID, func(ctx context.Context, r *jobs.Reporter) (jobs.Outcome, error) {
		project, err := c.client.Project(ctx, tok, websiteID)
		if err != nil {
			return jobs.Outcome{}, err
		}
		if err := c.ensureDescriptor(ctx, tok, websiteID, r); err != nil {
			return jobs.Outcome{}, err
		}

		r.Logf("Uploading %d file(s)", len(files))
		if failed := c.writeFiles(ctx, tok, websiteID, c.opts.PublicFolder, "Publish", files, r); failed > 0 {
			return jobs.Outcome{}, fmt.Errorf("%d file(s) failed to upload, deployment not started", failed)
		}

		tag := tagName(c.now())
		if _, err := c.client.CreateTag(ctx, tok, websiteID, tag, c.opts.Branch); err != nil {
			return jobs.Outcome{}, err
		}
		r.Logf("Created tag %s", tag)

		site := c.siteURL(project)
		build, err := c.waitForBuild(ctx, tok, websiteID, tag, r)
		if err != nil {
			return jobs.Outcome{}, err
		}
		if build == nil {
			msg := fmt.Sprintf("Files uploaded, but the deployment could not be confirmed within %s. Check %s/-/jobs", c.opts.Timeout, project.WebURL)
			log.Warn().Str("website", websiteID).Str("tag", tag).Msg("gitlab: deployment not confirmed")
			return jobs.Outcome{Message: msg, URL: site}, nil
		}

		msg := fmt.Sprintf("Deployment started. Your website will be live at %s in a few minutes. Settings: %s/pages. Build log: %s",
			site, project.WebURL, build.WebURL)
		return jobs.Outcome{Message: msg, URL: site}, nil
	})

	snap, _ := jm.Get(job.ID)
	return snap, nil
}

// URL returns the GitLab Pages address of the website.
func (c *Connector) URL(ctx context.Context, sess *session.Session, websiteID string) (string, error) {
	if err := checkID("url", websiteID); err != nil {
		return "", err
	}
	if _, err := c.credentials(sess, "url"); err != nil {
		return "", err
	}
	p, err := c.client.Project(ctx, c.tokens(sess), websiteID)
	if err != nil {
		return "", err
	}
	return c.siteURL(p), nil
}
