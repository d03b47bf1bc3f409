// Package connector defines the two capability contracts a backend may
// implement, Storage (website documents and assets) and Hosting
// (publication), plus the registry that maps configured connector ids to
// their implementation.
//
// Implementations:
//   - ftp: FTP/SFTP file server, storage and hosting
//   - gitlab: GitLab repository + GitLab Pages, storage and hosting
//   - download: local zip archive, hosting only
package connector

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

// Capability is the role a configured connector plays.
type Capability string

const (
	CapabilityStorage Capability = "STORAGE"
	CapabilityHosting Capability = "HOSTING"
)

// Descriptor identifies one configured backend instance.
type Descriptor struct {
	ID          string         `json:"connectorId"`
	Type        string         `json:"type"`
	Kind        Capability     `json:"connectorType"`
	DisplayName string         `json:"displayName"`
	Icon        string         `json:"icon,omitempty"`
	Color       string         `json:"color,omitempty"`
	Background  string         `json:"background,omitempty"`
	Options     map[string]any `json:"-"`
}

// File is a path plus its content. Content is consumed once.
type File struct {
	Path    string
	Content io.Reader
}

// Bytes wraps an in-memory payload as a File.
func Bytes(path string, b []byte) File {
	return File{Path: path, Content: bytes.NewReader(b)}
}

// User is the identity a backend reports for the logged-in session.
type User struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// WebsiteMetaFile is the writable part of a website's metadata.
type WebsiteMetaFile struct {
	Name                  string         `json:"name"`
	ImageURL              string         `json:"imageUrl,omitempty"`
	ConnectorUserSettings map[string]any `json:"connectorUserSettings,omitempty"`
}

// WebsiteMeta is the metadata returned when listing or inspecting websites.
type WebsiteMeta struct {
	WebsiteMetaFile
	WebsiteID string    `json:"websiteId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Progress receives per-file progress from long writes. *jobs.Reporter
// implements it; a nil Progress is allowed wherever one is accepted.
type Progress interface {
	Logf(format string, args ...any)
	FileError(path string, err error)
}

// Connector is the authentication surface shared by every backend.
type Connector interface {
	Descriptor() Descriptor
	IsLoggedIn(ctx context.Context, sess *session.Session) (bool, error)
	// AuthorizeURL starts a redirect-based login. Form-based backends
	// return an empty string.
	AuthorizeURL(ctx context.Context, sess *session.Session, redirectTo string) (string, error)
	// LoginForm renders the HTML login form of form-based backends.
	// Redirect-based backends return an empty string.
	LoginForm(ctx context.Context, sess *session.Session, redirectTo string) (string, error)
	// SetToken completes a login with the submitted form values or the
	// OAuth callback query parameters.
	SetToken(ctx context.Context, sess *session.Session, params map[string]string) error
	Logout(ctx context.Context, sess *session.Session) error
	User(ctx context.Context, sess *session.Session) (*User, error)
}

// Storage persists website documents and assets.
type Storage interface {
	Connector
	CreateWebsite(ctx context.Context, sess *session.Session, meta WebsiteMetaFile) (string, error)
	ListWebsites(ctx context.Context, sess *session.Session) ([]WebsiteMeta, error)
	ReadWebsite(ctx context.Context, sess *session.Session, websiteID string) (io.ReadCloser, error)
	UpdateWebsite(ctx context.Context, sess *session.Session, websiteID string, data []byte) error
	DeleteWebsite(ctx context.Context, sess *session.Session, websiteID string) error
	DuplicateWebsite(ctx context.Context, sess *session.Session, websiteID string) (string, error)
	WriteAssets(ctx context.Context, sess *session.Session, websiteID string, files []File, progress Progress) error
	ReadAsset(ctx context.Context, sess *session.Session, websiteID, path string) (io.ReadCloser, error)
	DeleteAssets(ctx context.Context, sess *session.Session, websiteID string, paths []string) error
	GetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string) (WebsiteMeta, error)
	SetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string, meta WebsiteMetaFile) error
}

// Hosting publishes a rendered website.
type Hosting interface {
	Connector
	// Publish starts a job and returns its snapshot immediately; the upload
	// continues in the background and completes the job. Errors returned
	// here are pre-flight failures only, no job exists for them.
	Publish(ctx context.Context, sess *session.Session, websiteID string, files []File, jm *jobs.Manager) (jobs.Job, error)
	URL(ctx context.Context, sess *session.Session, websiteID string) (string, error)
}

// Downloader is a Hosting whose job URL points at a generated file to fetch
// rather than at the published website.
type Downloader interface {
	Hosting
	DownloadURL(name string) string
}

// Logf writes to p when it is not nil.
func Logf(p Progress, format string, args ...any) {
	if p != nil {
		p.Logf(format, args...)
	}
}

// FileError writes to p when it is not nil.
func FileError(p Progress, path string, err error) {
	if p != nil {
		p.FileError(path, err)
	}
}
