package gitlab

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// User is the subset of GET /user the connector needs.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Namespace is the owner of a project.
type Namespace struct {
	Path     string `json:"path"`
	FullPath string `json:"full_path"`
}

// Project is the subset of a GitLab project the connector needs.
type Project struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	PathWithNamespace string    `json:"path_with_namespace"`
	Description       string    `json:"description"`
	WebURL            string    `json:"web_url"`
	DefaultBranch     string    `json:"default_branch"`
	Namespace         Namespace `json:"namespace"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// TreeEntry is one node of a repository tree listing.
type TreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Job is one CI job.
type Job struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Ref    string `json:"ref"`
	WebURL string `json:"web_url"`
}

// Tag is a repository tag.
type Tag struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// FileContent is the payload of the repository files API.
type FileContent struct {
	Branch        string `json:"branch"`
	Content       string `json:"content"`
	Encoding      string `json:"encoding"`
	CommitMessage string `json:"commit_message"`
}

const perPage = 100

// ProjectPath returns the escaped API path of a project.
func ProjectPath(projectID string) string {
	return "projects/" + url.PathEscape(projectID)
}

func filePath(projectID, p string) string {
	return ProjectPath(projectID) + "/repository/files/" + url.PathEscape(p)
}

// CurrentUser returns the owner of the access token.
func (c *Client) CurrentUser(ctx context.Context, tok Tokens) (*User, error) {
	var u User
	if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: "user"}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateProject creates a private project.
func (c *Client) CreateProject(ctx context.Context, tok Tokens, name, description string) (*Project, error) {
	var p Project
	body := map[string]any{
		"name":        name,
		"description": description,
		"visibility":  "private",
	}
	if err := c.Do(ctx, tok, Request{Method: http.MethodPost, Path: "projects", Body: body}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Project fetches one project.
func (c *Client) Project(ctx context.Context, tok Tokens, projectID string) (*Project, error) {
	var p Project
	if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: ProjectPath(projectID)}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// OwnedProjects lists the projects owned by userID whose name contains
// search, following pagination.
func (c *Client) OwnedProjects(ctx context.Context, tok Tokens, userID int64, search string) ([]Project, error) {
	var all []Project
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("search", search)
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		var batch []Project
		path := "users/" + strconv.FormatInt(userID, 10) + "/projects"
		if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: path, Query: q}, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// UpdateProjectDescription replaces a project's description.
func (c *Client) UpdateProjectDescription(ctx context.Context, tok Tokens, projectID, description string) error {
	body := map[string]any{"description": description}
	return c.Do(ctx, tok, Request{Method: http.MethodPut, Path: ProjectPath(projectID), Body: body}, nil)
}

// DeleteProject deletes a project.
func (c *Client) DeleteProject(ctx context.Context, tok Tokens, projectID string) error {
	return c.Do(ctx, tok, Request{Method: http.MethodDelete, Path: ProjectPath(projectID)}, nil)
}

// ReadFile returns the decoded content of p at ref.
func (c *Client) ReadFile(ctx context.Context, tok Tokens, projectID, p, ref string) ([]byte, error) {
	q := url.Values{}
	q.Set("ref", ref)
	var f FileContent
	if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: filePath(projectID, p), Query: q}, &f); err != nil {
		return nil, err
	}
	if f.Encoding == "base64" {
		b, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("gitlab: decode %q: %w", p, err)
		}
		return b, nil
	}
	return []byte(f.Content), nil
}

// Encode picks the files API encoding for content: text for valid UTF-8 text
// types, base64 otherwise.
func Encode(content []byte) (string, string) {
	if !utf8.Valid(content) {
		return base64.StdEncoding.EncodeToString(content), "base64"
	}
	mt := mimetype.Detect(content)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return string(content), "text"
		}
	}
	return base64.StdEncoding.EncodeToString(content), "base64"
}

func fileBody(branch, message string, content []byte) FileContent {
	encoded, encoding := Encode(content)
	return FileContent{Branch: branch, Content: encoded, Encoding: encoding, CommitMessage: message}
}

// CreateFile adds a new file to branch.
func (c *Client) CreateFile(ctx context.Context, tok Tokens, projectID, p, branch, message string, content []byte) error {
	return c.Do(ctx, tok, Request{Method: http.MethodPost, Path: filePath(projectID, p), Body: fileBody(branch, message, content)}, nil)
}

// UpdateFile replaces an existing file on branch.
func (c *Client) UpdateFile(ctx context.Context, tok Tokens, projectID, p, branch, message string, content []byte) error {
	return c.Do(ctx, tok, Request{Method: http.MethodPut, Path: filePath(projectID, p), Body: fileBody(branch, message, content)}, nil)
}

// WriteFile updates p, creating it when it does not exist yet. A create that
// races with another writer falls back to one more update.
func (c *Client) WriteFile(ctx context.Context, tok Tokens, projectID, p, branch, message string, content []byte) error {
	err := c.UpdateFile(ctx, tok, projectID, p, branch, message, content)
	if err == nil || !IsMissingFile(err) {
		return err
	}
	err = c.CreateFile(ctx, tok, projectID, p, branch, message, content)
	if err != nil && IsAlreadyExists(err) {
		return c.UpdateFile(ctx, tok, projectID, p, branch, message, content)
	}
	return err
}

// DeleteFile removes p from branch.
func (c *Client) DeleteFile(ctx context.Context, tok Tokens, projectID, p, branch, message string) error {
	body := map[string]any{"branch": branch, "commit_message": message}
	return c.Do(ctx, tok, Request{Method: http.MethodDelete, Path: filePath(projectID, p), Body: body}, nil)
}

// Tree lists the repository recursively below dir at ref, following
// pagination.
func (c *Client) Tree(ctx context.Context, tok Tokens, projectID, dir, ref string) ([]TreeEntry, error) {
	var all []TreeEntry
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("recursive", "true")
		q.Set("ref", ref)
		if dir != "" {
			q.Set("path", dir)
		}
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		var batch []TreeEntry
		if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: ProjectPath(projectID) + "/repository/tree", Query: q}, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// CreateTag tags ref with name.
func (c *Client) CreateTag(ctx context.Context, tok Tokens, projectID, name, ref string) (*Tag, error) {
	var t Tag
	body := map[string]any{"tag_name": name, "ref": ref}
	if err := c.Do(ctx, tok, Request{Method: http.MethodPost, Path: ProjectPath(projectID) + "/repository/tags", Body: body}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Jobs returns the most recent CI jobs of a project.
func (c *Client) Jobs(ctx context.Context, tok Tokens, projectID string) ([]Job, error) {
	var jobs []Job
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(perPage))
	if err := c.Do(ctx, tok, Request{Method: http.MethodGet, Path: ProjectPath(projectID) + "/jobs", Query: q}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
