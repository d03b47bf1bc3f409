package gitlab

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeProject struct {
	id          int64
	name        string
	description string
	files       map[string][]byte
	tags        []string
}

// fakeGitLab is an in-memory subset of the GitLab v4 API plus its OAuth
// token endpoint.
type fakeGitLab struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	projects  map[int64]*fakeProject
	nextID    int64
	token     string
	refreshes int
	// reportJobs makes the job list include a pages job for every tag.
	reportJobs bool
	// writes counts file create/update calls per path.
	writes map[string]int
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	t.Helper()
	f := &fakeGitLab{t: t, projects: map[int64]*fakeProject{}, nextID: 100, token: "access-1", reportJobs: true, writes: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitLab) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeGitLab) project(p *fakeProject) map[string]any {
	path := strings.ReplaceAll(strings.ToLower(p.name), " ", "-")
	return map[string]any{
		"id":                  p.id,
		"name":                p.name,
		"path":                path,
		"path_with_namespace": "ada/" + path,
		"description":         p.description,
		"web_url":             f.srv.URL + "/ada/" + path,
		"namespace":           map[string]string{"path": "ada", "full_path": "ada"},
		"created_at":          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"last_activity_at":    time.Date(2024, 2, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (f *fakeGitLab) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/oauth/token" {
		r.ParseForm()
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code_verifier") == "" {
				f.reply(w, 400, map[string]string{"error": "invalid_grant"})
				return
			}
		case "refresh_token":
			f.refreshes++
			f.token = fmt.Sprintf("access-%d", f.refreshes+1)
		}
		f.reply(w, 200, map[string]any{"access_token": f.token, "refresh_token": "refresh", "token_type": "bearer", "expires_in": 7200})
		return
	}

	if r.URL.Query().Get("access_token") != f.token {
		f.reply(w, 401, map[string]string{"message": "401 Unauthorized"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v4/")
	switch {
	case rest == "user":
		f.reply(w, 200, map[string]any{"id": 7, "username": "ada", "name": "Ada Lovelace", "avatar_url": "https://example.com/ada.png"})
	case rest == "projects" && r.Method == http.MethodPost:
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		p := &fakeProject{id: f.nextID, name: body["name"], description: body["description"], files: map[string][]byte{}}
		f.projects[p.id] = p
		f.reply(w, 201, f.project(p))
	case rest == "users/7/projects":
		ids := make([]int64, 0, len(f.projects))
		for id := range f.projects {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out := []map[string]any{}
		for _, id := range ids {
			if strings.Contains(f.projects[id].name, r.URL.Query().Get("search")) {
				out = append(out, f.project(f.projects[id]))
			}
		}
		f.reply(w, 200, out)
	case strings.HasPrefix(rest, "projects/"):
		f.serveProject(w, r, strings.TrimPrefix(rest, "projects/"))
	default:
		f.reply(w, 404, map[string]string{"message": "404 Not Found"})
	}
}

func (f *fakeGitLab) serveProject(w http.ResponseWriter, r *http.Request, rest string) {
	idStr, sub, _ := strings.Cut(rest, "/")
	id, _ := strconv.ParseInt(idStr, 10, 64)
	p, ok := f.projects[id]
	if !ok {
		f.reply(w, 404, map[string]string{"message": "404 Project Not Found"})
		return
	}

	switch {
	case sub == "":
		switch r.Method {
		case http.MethodGet:
			f.reply(w, 200, f.project(p))
		case http.MethodPut:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			p.description = body["description"]
			f.reply(w, 200, f.project(p))
		case http.MethodDelete:
			delete(f.projects, id)
			f.reply(w, 202, map[string]string{"message": "202 Accepted"})
		}
	case strings.HasPrefix(sub, "repository/files/"):
		f.serveFile(w, r, p, strings.TrimPrefix(sub, "repository/files/"))
	case sub == "repository/tree":
		out := []map[string]string{}
		keys := make([]string, 0, len(p.files))
		for k := range p.files {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, map[string]string{"id": k, "name": k[strings.LastIndex(k, "/")+1:], "type": "blob", "path": k})
		}
		f.reply(w, 200, out)
	case sub == "repository/tags":
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		p.tags = append(p.tags, body["tag_name"])
		f.reply(w, 201, map[string]string{"name": body["tag_name"], "target": "abc"})
	case sub == "jobs":
		out := []map[string]any{}
		if f.reportJobs {
			for i, tag := range p.tags {
				out = append(out, map[string]any{"id": i + 1, "name": "pages", "status": "running", "ref": tag, "web_url": fmt.Sprintf("%s/-/jobs/%d", f.srv.URL, i+1)})
			}
		}
		f.reply(w, 200, out)
	default:
		f.reply(w, 404, map[string]string{"message": "404 Not Found"})
	}
}

func (f *fakeGitLab) serveFile(w http.ResponseWriter, r *http.Request, p *fakeProject, path string) {
	content, exists := p.files[path]
	switch r.Method {
	case http.MethodGet:
		if !exists {
			f.reply(w, 404, map[string]string{"message": "404 File Not Found"})
			return
		}
		f.reply(w, 200, map[string]string{"file_path": path, "encoding": "base64", "content": base64.StdEncoding.EncodeToString(content)})
	case http.MethodPost, http.MethodPut:
		if r.Method == http.MethodPost && exists {
			f.reply(w, 400, map[string]string{"message": "A file with this name already exists"})
			return
		}
		if r.Method == http.MethodPut && !exists {
			f.reply(w, 400, map[string]string{"message": "A file with this name doesn't exist"})
			return
		}
		var body struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		data := []byte(body.Content)
		if body.Encoding == "base64" {
			data, _ = base64.StdEncoding.DecodeString(body.Content)
		}
		p.files[path] = data
		f.writes[path]++
		f.reply(w, 201, map[string]string{"file_path": path})
	case http.MethodDelete:
		if !exists {
			f.reply(w, 404, map[string]string{"message": "404 File Not Found"})
			return
		}
		delete(p.files, path)
		w.WriteHeader(204)
	}
}

func (f *fakeGitLab) file(id int64, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, false
	}
	b, ok := p.files[path]
	return b, ok
}

func (f *fakeGitLab) setFile(id int64, path string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[id].files[path] = b
}

func (f *fakeGitLab) tags(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.projects[id].tags...)
}

func (f *fakeGitLab) expireToken() {
	f.mu.Lock()
	f.token = "rotated"
	f.mu.Unlock()
}
