package ftp

import (
	"html/template"
	"strings"
)

type formData struct {
	Title         string
	RedirectTo    string
	Host          string
	Port          int
	User          string
	Secure        bool
	RootPath      string
	RootPathField string
	WebsiteURL    string
	Error         string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}} login</title></head>
<body>
<form method="post">
  <h1>{{.Title}}</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <input type="hidden" name="redirect" value="{{.RedirectTo}}">
  <label>Host <input name="host" value="{{.Host}}" required></label>
  <label>Port <input name="port" type="number" min="1" max="65535" value="{{if .Port}}{{.Port}}{{end}}" required></label>
  <label>User <input name="user" value="{{.User}}" required></label>
  <label>Password <input name="pass" type="password" required></label>
  <label><input name="secure" type="checkbox" value="true"{{if .Secure}} checked{{end}}> Secure (TLS)</label>
  <label>Path <input name="{{.RootPathField}}" value="{{.RootPath}}"></label>
  {{if eq .RootPathField "publicationPath"}}<label>Website URL <input name="websiteUrl" value="{{.WebsiteURL}}"></label>{{end}}
  <button type="submit">Login</button>
</form>
</body>
</html>
`))

func renderForm(d formData) (string, error) {
	var b strings.Builder
	if err := loginTemplate.Execute(&b, d); err != nil {
		return "", err
	}
	return b.String(), nil
}
