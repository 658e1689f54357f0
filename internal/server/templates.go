package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = map[string]*template.Template{
	"login":   parsePage("login"),
	"consent": parsePage("consent"),
	"home":    parsePage("home"),
	"error":   parsePage("error"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
}

type loginPage struct {
	Title          string
	Error          bool
	LoggedOut      bool
	ReturnTo       string
	GoogleClientID string
	LoginURI       string
}

type consentPage struct {
	Title    string
	ClientID string
	Username string
	Scopes   []string
}

type homePage struct {
	Title    string
	Username string
}

type errorPage struct {
	Title       string
	Code        string
	Description string
}

// render executes a page into a buffer first so a template failure never
// leaves a half-written response.
func (s *Service) render(w http.ResponseWriter, status int, page string, data any) {
	var buf bytes.Buffer
	if err := pages[page].ExecuteTemplate(&buf, page+".html", data); err != nil {
		s.log.Error("render page", zap.String("page", page), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
