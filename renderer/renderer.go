// Package renderer parses the embedded HTML templates for the job pages and
// provides the HTTP middleware chain shared by every route.
package renderer

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	templates *template.Template
	once      sync.Once
)

// --------------------------------------------------------------------
// Template embedding
// --------------------------------------------------------------------

//go:embed templates/*.go.html
var templatesFS embed.FS

const templateGlob = "templates/*.go.html"

// formatTime is a helper function that can be called from templates.
// Zero times render as an empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2, 2006 15:04:05")
}

// htmlAttr safely escapes a string for use in HTML attributes
func htmlAttr(s string) string {
	return html.EscapeString(s)
}

// jsonFunc marshals an object to JSON for use in templates
func jsonFunc(v interface{}) (template.JS, error) {
	a, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return template.JS(a), nil
}

// percent formats a completed fraction as a whole percentage.
func percent(done float64) string {
	return fmt.Sprintf("%.0f%%", done*100)
}

// formatDuration rounds d for display; zero renders as an empty string.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// prettyJSON indents raw JSON such as job params; invalid input is returned
// unchanged.
func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// initTemplates initializes the templates. Called only once.
func initTemplates() *template.Template {
	tmpl, err := template.New("").
		Funcs(template.FuncMap{
			"formatTime":     formatTime,
			"formatDuration": formatDuration,
			"htmlAttr":       htmlAttr,
			"json":           jsonFunc,
			"percent":        percent,
			"prettyJSON":     prettyJSON,
			"base":           filepath.Base,
			"lower":          strings.ToLower,
		}).
		ParseFS(templatesFS, templateGlob)
	if err != nil {
		log.Fatalf("Error parsing embedded templates: %v", err)
	}
	return tmpl
}

// Templates returns the singleton instance of the parsed templates.
func Templates() *template.Template {
	once.Do(func() { templates = initTemplates() })
	return templates
}

// Render executes the named template into a buffer first so that a template
// error still produces a clean 500 response.
func Render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := Templates().ExecuteTemplate(&buf, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// --------------------------------------------------------------------
// Middleware helpers
// --------------------------------------------------------------------

// statusRecorder remembers the status code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind Logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger logs method, path, status and latency for every request.
func Logger(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	}
}

func CORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enableCors(&w)
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	}
}

// AuthRole defines the required access level for a route.
type AuthRole int

const (
	RolePublic AuthRole = iota
	RoleAdmin
)

// AuthMiddleware is a function that takes a handler and a required role, returning a protected handler.
// This is set from main.go to avoid circular dependencies.
var AuthMiddleware func(http.Handler, AuthRole) http.Handler

func ApplyMiddlewares(handler http.HandlerFunc, role AuthRole) http.HandlerFunc {
	var h http.Handler = handler
	if role != RolePublic && AuthMiddleware != nil {
		h = AuthMiddleware(h, role)
	}
	return Logger(CORS(h))
}

func enableCors(w *http.ResponseWriter) {
	h := (*w).Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
	h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "Content-Length")
}
