// Package fakeserver is an in-memory stand-in for the workflow server's REST
// surface, used by tests. Every route counts its calls so tests can assert
// that rejected operations never reached the server.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/beam-cloud/orchfs/pkg/types"
)

const (
	Username = "admin"
	Password = "secret"

	authPrefix = "/crosswork/rest-gateway/v1/auth"
)

// Record is one stored resource.
type Record struct {
	ID         string
	Kind       types.ResourceKind
	Name       string
	Definition string
	Readme     *string
	UI         json.RawMessage
	Meta       map[string]any
	Status     string
	Signed     bool
	Tags       []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type failure struct {
	pattern string
	match   string
	code    int
}

// Server is a fake workflow server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	version   string
	authDelay time.Duration
	delay     time.Duration
	calls     map[string]int
	records   map[string]*Record
	tokens    map[string]bool
	issued    int
	failures  []failure
	clock     time.Time
	lastRun   map[string]map[string]any
}

// New starts a fake server. Close it with t.Cleanup(s.Close).
func New() *Server {
	s := &Server{
		version: "2.1.0",
		calls:   make(map[string]int),
		records: make(map[string]*Record),
		tokens:  make(map[string]bool),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		lastRun: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	s.route(mux, "POST "+authPrefix+"/token", s.handleToken, false)
	s.route(mux, "POST "+authPrefix+"/revocation", s.handleRevocation, false)
	s.route(mux, "GET /api/version", s.handleVersion, true)

	for _, prefix := range []string{"/api/v1", "/api/v2"} {
		for _, c := range []struct {
			path string
			kind types.ResourceKind
		}{{"/workflow", types.KindWorkflow}, {"/action", types.KindAction}} {
			kind := c.kind
			s.api(mux, prefix, "GET "+c.path, func(w http.ResponseWriter, r *http.Request) { s.handleList(w, r, kind) })
			s.api(mux, prefix, "POST "+c.path+"/validate", func(w http.ResponseWriter, r *http.Request) { s.handleValidate(w, r, kind) })
			s.api(mux, prefix, "POST "+c.path+"/definition", func(w http.ResponseWriter, r *http.Request) { s.handleCreate(w, r, kind) })
			s.api(mux, prefix, "PUT "+c.path+"/{id}/definition", func(w http.ResponseWriter, r *http.Request) { s.handlePutDefinition(w, r, kind) })
			s.api(mux, prefix, "PUT "+c.path+"/{id}/status", func(w http.ResponseWriter, r *http.Request) { s.handleStatus(w, r, kind) })
			s.api(mux, prefix, "DELETE "+c.path+"/{id}", func(w http.ResponseWriter, r *http.Request) { s.handleDelete(w, r, kind) })
			s.api(mux, prefix, "GET "+c.path+"/{id}/definition", func(w http.ResponseWriter, r *http.Request) { s.handleGetDefinition(w, r, kind) })
		}

		s.api(mux, prefix, "GET /workflow/{id}", s.handleGetWorkflow)
		s.api(mux, prefix, "PUT /workflow/{id}/readme", s.handlePutReadme)
		s.api(mux, prefix, "GET /workflow/{id}/ui", s.handleGetView)
		s.api(mux, prefix, "PUT /workflow/{id}/ui", s.handlePutView)

		s.api(mux, prefix, "GET /jinja-template", func(w http.ResponseWriter, r *http.Request) { s.handleList(w, r, types.KindTemplate) })
		s.api(mux, prefix, "POST /jinja-template/validate", s.handleValidateTemplate)
		s.api(mux, prefix, "POST /jinja-template", s.handleCreateTemplate)
		s.api(mux, prefix, "PUT /jinja-template/{id}", s.handlePutTemplate)
		s.api(mux, prefix, "GET /jinja-template/{id}/definition", s.handleGetTemplate)
		s.api(mux, prefix, "DELETE /jinja-template/{id}", func(w http.ResponseWriter, r *http.Request) { s.handleDelete(w, r, types.KindTemplate) })

		s.api(mux, prefix, "POST /execution", s.handleRun)
		s.api(mux, prefix, "GET /execution/workflow/{name}", s.handleLastRun)
		s.api(mux, prefix, "GET /task/execution/{id}", s.handleTask)
	}

	s.Server = httptest.NewServer(mux)
	return s
}

// ServerConfig points a client at this server on both the API and auth port.
func (s *Server) ServerConfig() types.ServerConfig {
	u, _ := url.Parse(s.URL)
	port, _ := strconv.Atoi(u.Port())
	return types.ServerConfig{
		Address:    "http://" + u.Hostname(),
		Port:       port,
		AuthPort:   port,
		Username:   Username,
		Password:   Password,
		Timeout:    5 * time.Second,
		APIVersion: types.APIVersionAuto,
	}
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc, authed bool) {
	key := pattern
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[key]++
		s.mu.Unlock()

		if authed && !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if code, ok := s.injected(key, r); ok {
			http.Error(w, "injected failure", code)
			return
		}
		h(w, r)
	})
}

// api registers pattern under prefix. Calls are counted without the prefix.
func (s *Server) api(mux *http.ServeMux, prefix, pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	key := pattern
	version := prefix
	mux.HandleFunc(method+" "+prefix+path, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[key]++
		want := "/api/v1"
		if major(s.version) >= 2 {
			want = "/api/v2"
		}
		delay := s.delay
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if version != want {
			http.NotFound(w, r)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if code, ok := s.injected(key, r); ok {
			http.Error(w, "injected failure", code)
			return
		}
		h(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[bearer]
}

// injected consumes a failure registered with FailOn. The body is restored.
func (s *Server) injected(pattern string, r *http.Request) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
	}
	for i, f := range s.failures {
		if f.pattern == pattern && strings.Contains(string(body), f.match) {
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			return f.code, true
		}
	}
	return 0, false
}

// SetVersion changes the version reported by /api/version. Routes only answer
// under the prefix matching the major version.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetAuthDelay delays every credential exchange.
func (s *Server) SetAuthDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authDelay = d
}

// SetDelay delays every API call.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailOn makes the next call to pattern whose body contains match fail with code.
func (s *Server) FailOn(pattern, match string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{pattern: pattern, match: match, code: code})
}

// Calls returns how often pattern was hit, e.g. "POST /workflow/validate".
func (s *Server) Calls(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pattern]
}

// MutatingCalls counts every non-GET API call, credential endpoints excluded.
func (s *Server) MutatingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pattern, c := range s.calls {
		if strings.HasPrefix(pattern, "GET ") || strings.Contains(pattern, authPrefix) {
			continue
		}
		n += c
	}
	return n
}

// APICalls counts every call outside the credential endpoints.
func (s *Server) APICalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pattern, c := range s.calls {
		if !strings.Contains(pattern, authPrefix) {
			n += c
		}
	}
	return n
}

// TokenExchanges counts credential exchanges.
func (s *Server) TokenExchanges() int {
	return s.Calls("POST " + authPrefix + "/token")
}

func (s *Server) Revocations() int {
	return s.Calls("POST " + authPrefix + "/revocation")
}

// ResetCalls zeroes every counter.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

type Option func(*Record)

func Signed() Option { return func(r *Record) { r.Signed = true } }

func Tags(tags ...string) Option { return func(r *Record) { r.Tags = tags } }

func Readme(text string) Option { return func(r *Record) { r.Readme = &text } }

func View(raw string) Option { return func(r *Record) { r.UI = json.RawMessage(raw) } }

func Meta(key string, v any) Option {
	return func(r *Record) {
		if r.Meta == nil {
			r.Meta = map[string]any{}
		}
		r.Meta[key] = v
	}
}

func (s *Server) now() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Server) add(kind types.ResourceKind, name, definition string, opts []Option) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := &Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		Name:       name,
		Definition: definition,
		Status:     types.StatusPublished,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, o := range opts {
		o(r)
	}
	s.records[r.ID] = r
	return r.ID
}

// AddWorkflow stores a published workflow and returns its id.
func (s *Server) AddWorkflow(name, definition string, opts ...Option) string {
	return s.add(types.KindWorkflow, name, definition, opts)
}

func (s *Server) AddAction(name, definition string, opts ...Option) string {
	return s.add(types.KindAction, name, definition, opts)
}

// AddTemplate stores a Jinja template with the given body.
func (s *Server) AddTemplate(name, body string, opts ...Option) string {
	return s.add(types.KindTemplate, name, body, opts)
}

// Lookup returns a copy of the named record.
func (s *Server) Lookup(kind types.ResourceKind, name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byName(kind, name); r != nil {
		return *r, true
	}
	return Record{}, false
}

// Get returns a copy of the record with id.
func (s *Server) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return *r, true
	}
	return Record{}, false
}

// SetStatus forces a record's status.
func (s *Server) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status = status
	}
}

// SetMeta changes a template metadata field behind the client's back.
func (s *Server) SetMeta(id, key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		Meta(key, v)(r)
	}
}

func (s *Server) byName(kind types.ResourceKind, name string) *Record {
	for _, r := range s.records {
		if r.Kind == kind && r.Name == name {
			return r
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func major(version string) int {
	head, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	n, _ := strconv.Atoi(head)
	return n
}

// declaredName returns the first top-level key other than version.
func declaredName(definition string) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(definition), &doc); err != nil {
		return "", err
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return "", fmt.Errorf("definition is not a mapping")
	}
	m := doc.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != "version" {
			return m.Content[i].Value, nil
		}
	}
	return "", fmt.Errorf("definition declares no name")
}
