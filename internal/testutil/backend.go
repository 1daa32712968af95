package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/rs/zerolog"
)

// Response is one canned backend reply.
type Response struct {
	Status int
	Body   any // marshalled as JSON unless it is a string
}

// Backend is an httptest server with per-route canned replies. A route
// configured with several responses returns them in order and then keeps
// repeating the last one. Unknown routes answer 404.
type Backend struct {
	*httptest.Server

	mu     sync.Mutex
	routes map[string][]Response
	funcs  map[string]http.HandlerFunc
	hits   map[string]int
	bodies map[string][]map[string]any
}

// NewBackend starts a fake backend closed at test cleanup.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		routes: make(map[string][]Response),
		funcs:  make(map[string]http.HandlerFunc),
		hits:   make(map[string]int),
		bodies: make(map[string][]map[string]any),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

func route(method, path string) string {
	return method + " " + path
}

// Reply sets the replies for method and path.
func (b *Backend) Reply(method, path string, responses ...Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[route(method, path)] = responses
}

// JSON sets a single 200 reply.
func (b *Backend) JSON(method, path string, body any) {
	b.Reply(method, path, Response{Status: http.StatusOK, Body: body})
}

// Handle installs a custom handler for method and path.
func (b *Backend) Handle(method, path string, h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funcs[route(method, path)] = h
}

// Hits returns how many requests reached method and path.
func (b *Backend) Hits(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route(method, path)]
}

// Requests returns the decoded JSON bodies sent to method and path.
func (b *Backend) Requests(method, path string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.bodies[route(method, path)]...)
}

// Client returns a backend client pointed at the fake.
func (b *Backend) Client() *backend.Client {
	return backend.NewClient(&backend.ClientConfig{BaseURL: b.URL, Timeout: 2 * time.Second}, zerolog.Nop())
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	key := route(r.Method, r.URL.Path)

	var body map[string]any
	if raw, err := io.ReadAll(r.Body); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}

	b.mu.Lock()
	b.hits[key]++
	if body != nil {
		b.bodies[key] = append(b.bodies[key], body)
	}
	fn := b.funcs[key]
	var resp *Response
	if queue := b.routes[key]; len(queue) > 0 {
		next := queue[0]
		resp = &next
		if len(queue) > 1 {
			b.routes[key] = queue[1:]
		}
	}
	b.mu.Unlock()

	switch {
	case fn != nil:
		fn(w, r)
	case resp != nil:
		write(w, resp.Status, resp.Body)
	default:
		write(w, http.StatusNotFound, map[string]any{"success": false, "erro": "not found"})
	}
}

func write(w http.ResponseWriter, status int, body any) {
	if s, ok := body.(string); ok {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, s)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
