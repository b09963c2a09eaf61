package caddy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeAdmin is an in-memory admin API holding the routes of one server.
type fakeAdmin struct {
	t       *testing.T
	mu      sync.Mutex
	routes  []json.RawMessage
	version int
	calls   map[string]int
	apiKey  string

	// failNext makes the next non-GET request fail with this status.
	failNext int
	// bumpBeforeWrite simulates a concurrent writer on the next N writes.
	bumpBeforeWrite int
}

const fakeRoutesPath = "/config/apps/http/servers/srv0/routes"

func newFakeAdmin(t *testing.T) (*fakeAdmin, *httptest.Server) {
	t.Helper()
	f := &fakeAdmin{t: t, calls: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAdmin) seed(routes ...Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range routes {
		data, _ := json.Marshal(r)
		f.routes = append(f.routes, data)
	}
	f.version++
}

func (f *fakeAdmin) seedRaw(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, json.RawMessage(raw))
	f.version++
}

func (f *fakeAdmin) snapshot() []Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Route, 0, len(f.routes))
	for _, raw := range f.routes {
		var r Route
		_ = json.Unmarshal(raw, &r)
		out = append(out, r)
	}
	return out
}

func (f *fakeAdmin) count(host string) int {
	n := 0
	for _, r := range f.snapshot() {
		if r.MatchesHost(host) {
			n++
		}
	}
	return n
}

func (f *fakeAdmin) etag() string {
	return fmt.Sprintf(`"%s %d"`, fakeRoutesPath, f.version)
}

func (f *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.Method]++

	if f.apiKey != "" && r.Header.Get("X-API-Key") != f.apiKey {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !strings.HasPrefix(r.URL.Path, fakeRoutesPath) {
		http.Error(w, `{"error":"unknown path"}`, http.StatusNotFound)
		return
	}

	if r.Method != http.MethodGet {
		if f.failNext != 0 {
			status := f.failNext
			f.failNext = 0
			http.Error(w, `{"error":"injected failure"}`, status)
			return
		}
		if f.bumpBeforeWrite > 0 {
			f.bumpBeforeWrite--
			f.version++
		}
		if m := r.Header.Get("If-Match"); m != "" && m != f.etag() {
			http.Error(w, `{"error":"precondition failed"}`, http.StatusPreconditionFailed)
			return
		}
	}

	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, fakeRoutesPath), "/")
	index := -1
	if rest != "" {
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 || i >= len(f.routes) {
			http.Error(w, `{"error":"index out of range"}`, http.StatusBadRequest)
			return
		}
		index = i
	}

	var body json.RawMessage
	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && index < 0:
		w.Header().Set("Etag", f.etag())
		w.Header().Set("Content-Type", "application/json")
		if len(f.routes) == 0 {
			_, _ = w.Write([]byte("null"))
			return
		}
		_ = json.NewEncoder(w).Encode(f.routes)
	case r.Method == http.MethodPost && index < 0:
		f.routes = append(f.routes, body)
		f.version++
	case r.Method == http.MethodPatch && index >= 0:
		f.routes[index] = body
		f.version++
	case r.Method == http.MethodDelete && index >= 0:
		f.routes = append(f.routes[:index], f.routes[index+1:]...)
		f.version++
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}
