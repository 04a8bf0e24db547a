package loadbalancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdmin is an in-memory load balancer admin API.
type fakeAdmin struct {
	mu          sync.Mutex
	connections map[string][]int64
	states      map[string]string
	calls       []string
	auth        string
	failResume  bool
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		connections: make(map[string][]int64),
		states:      make(map[string]string),
	}
}

func (f *fakeAdmin) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/servers/{name}/suspend", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = req.Header.Get("Authorization")
		f.calls = append(f.calls, "suspend:"+name+":"+body.Mode)
		f.states[name] = "draining"
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/api/servers/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, "status:"+name)

		var n int64
		if seq := f.connections[name]; len(seq) > 0 {
			n = seq[0]
			if len(seq) > 1 {
				f.connections[name] = seq[1:]
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ServerStatus{Name: name, State: f.states[name], Connections: n})
	})
	r.Post("/api/servers/{name}/resume", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, "resume:"+name)
		if f.failResume {
			http.Error(w, "backend pool locked", http.StatusConflict)
			return
		}
		f.states[name] = "online"
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (f *fakeAdmin) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func setupHTTP(t *testing.T, opts HTTPOptions) (*fakeAdmin, *HTTP) {
	t.Helper()
	admin := newFakeAdmin()
	srv := httptest.NewServer(admin.router())
	t.Cleanup(srv.Close)

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return admin, NewHTTP(srv.URL+"/api/", opts)
}

func TestHTTP_SuspendImmediate(t *testing.T) {
	admin, lb := setupHTTP(t, HTTPOptions{Token: "secret"})

	err := lb.Suspend(context.Background(), &engine.Server{Name: "web1"}, engine.SuspendModeImmediate)
	require.NoError(t, err)

	assert.Equal(t, []string{"suspend:web1:immediate"}, admin.recorded())
	assert.Equal(t, "Bearer secret", admin.auth)
}

func TestHTTP_SuspendGracefulPolls(t *testing.T) {
	admin, lb := setupHTTP(t, HTTPOptions{DrainTimeout: 5 * time.Second})
	admin.connections["web1"] = []int64{4, 2, 0}

	err := lb.Suspend(context.Background(), &engine.Server{Name: "web1"}, engine.SuspendModeGraceful)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"suspend:web1:graceful",
		"status:web1",
		"status:web1",
		"status:web1",
	}, admin.recorded())
}

func TestHTTP_SuspendGracefulTimeout(t *testing.T) {
	admin, lb := setupHTTP(t, HTTPOptions{DrainTimeout: 40 * time.Millisecond})
	admin.connections["web1"] = []int64{9}

	err := lb.Suspend(context.Background(), &engine.Server{Name: "web1"}, engine.SuspendModeGraceful)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout")
}

func TestHTTP_ResumeNon2xx(t *testing.T) {
	admin, lb := setupHTTP(t, HTTPOptions{})
	admin.failResume = true

	err := lb.Resume(context.Background(), &engine.Server{Name: "web1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "backend pool locked")
}

func TestHTTP_Resume(t *testing.T) {
	admin, lb := setupHTTP(t, HTTPOptions{})

	require.NoError(t, lb.Resume(context.Background(), &engine.Server{Name: "web1"}))

	status, err := lb.Status(context.Background(), "web1")
	require.NoError(t, err)
	assert.Equal(t, "online", status.State)
	assert.Equal(t, []string{"resume:web1", "status:web1"}, admin.recorded())
}

func TestHTTP_UnknownRoute(t *testing.T) {
	srv := httptest.NewServer(chi.NewRouter())
	defer srv.Close()
	lb := NewHTTP(srv.URL, HTTPOptions{})

	err := lb.Suspend(context.Background(), &engine.Server{Name: "web1"}, engine.SuspendModeImmediate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTP_EscapesServerName(t *testing.T) {
	lb := NewHTTP("http://lb.example.com/", HTTPOptions{})
	assert.Equal(t, "http://lb.example.com/servers/web%2F1/suspend", lb.serverURL("web/1", "suspend"))
	assert.Equal(t, "http://lb.example.com/servers/web1", lb.serverURL("web1", ""))
}
