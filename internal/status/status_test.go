package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strand/internal/version"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	s.Register(e)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatusReport(t *testing.T) {
	t.Parallel()
	s := New("worker", "w1", func(r *Report) {
		r.Layers = []string{"model.layers.0", "model.layers.1"}
		r.Sessions = []map[string]int{{"batches": 3}}
	})
	s.started = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return s.started.Add(90 * time.Second) }

	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Role     string           `json:"role"`
		Name     string           `json:"name"`
		Version  string           `json:"version"`
		Protocol int              `json:"protocol"`
		Uptime   string           `json:"uptime"`
		Layers   []string         `json:"layers"`
		Sessions []map[string]int `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Role != "worker" || got.Name != "w1" || got.Uptime != "1m30s" {
		t.Fatalf("unexpected report %+v", got)
	}
	if got.Version != version.String() || got.Protocol != version.Protocol {
		t.Fatalf("version %s protocol %d", got.Version, got.Protocol)
	}
	if diff := cmp.Diff([]string{"model.layers.0", "model.layers.1"}, got.Layers); diff != "" {
		t.Fatalf("layers (-want +got):\n%s", diff)
	}
	if len(got.Sessions) != 1 || got.Sessions[0]["batches"] != 3 {
		t.Fatalf("sessions %+v", got.Sessions)
	}
}

func TestStatusWithoutSource(t *testing.T) {
	t.Parallel()
	rec := get(t, New("master", "", nil), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"name", "layers", "sessions"} {
		if _, ok := got[key]; ok {
			t.Errorf("%s should be omitted when empty", key)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rec := get(t, New("master", "", nil), "/healthz")
	if rec.Code != http.StatusOK || !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}
