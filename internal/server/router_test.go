package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func setupRouter(t *testing.T, adminToken string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.NewStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.AdminToken = adminToken
	cfg.CORSOrigins = []string{"https://app.example"}

	reg := prometheus.NewRegistry()
	eng := engine.New(store)
	p := pipeline.New(cfg.Pipeline(), eng, pipeline.WithMetrics(pipeline.NewMetrics(reg)))
	return NewRouter(p, eng, cfg, reg)
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(t, "")

	if w := do(r, http.MethodGet, "/", nil); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("health: %d %q", w.Code, w.Body.String())
	}
	w := do(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "caxe_") {
		t.Fatalf("metrics body lacks caxe series: %q", w.Body.String())
	}
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	r := setupRouter(t, "")
	if w := do(r, http.MethodGet, "/v1/credentials", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without admin token, got %d", w.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	token := "0123456789abcdef"
	r := setupRouter(t, token)

	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic " + token}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"ok", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
	}
	for _, c := range cases {
		if w := do(r, http.MethodGet, "/v1/pipeline/stats", c.header); w.Code != c.want {
			t.Fatalf("%s: status %d, want %d", c.name, w.Code, c.want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	r := setupRouter(t, "")

	w := do(r, http.MethodOptions, "/v1/verify", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Correlation-Id, X-Request-Id" {
		t.Fatalf("expose headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Fatalf("verify allow methods = %q", got)
	}

	w = do(r, http.MethodOptions, "/v1/verify", map[string]string{
		"Origin":                        "https://evil.example",
		"Access-Control-Request-Method": "POST",
	})
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow-origin for unknown origin")
	}
}

func TestCORSMethodsPerRouteGroup(t *testing.T) {
	r := setupRouter(t, "0123456789abcdef")
	origin := "https://app.example"

	cases := []struct {
		path    string
		method  string
		status  int
		allowed string
	}{
		{"/v1/credentials", "GET", http.StatusNoContent, "GET, OPTIONS"},
		{"/v1/credentials/ESaid", "POST", http.StatusForbidden, ""},
		{"/v1/pipeline/stats", "DELETE", http.StatusForbidden, ""},
		{"/v1/reports/saidify", "POST", http.StatusNoContent, "POST, OPTIONS"},
		{"/v1/reports/saidify", "GET", http.StatusForbidden, ""},
		{"/metrics", "GET", http.StatusNoContent, "GET, OPTIONS"},
	}
	for _, c := range cases {
		w := do(r, http.MethodOptions, c.path, map[string]string{
			"Origin":                        origin,
			"Access-Control-Request-Method": c.method,
		})
		if w.Code != c.status {
			t.Fatalf("%s %s: status %d, want %d", c.method, c.path, w.Code, c.status)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != c.allowed {
			t.Fatalf("%s %s: allow methods %q, want %q", c.method, c.path, got, c.allowed)
		}
	}
}

func TestRequestID(t *testing.T) {
	r := setupRouter(t, "")

	w := do(r, http.MethodGet, "/", nil)
	generated := w.Header().Get(RequestIDHeader)
	if len(generated) != 36 {
		t.Fatalf("generated request id = %q", generated)
	}

	const supplied = "6f1c1f0e-8f43-4c8a-9a57-3d2a1c0b9e11"
	w = do(r, http.MethodGet, "/", map[string]string{RequestIDHeader: supplied})
	if got := w.Header().Get(RequestIDHeader); got != supplied {
		t.Fatalf("request id = %q, want %q", got, supplied)
	}

	w = do(r, http.MethodGet, "/", map[string]string{RequestIDHeader: "not a uuid\nforged"})
	if got := w.Header().Get(RequestIDHeader); got == "" || strings.Contains(got, "forged") {
		t.Fatalf("malformed request id kept: %q", got)
	}
}

func TestAdminDenialLogged(t *testing.T) {
	var buf bytes.Buffer
	logx.SetOutput(&buf)
	t.Cleanup(func() { logx.SetOutput(os.Stderr) })

	r := setupRouter(t, "0123456789abcdef")
	const id = "0b7e5a44-2d7f-4d0e-8a0e-6c1b8f3f9a21"
	w := do(r, http.MethodGet, "/v1/credentials", map[string]string{
		"Authorization": "Bearer wrong",
		RequestIDHeader: id,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["msg"] != "invalid admin token" {
		t.Fatalf("body = %v", body)
	}

	line := buf.String()
	for _, want := range []string{"denied GET /v1/credentials: invalid admin token", "request_id=" + id, "component=admin"} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line lacks %q: %q", want, line)
		}
	}
	if strings.Contains(line, "wrong") {
		t.Fatalf("log line leaks the presented token: %q", line)
	}
}
