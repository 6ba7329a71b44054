package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kriasoft/flagkit/internal/analytics"
	"github.com/kriasoft/flagkit/internal/audit"
	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/cache"
	"github.com/kriasoft/flagkit/internal/contextval"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/rs/zerolog"
)

// headerSessions resolves test sessions from X-Test-* headers, standing in
// for the host authentication framework.
type headerSessions struct{}

func (headerSessions) Resolve(r *http.Request) (*auth.Session, error) {
	userID := r.Header.Get("X-Test-User")
	if userID == "" {
		return nil, nil
	}
	session := &auth.Session{
		UserID:         userID,
		Email:          r.Header.Get("X-Test-Email"),
		OrganizationID: r.Header.Get("X-Test-Org"),
	}
	if roles := r.Header.Get("X-Test-Roles"); roles != "" {
		session.Roles = strings.Split(roles, ",")
	}
	return session, nil
}

type testEnv struct {
	router  http.Handler
	store   *store.MemoryStore
	cache   *cache.Cache
	tracker *analytics.Tracker
	audit   *audit.Service
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	evalCache, err := cache.New(256, time.Minute)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	tracker := analytics.NewTracker(mem, zerolog.Nop())
	auditSvc := audit.NewService(mem, zerolog.Nop(), 64)
	t.Cleanup(func() {
		_ = tracker.Close()
		_ = auditSvc.Close()
	})

	deps := Deps{
		Store:    mem,
		Cache:    evalCache,
		Audit:    auditSvc,
		Tracker:  tracker,
		Idem:     analytics.NewMemoryIdempotency(time.Minute, 1000),
		Sessions: headerSessions{},
		Enforcer: &auth.Enforcer{
			AdminRoles:   []string{"admin"},
			AdminEnabled: true,
			MultiTenant:  true,
		},
		Logger: zerolog.Nop(),
		Options: Options{
			TrackUsage:        true,
			CacheTTL:          time.Minute,
			RateLimitEvaluate: 10000,
			RateLimitBatch:    10000,
			RateLimitAdmin:    10000,
			Version:           "test",
			HeaderRules: []contextval.HeaderRule{
				{Name: "x-device-type", Type: contextval.HeaderString, MaxLength: 32},
			},
		},
	}
	for _, m := range mutate {
		m(&deps)
	}
	return &testEnv{
		router:  NewServer(deps).Router(),
		store:   mem,
		cache:   evalCache,
		tracker: tracker,
		audit:   auditSvc,
	}
}

// adminHeaders marks a request as an org-1 admin.
func adminHeaders(r *http.Request) {
	r.Header.Set("X-Test-User", "admin-1")
	r.Header.Set("X-Test-Org", "org-1")
	r.Header.Set("X-Test-Roles", "admin")
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...func(*http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		h(r)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

// seedFlag creates a flag through the admin API and returns its id.
func (e *testEnv) seedFlag(t *testing.T, body map[string]any) string {
	t.Helper()
	w, resp := e.do(t, "POST", "/feature-flags/admin/flags", body, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed flag: status %d, body %s", w.Code, w.Body.String())
	}
	return resp["id"].(string)
}

func TestConfig_ETagRevalidation(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, "GET", "/feature-flags/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v", resp["version"])
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=300") {
		t.Errorf("Cache-Control = %q", cc)
	}

	w, _ = env.do(t, "GET", "/feature-flags/config", nil, func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	if w.Code != http.StatusNotModified {
		t.Errorf("revalidation status = %d, want 304", w.Code)
	}
}

func TestHealth_Healthy(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, "GET", "/feature-flags/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}
	checks := resp["checks"].(map[string]any)
	if checks["storage"] != "ok" {
		t.Errorf("storage check = %v", checks["storage"])
	}
	if _, ok := checks["cache"]; !ok {
		t.Error("cache check missing")
	}
	if _, ok := checks["tracking"]; !ok {
		t.Error("tracking check missing")
	}
}

func TestAdmin_RoleGate(t *testing.T) {
	env := newTestEnv(t)

	// Anonymous → 401.
	w, _ := env.do(t, "GET", "/feature-flags/admin/flags", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}

	// Authenticated without the admin role → 403.
	w, resp := env.do(t, "GET", "/feature-flags/admin/flags", nil, func(r *http.Request) {
		r.Header.Set("X-Test-User", "u1")
		r.Header.Set("X-Test-Org", "org-1")
		r.Header.Set("X-Test-Roles", "viewer")
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("viewer status = %d, want 403", w.Code)
	}
	if resp["code"] != string(ErrCodeUnauthorizedAccess) {
		t.Errorf("code = %v", resp["code"])
	}

	// Admin without an organization (multi-tenant) → 403 ORGANIZATION_REQUIRED.
	w, resp = env.do(t, "GET", "/feature-flags/admin/flags", nil, func(r *http.Request) {
		r.Header.Set("X-Test-User", "u1")
		r.Header.Set("X-Test-Roles", "admin")
	})
	if w.Code != http.StatusForbidden || resp["code"] != string(ErrCodeOrgRequired) {
		t.Errorf("org gate: status=%d code=%v", w.Code, resp["code"])
	}

	// Proper admin → 200.
	w, _ = env.do(t, "GET", "/feature-flags/admin/flags", nil, adminHeaders)
	if w.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", w.Code)
	}
}

func TestAdmin_DisabledSurface(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Enforcer = &auth.Enforcer{AdminRoles: []string{"admin"}, AdminEnabled: false, MultiTenant: true}
	})
	w, resp := env.do(t, "GET", "/feature-flags/admin/flags", nil, adminHeaders)
	if w.Code != http.StatusForbidden || resp["code"] != string(ErrCodeAdminDisabled) {
		t.Errorf("status=%d code=%v", w.Code, resp["code"])
	}
}
