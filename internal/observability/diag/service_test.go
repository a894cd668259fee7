package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func TestHandlerStatusAndHealth(t *testing.T) {
	s := New(Config{}, func() any { return map[string]int{"dispatched": 3} }, logx.Nop())
	h := s.Handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got["dispatched"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof", nil))
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
}

func TestHandlerAuth(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeAndReconfigure(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() any { return "up" }, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(ctx) })

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "up")

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.False(t, s.Enabled())
	assert.Equal(t, "", s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
}
