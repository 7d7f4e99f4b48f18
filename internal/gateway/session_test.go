package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newAuthServer(t *testing.T, logins, validates *atomic.Int32, validateOK bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/Auth/loginKey":
			logins.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["userName"] != "trader" || body["apiKey"] != "key-123" {
				json.NewEncoder(w).Encode(map[string]any{"success": false, "errorCode": 3, "errorMessage": "bad credentials"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "tok-fresh"})
		case "/api/Auth/validate":
			validates.Add(1)
			if !validateOK {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true, "newToken": "tok-rotated"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenLoginOnceThenCached(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)

	s := NewSession(config.GatewayConfig{APIBaseURL: srv.URL}, "trader", "key-123", "", testLogger())
	for i := 0; i < 3; i++ {
		tok, err := s.Token(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok-fresh" {
			t.Fatalf("token = %q", tok)
		}
	}
	if logins.Load() != 1 {
		t.Errorf("logins = %d, want 1", logins.Load())
	}
}

func TestInvalidateForcesRelogin(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)

	s := NewSession(config.GatewayConfig{APIBaseURL: srv.URL}, "trader", "key-123", "", testLogger())
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Invalidate()
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins.Load() != 2 {
		t.Errorf("logins = %d, want 2", logins.Load())
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)

	s := NewSession(config.GatewayConfig{APIBaseURL: srv.URL}, "trader", "key-123", "", testLogger())
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	tok, _ := s.Token(context.Background())
	if tok != "tok-rotated" {
		t.Errorf("token after refresh = %q", tok)
	}
	if logins.Load() != 1 || validates.Load() != 1 {
		t.Errorf("logins=%d validates=%d, want 1/1", logins.Load(), validates.Load())
	}
}

func TestRefreshFallsBackToLogin(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, false)

	s := NewSession(config.GatewayConfig{APIBaseURL: srv.URL}, "trader", "key-123", "", testLogger())
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins.Load() != 2 {
		t.Errorf("logins = %d, want 2 (validate rejected)", logins.Load())
	}
}

func TestLoginFailureSurfacesAPIError(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)

	s := NewSession(config.GatewayConfig{APIBaseURL: srv.URL}, "trader", "wrong-key", "", testLogger())
	if _, err := s.Token(context.Background()); err == nil {
		t.Fatal("bad credentials should fail")
	}
}

func TestTokenBlobRoundTrip(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)
	cachePath := filepath.Join(t.TempDir(), "token.blob")

	cfg := config.GatewayConfig{APIBaseURL: srv.URL}
	s1 := NewSession(cfg, "trader", "key-123", cachePath, testLogger())
	if _, err := s1.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("blob mode = %o, want 600", info.Mode().Perm())
	}
	raw, _ := os.ReadFile(cachePath)
	if bytes.Contains(raw, []byte("tok-fresh")) {
		t.Error("token stored in cleartext")
	}

	// A second session with the same key restores without logging in.
	s2 := NewSession(cfg, "trader", "key-123", cachePath, testLogger())
	tok, err := s2.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-fresh" {
		t.Errorf("restored token = %q", tok)
	}
	if logins.Load() != 1 {
		t.Errorf("logins = %d, want 1 (blob should satisfy s2)", logins.Load())
	}

	// A different api key cannot decrypt the blob.
	s3 := NewSession(cfg, "trader", "other-key", cachePath, testLogger())
	s3.mu.Lock()
	restored := s3.token
	s3.mu.Unlock()
	if restored != "" {
		t.Error("blob decrypted with the wrong key")
	}
}

func TestExpiredBlobIgnored(t *testing.T) {
	t.Parallel()
	var logins, validates atomic.Int32
	srv := newAuthServer(t, &logins, &validates, true)
	cachePath := filepath.Join(t.TempDir(), "token.blob")
	cfg := config.GatewayConfig{APIBaseURL: srv.URL}

	s1 := NewSession(cfg, "trader", "key-123", cachePath, testLogger())
	s1.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	if _, err := s1.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	s2 := NewSession(cfg, "trader", "key-123", cachePath, testLogger())
	if _, err := s2.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins.Load() != 2 {
		t.Errorf("logins = %d, want 2 (stale blob must not be reused)", logins.Load())
	}
}
