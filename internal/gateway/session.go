package gateway

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-riskd/internal/config"
)

// Gateway tokens are valid for 24 hours from issue.
const tokenLifetime = 24 * time.Hour

// Session owns the gateway bearer token: login, validation-based refresh,
// and an encrypted on-disk cache so a restart inside the token's lifetime
// skips the login round trip. Implements TokenSource.
type Session struct {
	http     *resty.Client
	username string
	apiKey   string

	cachePath     string // empty disables the blob cache
	refreshMargin time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now    func() time.Time
	logger *slog.Logger
}

// NewSession creates a session manager. cachePath may be empty to disable
// on-disk token caching.
func NewSession(cfg config.GatewayConfig, username, apiKey, cachePath string, logger *slog.Logger) *Session {
	margin := cfg.TokenRefreshMargin
	if margin <= 0 {
		margin = time.Hour
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Session{
		http: resty.New().
			SetBaseURL(cfg.APIBaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		username:      username,
		apiKey:        apiKey,
		cachePath:     cachePath,
		refreshMargin: margin,
		now:           time.Now,
		logger:        logger.With("component", "session"),
	}
	s.loadBlob()
	return s
}

// Token returns a valid bearer token, logging in first if none is cached.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}
	if err := s.loginLocked(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// Invalidate discards the cached token. The next Token call logs in anew.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
	if s.cachePath != "" {
		os.Remove(s.cachePath)
	}
}

// Refresh validates the current token against the gateway, adopting the
// rotated token on success and falling back to a full login on failure.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		var result struct {
			envelope
			NewToken string `json:"newToken"`
		}
		resp, err := s.http.R().
			SetContext(ctx).
			SetAuthToken(s.token).
			SetResult(&result).
			Post("/api/Auth/validate")
		if err == nil && resp.StatusCode() == http.StatusOK && result.Success {
			if result.NewToken != "" {
				s.token = result.NewToken
			}
			s.expiresAt = s.now().Add(tokenLifetime)
			s.saveBlobLocked()
			s.logger.Debug("token validated")
			return nil
		}
		s.logger.Warn("token validation failed, re-authenticating")
	}
	return s.loginLocked(ctx)
}

// loginLocked performs POST /api/Auth/loginKey. Caller holds s.mu.
func (s *Session) loginLocked(ctx context.Context) error {
	var result struct {
		envelope
		Token string `json:"token"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"userName": s.username, "apiKey": s.apiKey}).
		SetResult(&result).
		Post("/api/Auth/loginKey")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := result.check(resp.StatusCode()); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("login: empty token in response")
	}

	s.token = result.Token
	s.expiresAt = s.now().Add(tokenLifetime)
	s.saveBlobLocked()
	s.logger.Info("authenticated", "user", s.username, "expires_at", s.expiresAt)
	return nil
}

// Run refreshes the token in the background, waking refreshMargin before
// expiry. Blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		wait := s.expiresAt.Add(-s.refreshMargin).Sub(s.now())
		s.mu.Unlock()
		if wait < time.Minute {
			wait = time.Minute
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("background token refresh failed", "error", err)
			// retry on the next minute wakeup
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Encrypted token blob
//
// The token is material enough to move positions, so the on-disk cache is
// AES-GCM sealed with a key derived from the api key. Losing the blob only
// costs a login round trip.
// ————————————————————————————————————————————————————————————————————————

type tokenBlob struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Session) blobKey() []byte {
	sum := sha256.Sum256([]byte(s.apiKey))
	return sum[:]
}

func (s *Session) saveBlobLocked() {
	if s.cachePath == "" {
		return
	}
	plain, err := json.Marshal(tokenBlob{Token: s.token, ExpiresAt: s.expiresAt})
	if err != nil {
		return
	}
	block, err := aes.NewCipher(s.blobKey())
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(s.cachePath, sealed, 0o600); err != nil {
		s.logger.Warn("token blob write failed", "error", err)
	}
}

func (s *Session) loadBlob() {
	if s.cachePath == "" {
		return
	}
	sealed, err := os.ReadFile(s.cachePath)
	if err != nil {
		return
	}
	block, err := aes.NewCipher(s.blobKey())
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return
	}
	if len(sealed) < gcm.NonceSize() {
		return
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		s.logger.Warn("token blob unreadable, discarding", "error", err)
		os.Remove(s.cachePath)
		return
	}
	var blob tokenBlob
	if err := json.Unmarshal(plain, &blob); err != nil {
		return
	}
	if blob.Token == "" || s.now().After(blob.ExpiresAt) {
		return
	}
	s.token = blob.Token
	s.expiresAt = blob.ExpiresAt
	s.logger.Info("token restored from cache", "expires_at", blob.ExpiresAt)
}
