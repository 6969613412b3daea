package exchange

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"layengine/internal/config"
)

// Session holds the Betfair identity-sso session token and application key
// used to authenticate every betting JSON-RPC call. Unlike the EIP-712
// wallet auth of a crypto exchange, Betfair's session is a short opaque
// bearer token obtained once via certificate or interactive login and kept
// alive by re-use; there is no per-request signature.
type Session struct {
	mu          sync.RWMutex
	appKey      string
	token       string
	obtainedAt  time.Time
	identityURL string
	username    string
	password    string
	certFile    string
	certKeyFile string
}

// NewSession creates an unauthenticated Session from config. Call Login
// before issuing any betting requests.
func NewSession(cfg config.ExchangeConfig) *Session {
	return &Session{
		appKey:      cfg.AppKey,
		identityURL: cfg.IdentityURL,
		username:    cfg.Username,
		password:    cfg.Password,
		certFile:    cfg.CertFile,
		certKeyFile: cfg.CertKeyFile,
	}
}

// AppKey returns the configured application key.
func (s *Session) AppKey() string {
	return s.appKey
}

// Token returns the current session token, or "" if not yet logged in.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Age returns how long ago the session token was obtained.
func (s *Session) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.obtainedAt.IsZero() {
		return 0
	}
	return time.Since(s.obtainedAt)
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
	LoginStatus  string `json:"loginStatus"`
}

// Login performs a certificate login against identitysso-cert if a client
// certificate is configured, otherwise falls back to interactive login.
// Either way the result is a session token valid until explicitly
// invalidated or left idle past the exchange's timeout.
func (s *Session) Login(ctx context.Context) error {
	client := resty.New().SetTimeout(10 * time.Second)

	form := url.Values{}
	form.Set("username", s.username)
	form.Set("password", s.password)

	req := client.R().
		SetContext(ctx).
		SetHeader("X-Application", s.appKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormDataFromValues(form)

	loginURL := s.identityURL
	if s.certFile != "" && s.certKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.certFile, s.certKeyFile)
		if err != nil {
			return fmt.Errorf("load client certificate: %w", err)
		}
		client.SetCertificates(cert)
		if !strings.Contains(loginURL, "identitysso-cert") {
			loginURL = strings.Replace(loginURL, "identitysso", "identitysso-cert", 1)
		}
	}

	var result loginResponse
	resp, err := req.SetResult(&result).Post(loginURL)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("login: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.LoginStatus != "SUCCESS" || result.SessionToken == "" {
		return fmt.Errorf("login failed: status=%s", result.LoginStatus)
	}

	s.mu.Lock()
	s.token = result.SessionToken
	s.obtainedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Headers returns the two headers every Betfair JSON-RPC betting call needs.
func (s *Session) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]string{
		"X-Application": s.appKey,
		"X-Authentication": s.token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}
