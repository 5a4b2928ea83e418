package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	"github.com/pinmirror/pinmirror/internal/metrics"
)

// TTL is how long a session is trusted before a fresh login is forced.
const TTL = 30 * time.Minute

// maxLoginBody bounds how much of the streamed login response is scanned.
const maxLoginBody = 1 << 20

var (
	// ErrMissingCredentials is returned when username or password is blank.
	// It is a configuration error and is never retried.
	ErrMissingCredentials = errors.New("session: username and password must be configured")

	// ErrLoginRejected is returned when the upstream did not accept the login.
	ErrLoginRejected = errors.New("session: login rejected")
)

// Session is one issued credential pair. Values are never mutated after
// publication; a new login replaces the whole Session.
type Session struct {
	Token    string
	Cookies  string
	IssuedAt time.Time
}

// Config describes how to reach the login endpoint.
type Config struct {
	LoginURL    string
	TokenCookie string
	Username    string
	Password    string
	Timeout     time.Duration
}

// Manager owns the process-wide session. All methods are safe for concurrent
// use; at most one login request is in flight at any time.
type Manager struct {
	cfg     Config
	client  *http.Client
	tokenRe *regexp.Regexp
	metrics *metrics.Registry
	now     func() time.Time // injectable for deterministic tests

	flight      singleflight.Group
	current     atomic.Pointer[Session]
	missingOnce sync.Once
}

// New creates a Manager. reg may be nil.
func New(cfg Config, reg *metrics.Registry) *Manager {
	if cfg.TokenCookie == "" {
		cfg.TokenCookie = "spb-insider-token"
	}
	return &Manager{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// The login endpoint signals success through a redirect sometimes;
			// the 30x response itself carries the cookies.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tokenRe: regexp.MustCompile(regexp.QuoteMeta(cfg.TokenCookie) + `=([^;]+)`),
		metrics: reg,
		now:     time.Now,
	}
}

// Login performs a fresh login. Concurrent callers share one request and all
// receive its outcome. On failure the previous session is left in place.
func (m *Manager) Login(ctx context.Context) error {
	return m.loginOnce(ctx, true)
}

// loginOnce joins or starts the single in-flight login. Without force, a
// session that became valid while the caller waited is reused.
//
// The login itself runs detached from ctx, bounded by the configured
// timeout, so one caller giving up does not fail the others sharing it.
// The caller stops waiting when ctx is done.
func (m *Manager) loginOnce(ctx context.Context, force bool) error {
	ch := m.flight.DoChan("login", func() (interface{}, error) {
		if !force && !m.IsExpired() {
			return nil, nil
		}
		lctx := context.WithoutCancel(ctx)
		if m.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, m.cfg.Timeout)
			defer cancel()
		}
		return nil, m.login(lctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsExpired reports whether no session exists or the current one is older
// than TTL.
func (m *Manager) IsExpired() bool {
	s := m.current.Load()
	return s == nil || m.now().Sub(s.IssuedAt) > TTL
}

// Session returns the current credential pair, logging in first when the
// session is expired. The returned value may be empty if login failed.
func (m *Manager) Session(ctx context.Context) Session {
	if m.IsExpired() {
		if err := m.loginOnce(ctx, false); err != nil {
			slog.Debug("session: refresh before use failed", "err", err)
		}
	}
	if s := m.current.Load(); s != nil {
		return *s
	}
	return Session{}
}

// Token returns the current bearer token, refreshing when expired.
func (m *Manager) Token(ctx context.Context) string { return m.Session(ctx).Token }

// Cookies returns the current cookie header value, refreshing when expired.
func (m *Manager) Cookies(ctx context.Context) string { return m.Session(ctx).Cookies }

func (m *Manager) login(ctx context.Context) error {
	if strings.TrimSpace(m.cfg.Username) == "" || strings.TrimSpace(m.cfg.Password) == "" {
		m.missingOnce.Do(func() {
			slog.Error("session: STERN_USERNAME and STERN_PASSWORD must be configured")
		})
		m.metrics.Inc(metrics.LoginsTotal, "result", "unconfigured")
		return ErrMissingCredentials
	}

	body, err := sonic.Marshal([]string{m.cfg.Username, m.cfg.Password})
	if err != nil {
		return fmt.Errorf("session: encode login body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LoginURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("session: build request: %w", err)
	}
	setLoginHeaders(req, m.cfg.LoginURL)

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("session: login request failed", "err", err)
		m.metrics.Inc(metrics.LoginsTotal, "result", "error")
		return fmt.Errorf("session: login request: %w", err)
	}
	defer resp.Body.Close()

	token, cookies := m.parseCookies(resp.Header.Values("Set-Cookie"))
	authenticated := scanAuthenticated(io.LimitReader(resp.Body, maxLoginBody))

	ok := false
	switch resp.StatusCode {
	case http.StatusOK:
		ok = authenticated || token != ""
	case http.StatusFound, http.StatusSeeOther:
		ok = token != ""
	}
	if !ok {
		slog.Error("session: authentication failed",
			"status", resp.StatusCode,
			"authenticated", authenticated,
			"has_token", token != "",
		)
		m.metrics.Inc(metrics.LoginsTotal, "result", "rejected")
		return fmt.Errorf("%w: status %d", ErrLoginRejected, resp.StatusCode)
	}

	m.current.Store(&Session{Token: token, Cookies: cookies, IssuedAt: m.now()})
	m.metrics.Inc(metrics.LoginsTotal, "result", "ok")
	slog.Info("session: authentication successful", "status", resp.StatusCode)
	return nil
}

// parseCookies joins the name=value part of every Set-Cookie header into a
// Cookie header value and extracts the token cookie.
func (m *Manager) parseCookies(setCookies []string) (token, cookies string) {
	pairs := make([]string, 0, len(setCookies))
	for _, sc := range setCookies {
		pair, _, _ := strings.Cut(sc, ";")
		pairs = append(pairs, strings.TrimSpace(pair))
		if match := m.tokenRe.FindStringSubmatch(sc); match != nil {
			token = match[1]
		}
	}
	return token, strings.Join(pairs, "; ")
}

// scanAuthenticated reads the streamed response line by line looking for the
// success marker.
func scanAuthenticated(r io.Reader) bool {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLoginBody)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, `"authenticated":true`) || strings.Contains(line, `"authenticated": true`) {
			return true
		}
	}
	return false
}
