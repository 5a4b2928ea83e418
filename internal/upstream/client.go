package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/pinmirror/pinmirror/internal/metrics"
	"github.com/pinmirror/pinmirror/internal/session"
)

// MaxRetries is the number of forced re-logins (and retries) allowed per
// request after a 401/403. A request is attempted at most MaxRetries+1 times.
const MaxRetries = 2

const (
	defaultTimeout = 30 * time.Second
	defaultWorkers = 4
	maxBody        = 8 << 20
)

var (
	// ErrNotAuthenticated is returned when no token is available and an eager
	// login failed. The upstream resource was not contacted.
	ErrNotAuthenticated = errors.New("upstream: not authenticated")

	// ErrDecode is returned when a response body is not valid JSON for the
	// expected shape. Unknown or missing fields never cause it.
	ErrDecode = errors.New("upstream: decode response")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: GET %s: unexpected status %d", e.URL, e.Code)
}

// AuthFailure reports whether the status means the session was not accepted.
func (e *StatusError) AuthFailure() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Authenticator supplies and renews the upstream session.
type Authenticator interface {
	Session(ctx context.Context) session.Session
	Login(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	// CMSBase serves the roster, machine detail and score resources.
	CMSBase string
	// APIBase serves the user profile, search and badge resources.
	APIBase string
	// Origin is sent as Origin/Referer to look like the insider web app.
	Origin string
	// Location is the location context attached to every request.
	Location Location
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// Workers bounds concurrent machine-detail fetches during enrichment.
	Workers int
}

// Location is encoded as JSON into the Location request header.
type Location struct {
	Country   string `json:"country"`
	State     string `json:"state,omitempty"`
	StateName string `json:"stateName,omitempty"`
	Continent string `json:"continent"`
}

// Client performs authenticated GETs against the upstream portal.
// It is safe for concurrent use.
type Client struct {
	opts     Options
	auth     Authenticator
	http     *http.Client
	location string
	metrics  *metrics.Registry
}

// New builds a Client. reg may be nil.
func New(opts Options, auth Authenticator, reg *metrics.Registry) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	opts.CMSBase = strings.TrimRight(opts.CMSBase, "/")
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")

	loc, err := sonic.Marshal(opts.Location)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode location header: %w", err)
	}
	return &Client{
		opts:     opts,
		auth:     auth,
		location: string(loc),
		metrics:  reg,
		http: &http.Client{
			Transport: &browserRoundTripper{base: http.DefaultTransport, origin: opts.Origin},
			Timeout:   opts.Timeout,
		},
	}, nil
}

// get fetches url into out, renewing the session on 401/403 up to MaxRetries
// times. Other failures are returned immediately.
func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	sess := c.auth.Session(ctx)
	if strings.TrimSpace(sess.Token) == "" {
		slog.Warn("upstream: no auth token available, attempting login", "url", url)
		if err := c.auth.Login(ctx); err != nil {
			slog.Error("upstream: authentication failed, cannot fetch", "url", url, "err", err)
			return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		sess = c.auth.Session(ctx)
	}

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, url, sess, out)
		var se *StatusError
		if errors.As(err, &se) && se.AuthFailure() && attempt < MaxRetries {
			slog.Info("upstream: session rejected, refreshing auth",
				"status", se.Code, "retry", attempt+1, "max_retries", MaxRetries)
			c.metrics.Inc(metrics.ReauthTotal)
			if lerr := c.auth.Login(ctx); lerr != nil {
				slog.Warn("upstream: forced re-login failed", "err", lerr)
			}
			sess = c.auth.Session(ctx)
			continue
		}
		return err
	}
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, url string, sess session.Session, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("Cookie", sess.Cookies)
	req.Header.Set("Location", c.location)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Inc(metrics.RequestsTotal, "status", "error")
		return fmt.Errorf("upstream: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	c.metrics.Inc(metrics.RequestsTotal, "status", statusClass(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("upstream: read %s: %w", url, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, url, err)
	}
	return nil
}

func (c *Client) cms(path string) string { return c.opts.CMSBase + path }
func (c *Client) api(path string) string { return c.opts.APIBase + path }

// statusClass maps a status code to its metric label, e.g. 404 -> "4xx".
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// browserRoundTripper adds the browser-like header set the upstream's bot
// detection expects. Headers already present on the request are kept.
type browserRoundTripper struct {
	base   http.RoundTripper
	origin string
}

func (t *browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	set := func(k, v string) {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	set("User-Agent", session.UserAgent)
	set("Accept", "application/json, text/plain, */*")
	set("Accept-Language", "en-US,en;q=0.5")
	set("Content-Type", "application/json")
	if t.origin != "" {
		set("Origin", t.origin)
		set("Referer", t.origin+"/")
	}
	set("DNT", "1")
	set("Sec-GPC", "1")
	set("Sec-Fetch-Dest", "empty")
	set("Sec-Fetch-Mode", "cors")
	set("Sec-Fetch-Site", "cross-site")
	set("Pragma", "no-cache")
	set("Cache-Control", "max-age=604800, no-cache, no-store")
	return t.base.RoundTrip(req)
}
