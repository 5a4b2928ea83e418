// Package upstreamtest provides an in-memory fake of the Stern insider
// portal for tests: a login endpoint plus the CMS and API resources, with
// token rotation, per-path status overrides and request counting.
package upstreamtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/pinmirror/pinmirror/pkg/types"
)

// Portal is a fake upstream. All setters are safe to call while requests are
// in flight.
type Portal struct {
	*httptest.Server

	mu           sync.Mutex
	machines     []types.Machine
	details      map[int64]types.MachineDetail
	scores       map[int64]types.ScoreTable
	profile      *types.UserProfile
	users        []types.PublicUser
	badges       map[int64][]types.Badge
	status       map[string]int
	rejectLogin  bool
	loginCount   int
	token        string
	hits         map[string]int
	lastLocation string
}

// New starts a Portal that is closed on test cleanup.
func New(t testing.TB) *Portal {
	t.Helper()
	p := &Portal{
		details: make(map[int64]types.MachineDetail),
		scores:  make(map[int64]types.ScoreTable),
		badges:  make(map[int64][]types.Badge),
		status:  make(map[string]int),
		hits:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", p.handleLogin)
	mux.HandleFunc("/cms/user_registered_machines/", p.authed(p.handleRoster))
	mux.HandleFunc("/cms/game_machines/", p.authed(p.handleDetail))
	mux.HandleFunc("/cms/game_machine_high_scores/", p.authed(p.handleScores))
	mux.HandleFunc("/api/user_detail/", p.authed(p.handleProfile))
	mux.HandleFunc("/api/user_search/", p.authed(p.handleSearch))
	mux.HandleFunc("/api/user_badges/", p.authed(p.handleBadges))
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// LoginURL, CMSBase and APIBase are the endpoints to configure clients with.
func (p *Portal) LoginURL() string { return p.URL + "/login" }
func (p *Portal) CMSBase() string  { return p.URL + "/cms" }
func (p *Portal) APIBase() string  { return p.URL + "/api" }

// SetMachines replaces the roster.
func (p *Portal) SetMachines(ms ...types.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machines = append([]types.Machine(nil), ms...)
}

// SetDetail sets the detail resource of machine id.
func (p *Portal) SetDetail(id int64, d types.MachineDetail) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.details[id] = d
}

// SetScores sets the score table of machine id.
func (p *Portal) SetScores(id int64, t types.ScoreTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[id] = append(types.ScoreTable(nil), t...)
}

// SetProfile sets the account profile.
func (p *Portal) SetProfile(pr *types.UserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = pr
}

// SetUsers sets the searchable public users.
func (p *Portal) SetUsers(us ...types.PublicUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append([]types.PublicUser(nil), us...)
}

// SetBadges sets the badges of user pk.
func (p *Portal) SetBadges(pk int64, bs ...types.Badge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badges[pk] = append([]types.Badge(nil), bs...)
}

// FailPath makes every request whose path (plus query) starts with prefix
// answer with code. A zero code clears the override.
func (p *Portal) FailPath(prefix string, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == 0 {
		delete(p.status, prefix)
		return
	}
	p.status[prefix] = code
}

// RejectLogin makes the login endpoint answer 200 without any auth signal.
func (p *Portal) RejectLogin(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectLogin = reject
}

// ExpireToken invalidates the current token so the next request gets 401.
func (p *Portal) ExpireToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

// Logins returns the number of login requests received.
func (p *Portal) Logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCount
}

// Hits returns the number of requests whose path (plus query) starts with
// prefix, including rejected ones.
func (p *Portal) Hits(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, v := range p.hits {
		if strings.HasPrefix(k, prefix) {
			n += v
		}
	}
	return n
}

// LastLocation returns the Location header of the most recent resource request.
func (p *Portal) LastLocation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLocation
}

func (p *Portal) handleLogin(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.loginCount++
	reject := p.rejectLogin
	if !reject {
		p.token = "tok-" + strconv.Itoa(p.loginCount)
	}
	token := p.token
	p.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("0:{\"authenticated\":false}\n"))
		return
	}
	w.Header().Add("Set-Cookie", "spb-insider-token="+token+"; Path=/; HttpOnly")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("0:{\"authenticated\":true}\n"))
}

// authed counts the request, applies status overrides and checks the bearer
// token against the most recently issued one.
func (p *Portal) authed(h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.RequestURI()
		p.mu.Lock()
		p.hits[key]++
		p.lastLocation = r.Header.Get("Location")
		code := 0
		for prefix, c := range p.status {
			if strings.HasPrefix(key, prefix) {
				code = c
			}
		}
		valid := p.token != "" && r.Header.Get("Authorization") == "Bearer "+p.token
		p.mu.Unlock()

		switch {
		case code != 0:
			http.Error(w, http.StatusText(code), code)
		case !valid:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			h(w, r)
		}
	}
}

func (p *Portal) handleRoster(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	body := map[string]interface{}{"user": map[string]interface{}{"machines": p.machines}}
	p.mu.Unlock()
	writeJSON(w, body)
}

func (p *Portal) handleDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(r.URL.Path, "/cms/game_machines/"), "/"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	p.mu.Lock()
	d, ok := p.details[id]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, d)
}

func (p *Portal) handleScores(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.URL.Query().Get("machine_id"), 10, 64)
	p.mu.Lock()
	t := p.scores[id]
	p.mu.Unlock()
	if t == nil {
		t = types.ScoreTable{}
	}
	writeJSON(w, types.HighScoreResponse{HighScores: t})
}

func (p *Portal) handleProfile(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	pr := p.profile
	p.mu.Unlock()
	if pr == nil {
		writeJSON(w, map[string]interface{}{"success": true, "user": nil})
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "user": map[string]interface{}{"profile": pr}})
}

func (p *Portal) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("username"))
	p.mu.Lock()
	var hits []types.PublicUser
	for _, u := range p.users {
		if strings.Contains(strings.ToLower(u.Username), q) {
			hits = append(hits, u)
		}
	}
	p.mu.Unlock()
	if hits == nil {
		hits = []types.PublicUser{}
	}
	writeJSON(w, types.UserSearchResponse{Users: hits})
}

func (p *Portal) handleBadges(w http.ResponseWriter, r *http.Request) {
	pk, err := strconv.ParseInt(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/user_badges/"), "/"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	p.mu.Lock()
	bs, ok := p.badges[pk]
	p.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, types.UserBadgesResponse{Success: true, Badges: bs})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
