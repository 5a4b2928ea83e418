package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/pinmirror/pinmirror/internal/snapshot"
	"github.com/pinmirror/pinmirror/pkg/types"
)

// Players resolves a player profile by initials or username.
// *refresh.Service implements it.
type Players interface {
	PlayerProfile(ctx context.Context, name string) (types.PlayerProfile, bool)
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	store   *snapshot.Store
	players Players
	mux     *http.ServeMux
}

// New creates a Handler wired to st and registers all routes. players may be
// nil, in which case profile lookups only consult the snapshot.
func New(st *snapshot.Store, players Players) http.Handler {
	h := &Handler{store: st, players: players, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/machines", h.listMachines)
	h.mux.HandleFunc("/api/v1/machines/", h.getMachine) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/avatars", h.avatars)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)
	h.mux.HandleFunc("/api/v1/players/", h.getPlayer)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	snap := h.store.Load()
	resp := HealthResponse{State: "waiting", MachineCount: len(snap.Machines)}
	if len(snap.Machines) > 0 {
		resp.State = "ok"
		at := snap.UpdatedAt.UTC()
		resp.UpdatedAt = &at
	}
	for _, marks := range snap.Marks {
		resp.NewScoreCount += len(marks)
	}
	jsonResp(w, http.StatusOK, resp)
}

// listMachines returns GET /api/v1/machines in upstream order.
func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.store.Load().View().Machines)
}

// getMachine returns GET /api/v1/machines/{id}.
func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/machines/"), "/")
	if raw == "" {
		h.listMachines(w, r)
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid machine id")
		return
	}

	snap := h.store.Load()
	m, ok := snap.Machine(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "machine not found")
		return
	}
	jsonResp(w, http.StatusOK, snap.ViewOf(m))
}

// avatars returns GET /api/v1/avatars.
func (h *Handler) avatars(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.store.Avatars())
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.store.Load().View())
}

// getPlayer returns GET /api/v1/players/{name}.
func (h *Handler) getPlayer(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/players/"), "/")
	if strings.TrimSpace(name) == "" {
		jsonErr(w, http.StatusBadRequest, "player name required")
		return
	}

	var (
		p  types.PlayerProfile
		ok bool
	)
	if h.players != nil {
		p, ok = h.players.PlayerProfile(r.Context(), name)
	} else {
		p, ok = h.store.Profile(name)
	}
	if !ok {
		jsonErr(w, http.StatusNotFound, "player not found")
		return
	}
	jsonResp(w, http.StatusOK, p)
}

// --- helpers ----------------------------------------------------------------

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	sonic.ConfigDefault.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
