package snapshot

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/pinmirror/pinmirror/pkg/types"
)

// Snapshot is one immutable generation of mirrored state. Callers must not
// modify a Snapshot after passing it to Publish or receiving it from Load.
type Snapshot struct {
	Machines  []types.Machine
	Scores    map[int64]types.ScoreTable
	Marks     map[int64]types.KeySet
	Avatars   map[string]types.AvatarInfo
	Profiles  map[string]types.PlayerProfile
	UpdatedAt time.Time
}

// Empty returns a Snapshot with all collections allocated and no data.
func Empty() *Snapshot {
	return &Snapshot{
		Machines: []types.Machine{},
		Scores:   make(map[int64]types.ScoreTable),
		Marks:    make(map[int64]types.KeySet),
		Avatars:  make(map[string]types.AvatarInfo),
		Profiles: make(map[string]types.PlayerProfile),
	}
}

// Store is the thread-safe holder of the current Snapshot. Reads are
// lock-free; Publish swaps the whole generation atomically.
type Store struct {
	cur atomic.Pointer[Snapshot]
	now func() time.Time // injectable for deterministic tests
}

// New creates a Store holding an empty snapshot.
func New() *Store {
	s := &Store{now: time.Now}
	s.cur.Store(Empty())
	return s
}

// Publish replaces the current snapshot with snap, stamping UpdatedAt.
// Nil collections are replaced by empty ones.
func (s *Store) Publish(snap *Snapshot) {
	if snap == nil {
		return
	}
	if snap.Machines == nil {
		snap.Machines = []types.Machine{}
	}
	if snap.Scores == nil {
		snap.Scores = make(map[int64]types.ScoreTable)
	}
	if snap.Marks == nil {
		snap.Marks = make(map[int64]types.KeySet)
	}
	if snap.Avatars == nil {
		snap.Avatars = make(map[string]types.AvatarInfo)
	}
	if snap.Profiles == nil {
		snap.Profiles = make(map[string]types.PlayerProfile)
	}
	snap.UpdatedAt = s.now()
	s.cur.Store(snap)
}

// Load returns the current snapshot. It is never nil.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}

// Machines returns a copy of the current machine list in upstream order.
func (s *Store) Machines() []types.Machine {
	ms := s.Load().Machines
	return append(make([]types.Machine, 0, len(ms)), ms...)
}

// ScoreTable returns a copy of the score table of machine id and whether one
// has been fetched.
func (s *Store) ScoreTable(id int64) (types.ScoreTable, bool) {
	t, ok := s.Load().Scores[id]
	if !ok {
		return nil, false
	}
	return append(make(types.ScoreTable, 0, len(t)), t...), true
}

// Avatars returns a copy of the avatar lookup, keyed by lower-cased initials
// or username.
func (s *Store) Avatars() map[string]types.AvatarInfo {
	src := s.Load().Avatars
	out := make(map[string]types.AvatarInfo, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// NewScoreMarks returns a copy of the keys marked new on machine id during
// the last cycle. It is empty, never nil, when there are none.
func (s *Store) NewScoreMarks(id int64) types.KeySet {
	src := s.Load().Marks[id]
	out := make(types.KeySet, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// Profile looks up a player profile by initials or username, ignoring case.
func (s *Store) Profile(key string) (types.PlayerProfile, bool) {
	p, ok := s.Load().Profiles[types.ProfileKey(key)]
	return p, ok
}

// SortedKeys returns the members of ks in lexical order.
func SortedKeys(ks types.KeySet) []string {
	out := make([]string, 0, len(ks))
	for k := range ks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
