package refresh

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pinmirror/pinmirror/internal/bus"
	"github.com/pinmirror/pinmirror/internal/metrics"
	"github.com/pinmirror/pinmirror/internal/snapshot"
	"github.com/pinmirror/pinmirror/pkg/types"
)

// fakeFetcher is a scripted in-memory upstream.
type fakeFetcher struct {
	mu          sync.Mutex
	roster      []types.Machine
	rosterErr   error
	tables      map[int64]types.ScoreTable
	tableErr    map[int64]error
	absent      map[int64]bool
	profile     *types.UserProfile
	profileErr  error
	users       map[string]*types.PublicUser
	badges      map[int64][]types.Badge
	badgeErr    error
	badgeCalls  int
	searchCalls int
}

func newFake() *fakeFetcher {
	return &fakeFetcher{
		tables:   make(map[int64]types.ScoreTable),
		tableErr: make(map[int64]error),
		absent:   make(map[int64]bool),
		users:    make(map[string]*types.PublicUser),
		badges:   make(map[int64][]types.Badge),
	}
}

func (f *fakeFetcher) FetchRoster(context.Context) ([]types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Machine(nil), f.roster...), f.rosterErr
}

func (f *fakeFetcher) FetchScoreTable(_ context.Context, id int64) (types.ScoreTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.tableErr[id]; err != nil {
		return nil, err
	}
	if f.absent[id] {
		return nil, nil
	}
	return append(types.ScoreTable{}, f.tables[id]...), nil
}

func (f *fakeFetcher) FetchUserProfile(context.Context) (*types.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, f.profileErr
}

func (f *fakeFetcher) SearchUserByName(_ context.Context, name string) (*types.PublicUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if u, ok := f.users[types.ProfileKey(name)]; ok {
		return u, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeFetcher) FetchUserBadges(_ context.Context, pk int64) ([]types.Badge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badgeCalls++
	if f.badgeErr != nil {
		return nil, f.badgeErr
	}
	return f.badges[pk], nil
}

func (f *fakeFetcher) set(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// recorder collects published bus messages.
type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
	ch   chan bus.Message
}

func newRecorder() *recorder { return &recorder{ch: make(chan bus.Message, 64)} }

func (r *recorder) Publish(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
}

func (r *recorder) all() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Message(nil), r.msgs...)
}

func machine(id int64, name string) types.Machine {
	return types.Machine{ID: id, Model: &types.MachineModel{Title: &types.MachineTitle{Name: name}}}
}

func entry(id, score, initials string) types.ScoreEntry {
	return types.ScoreEntry{ID: types.Text(id), Score: types.Text(score), User: &types.ScoreUser{Initials: initials}}
}

func newService(f Fetcher, rec *recorder, reg *metrics.Registry) (*Service, *snapshot.Store) {
	st := snapshot.New()
	return New(f, st, rec, reg, Options{Interval: time.Hour, Workers: 2}), st
}

func TestNewEntries(t *testing.T) {
	a, b, c := entry("a", "10", "AAA"), entry("b", "20", "BBB"), entry("c", "30", "CCC")
	tests := []struct {
		name      string
		prev, cur types.ScoreTable
		want      []string
	}{
		{"identical", types.ScoreTable{a, b}, types.ScoreTable{a, b}, nil},
		{"one new", types.ScoreTable{a, b}, types.ScoreTable{c, a, b}, []string{"c"}},
		{"reordered only", types.ScoreTable{a, b}, types.ScoreTable{b, a}, nil},
		{"all new", types.ScoreTable{}, types.ScoreTable{a, b}, []string{"a", "b"}},
		{"entry dropped", types.ScoreTable{a, b, c}, types.ScoreTable{a}, nil},
		{"key falls back to name-score", types.ScoreTable{entry("", "5", "ZED")}, types.ScoreTable{entry("", "5", "ZED"), entry("", "6", "ZED")}, []string{"ZED-6"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NewEntries(tc.prev, tc.cur)
			var keys []string
			for _, e := range got {
				keys = append(keys, e.Key())
			}
			if !reflect.DeepEqual(keys, tc.want) {
				t.Errorf("NewEntries keys = %v, want %v", keys, tc.want)
			}
			// new entries never share a key with the previous table
			prevKeys := tc.prev.Keys()
			for k := range Marks(got) {
				if prevKeys.Has(k) {
					t.Errorf("new key %q also in previous table", k)
				}
			}
			if again := NewEntries(tc.cur, tc.cur); len(again) != 0 {
				t.Errorf("NewEntries(cur, cur) = %v, want empty", again)
			}
		})
	}
}

func TestRunCycle_DetectsNewScores(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla"), machine(2, "Jaws")}
	f.tables[1] = types.ScoreTable{entry("a", "1000000", "AAA")}
	f.tables[2] = types.ScoreTable{entry("b", "50", "BBB")}
	rec := newRecorder()
	reg := metrics.New()
	svc, st := newService(f, rec, reg)
	ctx := context.Background()

	res, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(res.NewScores) != 0 {
		t.Errorf("first cycle events = %v, want none", res.NewScores)
	}
	if got, _ := st.ScoreTable(1); len(got) != 1 {
		t.Errorf("machine 1 table = %v", got)
	}

	f.set(func(f *fakeFetcher) {
		f.tables[1] = types.ScoreTable{entry("n1", "1500000", "WIZ"), entry("a", "1000000", "AAA")}
	})
	res, err = svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(res.NewScores) != 1 || res.NewScores[0].String() != "Godzilla:WIZ:1500000" {
		t.Fatalf("second cycle events = %v", res.NewScores)
	}
	if marks := st.NewScoreMarks(1); len(marks) != 1 || !marks.Has("n1") {
		t.Errorf("machine 1 marks = %v, want {n1}", marks)
	}
	if len(st.NewScoreMarks(2)) != 0 {
		t.Error("machine 2 should have no marks")
	}

	// unchanged third cycle clears the marks
	if _, err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(st.NewScoreMarks(1)) != 0 {
		t.Errorf("marks not cleared on the next cycle: %v", st.NewScoreMarks(1))
	}

	msgs := rec.all()
	kinds := []bus.Kind{msgs[0].Kind, msgs[1].Kind, msgs[2].Kind}
	if want := []bus.Kind{bus.KindRefreshed, bus.KindNewScores, bus.KindRefreshed}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("published kinds = %v, want %v", kinds, want)
	}
	if got := msgs[1].Events(); !reflect.DeepEqual(got, []string{"Godzilla:WIZ:1500000"}) {
		t.Errorf("new_scores events = %v", got)
	}
	if v := reg.Counter(metrics.NewScoresTotal); v != 1 {
		t.Errorf("new scores counter = %v, want 1", v)
	}
	if v := reg.Counter(metrics.CyclesTotal, "outcome", "ok"); v != 3 {
		t.Errorf("ok cycles = %v, want 3", v)
	}
	if v := reg.Gauge(metrics.Machines); v != 2 {
		t.Errorf("machines gauge = %v, want 2", v)
	}
}

func TestRunCycle_MachineFailureIsolated(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla"), machine(2, "Jaws")}
	f.tables[1] = types.ScoreTable{entry("a", "10", "AAA")}
	f.tables[2] = types.ScoreTable{entry("b", "20", "BBB")}
	rec := newRecorder()
	svc, st := newService(f, rec, nil)
	ctx := context.Background()

	if _, err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	f.set(func(f *fakeFetcher) {
		f.tables[1] = types.ScoreTable{entry("c", "30", "CCC"), entry("a", "10", "AAA")}
		f.tableErr[2] = errors.New("upstream: 502")
	})
	res, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if !reflect.DeepEqual(res.Failed, []int64{2}) {
		t.Errorf("Failed = %v, want [2]", res.Failed)
	}
	if got, _ := st.ScoreTable(1); len(got) != 2 {
		t.Errorf("machine 1 not updated: %v", got)
	}
	got, ok := st.ScoreTable(2)
	if !ok || len(got) != 1 || got[0].ID != "b" {
		t.Errorf("machine 2 should keep its previous table, got %v", got)
	}
	if len(res.NewScores) != 1 || res.NewScores[0].Machine != "Godzilla" {
		t.Errorf("events = %v", res.NewScores)
	}
}

func TestRunCycle_FailedMachineKeepsMarks(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.tables[1] = types.ScoreTable{entry("a", "10", "AAA")}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) { f.tables[1] = types.ScoreTable{entry("b", "20", "BBB"), entry("a", "10", "AAA")} })
	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) { f.tableErr[1] = errors.New("timeout") })
	_, _ = svc.RunCycle(ctx)

	if !st.NewScoreMarks(1).Has("b") {
		t.Errorf("marks of a failed machine were cleared: %v", st.NewScoreMarks(1))
	}
}

func TestRunCycle_AbsentTableKeepsPrevious(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Jaws")}
	f.tables[1] = types.ScoreTable{entry("a", "100", ""), entry("b", "90", "")}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) {
		f.tables[1] = types.ScoreTable{entry("c", "110", "CCC"), entry("a", "100", ""), entry("b", "90", "")}
	})
	_, _ = svc.RunCycle(ctx)

	f.set(func(f *fakeFetcher) { f.absent[1] = true })
	res, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("absent cycle: %v", err)
	}
	if len(res.NewScores) != 0 || len(res.Failed) != 0 {
		t.Errorf("absent table: events %v, failed %v", res.NewScores, res.Failed)
	}
	if got, _ := st.ScoreTable(1); len(got) != 3 {
		t.Errorf("absent table replaced the previous one: %v", got)
	}
	if !st.NewScoreMarks(1).Has("c") {
		t.Errorf("absent table cleared marks: %v", st.NewScoreMarks(1))
	}

	f.set(func(f *fakeFetcher) { f.absent[1] = false })
	res, err = svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if len(res.NewScores) != 0 {
		t.Errorf("known entries reported as new after an absent table: %v", res.NewScores)
	}
}

func TestRunCycle_EmptyTableIsATable(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Jaws")}
	f.tables[1] = types.ScoreTable{entry("a", "100", "AAA")}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) { f.tables[1] = nil })
	_, _ = svc.RunCycle(ctx)
	if got, ok := st.ScoreTable(1); !ok || len(got) != 0 {
		t.Errorf("empty table not stored: %v, %v", got, ok)
	}
}

func TestRunCycle_FirstSeenMachineHasNoEvents(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.tables[1] = types.ScoreTable{entry("a", "10", "AAA")}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) {
		f.roster = append(f.roster, machine(3, "Rush"))
		f.tables[3] = types.ScoreTable{entry("x", "1", "XXX"), entry("y", "2", "YYY")}
	})
	res, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(res.NewScores) != 0 {
		t.Errorf("first-seen machine produced events: %v", res.NewScores)
	}
	if got, ok := st.ScoreTable(3); !ok || len(got) != 2 {
		t.Errorf("first-seen machine table not stored: %v", got)
	}
}

func TestRunCycle_RemovedMachineDropped(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla"), machine(2, "Jaws")}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) { f.roster = f.roster[:1] })
	_, _ = svc.RunCycle(ctx)

	if ms := st.Machines(); len(ms) != 1 || ms[0].ID != 1 {
		t.Errorf("Machines() = %+v, want only machine 1", ms)
	}
	if _, ok := st.ScoreTable(2); ok {
		t.Error("table of removed machine still present")
	}
}

func TestRunCycle_EmptyRoster(t *testing.T) {
	tests := []struct {
		name string
		set  func(f *fakeFetcher)
	}{
		{"no machines", func(f *fakeFetcher) { f.roster = nil }},
		{"roster error", func(f *fakeFetcher) { f.rosterErr = errors.New("upstream: not authenticated") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			f.roster = []types.Machine{machine(1, "Godzilla")}
			f.tables[1] = types.ScoreTable{entry("a", "10", "AAA")}
			rec := newRecorder()
			reg := metrics.New()
			svc, st := newService(f, rec, reg)
			ctx := context.Background()

			if _, err := svc.RunCycle(ctx); err != nil {
				t.Fatalf("first cycle: %v", err)
			}
			before := st.Load()

			f.set(tc.set)
			_, err := svc.RunCycle(ctx)
			if !errors.Is(err, ErrEmptyRoster) {
				t.Fatalf("err = %v, want ErrEmptyRoster", err)
			}
			if st.Load() != before {
				t.Error("snapshot replaced on an empty roster")
			}
			if n := len(rec.all()); n != 1 {
				t.Errorf("published %d messages, want 1 (from the first cycle)", n)
			}
			if v := reg.Counter(metrics.CyclesTotal, "outcome", "skipped"); v != 1 {
				t.Errorf("skipped cycles = %v, want 1", v)
			}
		})
	}
}

func TestRunCycle_ProfileFailureKeepsAvatars(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.profile = &types.UserProfile{Initials: "WIZ", AvatarURL: "https://cdn/wiz.png"}
	svc, st := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	if _, ok := st.Avatars()["wiz"]; !ok {
		t.Fatalf("avatar not stored: %v", st.Avatars())
	}
	f.set(func(f *fakeFetcher) { f.profileErr = errors.New("upstream: 500") })
	_, _ = svc.RunCycle(ctx)
	if _, ok := st.Avatars()["wiz"]; !ok {
		t.Error("avatar dropped after profile failure")
	}
}

func TestRunCycle_UnknownPlayerAndScore(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{{ID: 1}}
	f.tables[1] = types.ScoreTable{}
	svc, _ := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	f.set(func(f *fakeFetcher) { f.tables[1] = types.ScoreTable{{ID: "z"}} })
	res, err := svc.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(res.NewScores) != 1 || res.NewScores[0].String() != "Unknown:Unknown:?" {
		t.Errorf("events = %v, want [Unknown:Unknown:?]", res.NewScores)
	}
}

func TestRun_EagerCycleAndInterval(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	rec := newRecorder()
	svc, _ := newService(f, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no eager cycle within 2s")
	}

	svc.SetInterval(20 * time.Millisecond)
	if got := svc.Interval(); got != 20*time.Millisecond {
		t.Errorf("Interval() = %v", got)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-rec.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("no ticked cycle %d after SetInterval", i+1)
		}
	}
}

func TestPlayerProfile(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.profile = &types.UserProfile{
		Initials:  "WIZ",
		AvatarURL: "https://cdn/wiz.png",
		Badges:    []types.Badge{{Name: "Owner"}},
		Following: []types.FollowedUser{{PK: 7, Username: "pal", Initials: "PAL"}},
	}
	f.users["stranger"] = &types.PublicUser{PK: 99, Username: "stranger"}
	f.badges[7] = []types.Badge{{Name: "Friend badge"}}
	f.badges[99] = []types.Badge{{Name: "Stranger badge"}}
	svc, _ := newService(f, newRecorder(), nil)
	ctx := context.Background()
	if _, err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	full, ok := svc.PlayerProfile(ctx, "wiz")
	if !ok || full.Tier != types.TierFull || len(full.Badges) != 1 {
		t.Errorf("full profile = %+v, %v", full, ok)
	}
	if f.badgeCalls != 0 {
		t.Errorf("badges fetched for full tier: %d calls", f.badgeCalls)
	}

	friend, ok := svc.PlayerProfile(ctx, "PAL")
	if !ok || friend.Tier != types.TierFriend || len(friend.Badges) != 1 || friend.Badges[0].Name != "Friend badge" {
		t.Errorf("friend profile = %+v, %v", friend, ok)
	}
	_, _ = svc.PlayerProfile(ctx, "pal")
	if f.badgeCalls != 1 {
		t.Errorf("friend badges fetched %d times, want 1 (cached)", f.badgeCalls)
	}

	unknown, ok := svc.PlayerProfile(ctx, "Stranger")
	if !ok || unknown.Tier != types.TierUnknown || unknown.PK != 99 || len(unknown.Badges) != 1 {
		t.Errorf("unknown profile = %+v, %v", unknown, ok)
	}
	_, _ = svc.PlayerProfile(ctx, "stranger")
	if f.searchCalls != 1 {
		t.Errorf("search called %d times, want 1 (cached)", f.searchCalls)
	}

	if _, ok := svc.PlayerProfile(ctx, "ghost"); ok {
		t.Error("PlayerProfile(ghost): expected false")
	}
	if _, ok := svc.PlayerProfile(ctx, "  "); ok {
		t.Error("PlayerProfile(blank): expected false")
	}
}

func TestPlayerProfile_BadgeFailureDegrades(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.profile = &types.UserProfile{Following: []types.FollowedUser{{PK: 7, Username: "pal", Initials: "PAL"}}}
	f.badgeErr = errors.New("upstream: 503")
	svc, _ := newService(f, newRecorder(), nil)
	ctx := context.Background()
	_, _ = svc.RunCycle(ctx)

	p, ok := svc.PlayerProfile(ctx, "pal")
	if !ok || p.Tier != types.TierFriend || p.Badges == nil || len(p.Badges) != 0 {
		t.Errorf("profile = %+v, %v; want friend with empty badges", p, ok)
	}
}

func TestPlayerProfile_RefreshedEachCycle(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.profile = &types.UserProfile{Following: []types.FollowedUser{{PK: 7, Username: "friend", Initials: "FRD", AvatarURL: "old.png"}}}
	f.badges[7] = []types.Badge{{Name: "Old badge"}}
	f.users["drifter"] = &types.PublicUser{PK: 99, Username: "drifter"}
	svc, _ := newService(f, newRecorder(), nil)
	ctx := context.Background()

	_, _ = svc.RunCycle(ctx)
	if p, _ := svc.PlayerProfile(ctx, "FRD"); p.AvatarURL != "old.png" || p.Badges[0].Name != "Old badge" {
		t.Fatalf("cycle 1 friend = %+v", p)
	}
	_, _ = svc.PlayerProfile(ctx, "drifter")

	f.set(func(f *fakeFetcher) {
		f.profile = &types.UserProfile{Following: []types.FollowedUser{{PK: 7, Username: "friend", Initials: "FRD", AvatarURL: "new.png"}}}
		f.badges[7] = []types.Badge{{Name: "New badge"}}
	})
	_, _ = svc.RunCycle(ctx)

	p, ok := svc.PlayerProfile(ctx, "FRD")
	if !ok || p.AvatarURL != "new.png" || len(p.Badges) != 1 || p.Badges[0].Name != "New badge" {
		t.Errorf("cycle 2 friend = %+v, %v", p, ok)
	}
	_, _ = svc.PlayerProfile(ctx, "drifter")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badgeCalls != 4 {
		t.Errorf("badge fetches = %d, want 4 (one per player per cycle)", f.badgeCalls)
	}
	if f.searchCalls != 2 {
		t.Errorf("searches = %d, want 2 (one per cycle)", f.searchCalls)
	}
}

func TestPlayerProfile_FriendWithoutIDIsSearched(t *testing.T) {
	f := newFake()
	f.roster = []types.Machine{machine(1, "Godzilla")}
	f.profile = &types.UserProfile{Following: []types.FollowedUser{{Username: "nopk", Initials: "NPK"}}}
	f.users["nopk"] = &types.PublicUser{PK: 42, Username: "nopk"}
	f.badges[42] = []types.Badge{{Name: "Found"}}
	svc, _ := newService(f, newRecorder(), nil)
	ctx := context.Background()
	_, _ = svc.RunCycle(ctx)

	p, ok := svc.PlayerProfile(ctx, "NPK")
	if !ok || p.Tier != types.TierFriend || p.PK != 42 || len(p.Badges) != 1 || p.Badges[0].Name != "Found" {
		t.Errorf("profile = %+v, %v; want friend with searched id and badges", p, ok)
	}
	if f.searchCalls != 1 {
		t.Errorf("searches = %d, want 1", f.searchCalls)
	}
}
