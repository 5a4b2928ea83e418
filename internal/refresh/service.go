package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"

	"github.com/pinmirror/pinmirror/internal/bus"
	"github.com/pinmirror/pinmirror/internal/metrics"
	"github.com/pinmirror/pinmirror/internal/snapshot"
	"github.com/pinmirror/pinmirror/pkg/types"
)

const (
	defaultInterval = 5 * time.Minute
	defaultWorkers  = 4
)

// ErrEmptyRoster is returned by RunCycle when the roster fetch failed or
// returned no machines. The snapshot is left untouched.
var ErrEmptyRoster = errors.New("refresh: empty roster")

// Fetcher is the upstream surface a cycle needs. *upstream.Client
// implements it.
type Fetcher interface {
	FetchRoster(ctx context.Context) ([]types.Machine, error)
	FetchScoreTable(ctx context.Context, id int64) (types.ScoreTable, error)
	FetchUserProfile(ctx context.Context) (*types.UserProfile, error)
	SearchUserByName(ctx context.Context, name string) (*types.PublicUser, error)
	FetchUserBadges(ctx context.Context, pk int64) ([]types.Badge, error)
}

// Publisher receives the per-cycle notification. *bus.Bus implements it.
type Publisher interface {
	Publish(msg bus.Message)
}

// Options tunes a Service.
type Options struct {
	Interval time.Duration
	Workers  int
}

// Result summarises one completed cycle.
type Result struct {
	Machines  int
	NewScores []bus.ScoreEvent
	Failed    []int64
	Duration  time.Duration
}

// Service runs refresh cycles on a ticker.
type Service struct {
	fetch   Fetcher
	store   *snapshot.Store
	pub     Publisher
	metrics *metrics.Registry
	workers int
	now     func() time.Time // injectable for deterministic tests

	interval atomic.Int64
	reset    chan struct{}
	cycleMu  sync.Mutex

	extraMu  sync.Mutex
	extraGen *snapshot.Snapshot             // snapshot the extra entries were resolved against
	extra    map[string]types.PlayerProfile // enriched friend/unknown profiles
}

// New creates a Service. pub and reg may be nil.
func New(f Fetcher, st *snapshot.Store, pub Publisher, reg *metrics.Registry, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	s := &Service{
		fetch:   f,
		store:   st,
		pub:     pub,
		metrics: reg,
		workers: opts.Workers,
		now:     time.Now,
		reset:   make(chan struct{}, 1),
		extra:   make(map[string]types.PlayerProfile),
	}
	s.interval.Store(int64(opts.Interval))
	return s
}

// Interval returns the current refresh period.
func (s *Service) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the refresh period. A running loop picks it up without
// restarting. Non-positive values are ignored.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 || d == s.Interval() {
		return
	}
	s.interval.Store(int64(d))
	select {
	case s.reset <- struct{}{}:
	default:
	}
	slog.Info("refresh: interval changed", "interval", durafmt.Parse(d).String())
}

// Run starts one cycle immediately on its own goroutine, then one per
// interval. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.cycle(ctx)

	t := time.NewTicker(s.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			t.Reset(s.Interval())
		case <-t.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrEmptyRoster) {
		slog.Error("refresh: cycle failed", "err", err)
	}
}

type fetched struct {
	table types.ScoreTable
	err   error
}

// RunCycle performs one full cycle. Concurrent calls are serialised.
func (s *Service) RunCycle(ctx context.Context) (*Result, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.now()
	prev := s.store.Load()

	machines, err := s.fetch.FetchRoster(ctx)
	if err != nil || len(machines) == 0 {
		slog.Warn("refresh: no machines available, keeping previous snapshot", "err", err)
		s.metrics.Inc(metrics.CyclesTotal, "outcome", "skipped")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmptyRoster, err)
		}
		return nil, ErrEmptyRoster
	}

	next := &snapshot.Snapshot{
		Machines: machines,
		Scores:   make(map[int64]types.ScoreTable, len(machines)),
		Marks:    make(map[int64]types.KeySet),
		Avatars:  prev.Avatars,
		Profiles: prev.Profiles,
	}
	if p, err := s.fetch.FetchUserProfile(ctx); err != nil {
		slog.Warn("refresh: profile fetch failed, keeping previous avatars", "err", err)
	} else {
		next.Avatars, next.Profiles = types.BuildProfiles(p)
	}

	tables := s.fetchTables(ctx, machines)

	res := &Result{Machines: len(machines)}
	for i, m := range machines {
		name := m.DisplayName()
		if tables[i].err != nil {
			slog.Warn("refresh: score fetch failed, keeping previous table",
				"machine", m.ID, "name", name, "err", tables[i].err)
			res.Failed = append(res.Failed, m.ID)
			keep(next, prev, m.ID)
			continue
		}

		cur := tables[i].table
		if cur == nil {
			slog.Warn("refresh: score table absent from response, keeping previous table",
				"machine", m.ID, "name", name)
			keep(next, prev, m.ID)
			continue
		}
		next.Scores[m.ID] = cur
		old, seen := prev.Scores[m.ID]
		if !seen {
			slog.Debug("refresh: first table for machine", "machine", m.ID, "entries", len(cur))
			continue
		}
		fresh := NewEntries(old, cur)
		if len(fresh) == 0 {
			continue
		}
		next.Marks[m.ID] = Marks(fresh)
		for _, e := range fresh {
			ev := bus.ScoreEvent{
				MachineID: m.ID,
				Machine:   name,
				Player:    e.PlayerName(),
				Score:     e.ScoreText(),
				Key:       e.Key(),
			}
			slog.Info("refresh: new score", "machine", ev.Machine, "player", ev.Player, "score", ev.Score)
			res.NewScores = append(res.NewScores, ev)
		}
	}

	s.store.Publish(next)

	done := s.now()
	res.Duration = done.Sub(start)
	s.metrics.Inc(metrics.CyclesTotal, "outcome", "ok")
	s.metrics.Add(metrics.NewScoresTotal, float64(len(res.NewScores)))
	s.metrics.Set(metrics.Machines, float64(len(machines)))
	s.metrics.ObserveCycle(res.Duration, done)

	msg := bus.Message{Kind: bus.KindRefreshed, At: done}
	if len(res.NewScores) > 0 {
		msg.Kind = bus.KindNewScores
		msg.Scores = res.NewScores
	}
	if s.pub != nil {
		s.pub.Publish(msg)
	}

	slog.Info("refresh: cycle complete",
		"machines", res.Machines,
		"new_scores", len(res.NewScores),
		"failed", len(res.Failed),
		"took", res.Duration.Round(time.Millisecond).String(),
		"next_refresh_in", durafmt.Parse(s.Interval()).String(),
	)
	return res, nil
}

// keep carries machine id's table and marks from prev into next unchanged.
func keep(next, prev *snapshot.Snapshot, id int64) {
	if t, ok := prev.Scores[id]; ok {
		next.Scores[id] = t
	}
	if mk, ok := prev.Marks[id]; ok {
		next.Marks[id] = mk
	}
}

// fetchTables fetches every machine's score table with bounded concurrency.
// Results are indexed like machines.
func (s *Service) fetchTables(ctx context.Context, machines []types.Machine) []fetched {
	out := make([]fetched, len(machines))
	swg := sizedwaitgroup.New(s.workers)
	for i, m := range machines {
		swg.Add()
		go func(i int, id int64) {
			defer swg.Done()
			t, err := s.fetch.FetchScoreTable(ctx, id)
			out[i] = fetched{table: t, err: err}
		}(i, m.ID)
	}
	swg.Wait()
	return out
}
