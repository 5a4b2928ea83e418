package refresh

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pinmirror/pinmirror/internal/snapshot"
	"github.com/pinmirror/pinmirror/pkg/types"
)

// PlayerProfile resolves a player by initials or username.
//
// The logged-in account's profile is returned as is. A followed player gets
// its badges fetched; a followed player without an id is searched for one
// first. Any other name is searched upstream and returned with its id and
// badges. Lookups are cached until the next published snapshot, so friend
// data and badges are refreshed once per cycle. Upstream failures degrade to
// whatever is already known; ok is false only when nothing is known at all.
func (s *Service) PlayerProfile(ctx context.Context, name string) (types.PlayerProfile, bool) {
	key := types.ProfileKey(name)
	if key == "" {
		return types.PlayerProfile{}, false
	}

	snap := s.store.Load()
	known, ok := snap.Profiles[key]
	if ok && known.Tier == types.TierFull {
		return known, true
	}
	if p, hit := s.cached(snap, key); hit {
		return p, true
	}

	if ok && known.Tier == types.TierFriend {
		if known.PK == 0 {
			if u, err := s.fetch.SearchUserByName(ctx, searchName(known, name)); err != nil {
				slog.Debug("refresh: friend id search failed", "player", key, "err", err)
			} else {
				known.PK = u.PK
			}
		}
		if known.PK == 0 {
			if known.Badges == nil {
				known.Badges = []types.Badge{}
			}
			return known, true
		}
		badges, err := s.fetch.FetchUserBadges(ctx, known.PK)
		if err != nil {
			slog.Warn("refresh: badge fetch failed", "player", key, "err", err)
			if known.Badges == nil {
				known.Badges = []types.Badge{}
			}
			return known, true
		}
		known.Badges = badges
		s.remember(snap, key, known)
		return known, true
	}
	if ok {
		return known, true
	}

	u, err := s.fetch.SearchUserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		slog.Debug("refresh: player search failed", "player", key, "err", err)
		return types.PlayerProfile{}, false
	}
	p := types.PlayerProfile{
		Username: u.Username,
		Tier:     types.TierUnknown,
		PK:       u.PK,
		Badges:   []types.Badge{},
	}
	if u.Profile != nil {
		p.Initials = u.Profile.Initials
		p.AvatarURL = u.Profile.AvatarURL
		p.BackgroundColor = u.Profile.BackgroundColorHex
		p.LocationInfo = u.Profile.LocationInfo
	}
	if badges, err := s.fetch.FetchUserBadges(ctx, u.PK); err != nil {
		slog.Warn("refresh: badge fetch failed", "player", key, "err", err)
	} else {
		p.Badges = badges
	}
	s.remember(snap, key, p)
	return p, true
}

// searchName prefers the friend's username over the name it was looked up by.
func searchName(p types.PlayerProfile, name string) string {
	if p.Username != "" {
		return p.Username
	}
	return strings.TrimSpace(name)
}

// syncGeneration drops the cache once a newer snapshot has been published.
// extraMu must be held.
func (s *Service) syncGeneration() *snapshot.Snapshot {
	cur := s.store.Load()
	if s.extraGen != cur {
		s.extraGen = cur
		clear(s.extra)
	}
	return cur
}

func (s *Service) cached(snap *snapshot.Snapshot, key string) (types.PlayerProfile, bool) {
	s.extraMu.Lock()
	defer s.extraMu.Unlock()
	if s.syncGeneration() != snap {
		return types.PlayerProfile{}, false
	}
	p, ok := s.extra[key]
	return p, ok
}

// remember caches p unless snap was superseded while p was being resolved.
func (s *Service) remember(snap *snapshot.Snapshot, key string, p types.PlayerProfile) {
	s.extraMu.Lock()
	defer s.extraMu.Unlock()
	if s.syncGeneration() != snap {
		return
	}
	s.extra[key] = p
}
