package types

import "strings"

// AvatarInfo is the avatar image and background color of a player.
type AvatarInfo struct {
	URL             string `json:"avatar_url"`
	BackgroundColor string `json:"background_color,omitempty"`
}

// Badge is an achievement badge shown on a player profile.
type Badge struct {
	Name     string `json:"name"`
	BadgeURL string `json:"badge_url,omitempty"`
}

// Tier describes how much is known about a player.
type Tier string

const (
	// TierFull is the logged-in account; badges come with the profile.
	TierFull Tier = "full"
	// TierFriend is a followed player; badges are fetched on demand.
	TierFriend Tier = "friend"
	// TierUnknown is a player found only through search.
	TierUnknown Tier = "unknown"
)

// PlayerProfile is the mirrored view of one player.
type PlayerProfile struct {
	Username        string  `json:"username,omitempty"`
	Initials        string  `json:"initials,omitempty"`
	AvatarURL       string  `json:"avatar_url,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"`
	LocationInfo    string  `json:"location_info,omitempty"`
	Badges          []Badge `json:"badges"`
	Tier            Tier    `json:"tier"`
	PK              int64   `json:"pk,omitempty"`
}

// UserDetailResponse is the envelope of the user profile resource.
type UserDetailResponse struct {
	Success bool `json:"success"`
	User    *struct {
		Profile *UserProfile `json:"profile"`
	} `json:"user"`
}

// UserProfile is the logged-in account's own profile plus its following list.
type UserProfile struct {
	Initials           string         `json:"initials"`
	AvatarURL          string         `json:"avatar_url"`
	BackgroundColorHex string         `json:"background_color_hex"`
	Badges             []Badge        `json:"badges"`
	Following          []FollowedUser `json:"following"`
}

// FollowedUser is a friend profile listed under the account's following list.
type FollowedUser struct {
	PK                 int64  `json:"pk"`
	Username           string `json:"username"`
	Initials           string `json:"initials"`
	AvatarURL          string `json:"avatar_url"`
	BackgroundColorHex string `json:"background_color_hex"`
	LocationInfo       string `json:"location_info"`
}

// PublicUser is a search hit from the user search resource.
type PublicUser struct {
	PK       int64  `json:"pk"`
	Username string `json:"username"`
	Profile  *struct {
		Initials           string `json:"initials"`
		LocationInfo       string `json:"location_info"`
		AvatarURL          string `json:"avatar_url"`
		BackgroundColorHex string `json:"background_color_hex"`
	} `json:"profile"`
}

// UserSearchResponse is the envelope of the user search resource.
type UserSearchResponse struct {
	Users []PublicUser `json:"users"`
}

// UserBadgesResponse is the envelope of the user badges resource.
type UserBadgesResponse struct {
	Success bool    `json:"success"`
	Badges  []Badge `json:"badges"`
}

// ProfileKey normalises a player display key for map lookups.
func ProfileKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// BuildProfiles derives the avatar and profile lookups from the account
// profile. Avatars are keyed by lower-cased initials (and username for
// followed players); entries without an avatar URL are skipped.
func BuildProfiles(p *UserProfile) (map[string]AvatarInfo, map[string]PlayerProfile) {
	avatars := make(map[string]AvatarInfo)
	profiles := make(map[string]PlayerProfile)
	if p == nil {
		return avatars, profiles
	}

	if p.Initials != "" {
		key := ProfileKey(p.Initials)
		if strings.TrimSpace(p.AvatarURL) != "" {
			avatars[key] = AvatarInfo{URL: p.AvatarURL, BackgroundColor: p.BackgroundColorHex}
		}
		badges := p.Badges
		if badges == nil {
			badges = []Badge{}
		}
		profiles[key] = PlayerProfile{
			Username:        p.Initials,
			Initials:        p.Initials,
			AvatarURL:       p.AvatarURL,
			BackgroundColor: p.BackgroundColorHex,
			Badges:          badges,
			Tier:            TierFull,
		}
	}

	for _, f := range p.Following {
		if f.Initials == "" {
			continue
		}
		friend := PlayerProfile{
			Username:        f.Username,
			Initials:        f.Initials,
			AvatarURL:       f.AvatarURL,
			BackgroundColor: f.BackgroundColorHex,
			LocationInfo:    f.LocationInfo,
			Tier:            TierFriend,
			PK:              f.PK,
		}
		keys := []string{ProfileKey(f.Initials)}
		if f.Username != "" {
			keys = append(keys, ProfileKey(f.Username))
		}
		for _, k := range keys {
			profiles[k] = friend
			if strings.TrimSpace(f.AvatarURL) != "" {
				avatars[k] = AvatarInfo{URL: f.AvatarURL, BackgroundColor: f.BackgroundColorHex}
			}
		}
	}
	return avatars, profiles
}
