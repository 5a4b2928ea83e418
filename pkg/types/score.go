package types

import (
	"bytes"
	"strings"

	"github.com/bytedance/sonic"
)

// UnknownName is the placeholder used wherever no display name can be resolved.
const UnknownName = "Unknown"

// Text is an opaque upstream value that may arrive as a JSON string or a
// JSON number. Both decode to their textual form; null decodes to "".
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*t = ""
		return nil
	case b[0] == '"':
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	default:
		*t = Text(b)
		return nil
	}
}

// String returns the raw text.
func (t Text) String() string { return string(t) }

// ScoreUser is the player reference attached to a score entry. Any subset of
// the fields may be empty.
type ScoreUser struct {
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Initials string `json:"initials,omitempty"`
}

// ScoreEntry is one row of a machine's high-score table.
type ScoreEntry struct {
	ID    Text       `json:"id,omitempty"`
	Score Text       `json:"score,omitempty"`
	User  *ScoreUser `json:"user,omitempty"`
}

// ScoreTable is the ordered high-score list of one machine. Index 0 is the
// grand champion.
type ScoreTable []ScoreEntry

// HighScoreResponse is the upstream envelope of a score table.
type HighScoreResponse struct {
	HighScores ScoreTable `json:"high_score"`
}

// PlayerName resolves the display name of the entry's player:
// username, then full name, then initials, then UnknownName.
func (e ScoreEntry) PlayerName() string {
	if e.User == nil {
		return UnknownName
	}
	switch {
	case e.User.Username != "":
		return e.User.Username
	case e.User.Name != "":
		return e.User.Name
	case e.User.Initials != "":
		return e.User.Initials
	}
	return UnknownName
}

// ScoreText returns the score or "?" when the upstream sent none.
func (e ScoreEntry) ScoreText() string {
	if e.Score == "" {
		return "?"
	}
	return string(e.Score)
}

// Key is the identity used to recognise the same entry across two fetches:
// the external id when non-blank, otherwise "<player name>-<score>".
func (e ScoreEntry) Key() string {
	if id := strings.TrimSpace(string(e.ID)); id != "" {
		return id
	}
	return e.PlayerName() + "-" + string(e.Score)
}

// KeySet is a set of score entry identity keys.
type KeySet map[string]struct{}

// Has reports whether key is in the set. A nil set contains nothing.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the identity key set of the table.
func (t ScoreTable) Keys() KeySet {
	out := make(KeySet, len(t))
	for _, e := range t {
		out[e.Key()] = struct{}{}
	}
	return out
}
