package types

import (
	"testing"

	"github.com/bytedance/sonic"
)

func TestPlayerName_Priority(t *testing.T) {
	tests := []struct {
		name string
		user *ScoreUser
		want string
	}{
		{"nil user", nil, "Unknown"},
		{"empty user", &ScoreUser{}, "Unknown"},
		{"username only", &ScoreUser{Username: "pinwiz"}, "pinwiz"},
		{"name only", &ScoreUser{Name: "Pat Wizard"}, "Pat Wizard"},
		{"initials only", &ScoreUser{Initials: "PAT"}, "PAT"},
		{"username beats name", &ScoreUser{Username: "pinwiz", Name: "Pat Wizard"}, "pinwiz"},
		{"username beats initials", &ScoreUser{Username: "pinwiz", Initials: "PAT"}, "pinwiz"},
		{"name beats initials", &ScoreUser{Name: "Pat Wizard", Initials: "PAT"}, "Pat Wizard"},
		{"all present", &ScoreUser{Username: "pinwiz", Name: "Pat Wizard", Initials: "PAT"}, "pinwiz"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := ScoreEntry{Score: "100", User: tc.user}
			if got := e.PlayerName(); got != tc.want {
				t.Errorf("PlayerName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKey_ExternalIDWins(t *testing.T) {
	a := ScoreEntry{ID: "abc", Score: "100", User: &ScoreUser{Username: "x"}}
	b := ScoreEntry{ID: "abc", Score: "999", User: &ScoreUser{Username: "y"}}
	if a.Key() != "abc" || b.Key() != "abc" {
		t.Errorf("Key() = %q / %q, want abc for both", a.Key(), b.Key())
	}
}

func TestKey_BlankIDFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		entry ScoreEntry
		want  string
	}{
		{"missing id", ScoreEntry{Score: "100", User: &ScoreUser{Initials: "AAA"}}, "AAA-100"},
		{"blank id", ScoreEntry{ID: "   ", Score: "42", User: &ScoreUser{Username: "bob"}}, "bob-42"},
		{"no user", ScoreEntry{Score: "7"}, "Unknown-7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.entry.Key(); got != tc.want {
				t.Errorf("Key() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScoreText_Placeholder(t *testing.T) {
	if got := (ScoreEntry{}).ScoreText(); got != "?" {
		t.Errorf("ScoreText() = %q, want ?", got)
	}
	if got := (ScoreEntry{Score: "1,000"}).ScoreText(); got != "1,000" {
		t.Errorf("ScoreText() = %q, want 1,000", got)
	}
}

func TestText_DecodesStringNumberAndNull(t *testing.T) {
	body := `{"high_score":[
		{"id":"a","score":"100"},
		{"id":17,"score":2500000},
		{"id":null,"score":"N/A","user":{"initials":"ZZZ"}}
	]}`
	var resp HighScoreResponse
	if err := sonic.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(resp.HighScores) != 3 {
		t.Fatalf("entries = %d, want 3", len(resp.HighScores))
	}
	if resp.HighScores[1].ID != "17" || resp.HighScores[1].Score != "2500000" {
		t.Errorf("numeric entry = %+v", resp.HighScores[1])
	}
	if got := resp.HighScores[2].Key(); got != "ZZZ-N/A" {
		t.Errorf("Key() = %q, want ZZZ-N/A", got)
	}
}

func TestKeys_Set(t *testing.T) {
	table := ScoreTable{{ID: "a"}, {ID: "b"}, {Score: "5", User: &ScoreUser{Username: "c"}}}
	keys := table.Keys()
	for _, k := range []string{"a", "b", "c-5"} {
		if !keys.Has(k) {
			t.Errorf("Keys() missing %q", k)
		}
	}
	var empty KeySet
	if empty.Has("a") {
		t.Error("nil KeySet should contain nothing")
	}
}
