package snapshot

import (
	"time"

	"github.com/pinmirror/pinmirror/pkg/types"
)

// MachineView is the presentation form of one machine: the roster record
// plus its display name, score table and new-score keys.
type MachineView struct {
	types.Machine
	Name       string           `json:"name"`
	HighScores types.ScoreTable `json:"high_scores"`
	NewScores  []string         `json:"new_score_keys"`
}

// View is the JSON form of a whole snapshot, served to API and stream clients.
type View struct {
	UpdatedAt time.Time                   `json:"updated_at"`
	Machines  []MachineView               `json:"machines"`
	Avatars   map[string]types.AvatarInfo `json:"avatars"`
}

// ViewOf builds the view of machine m from snap.
func (snap *Snapshot) ViewOf(m types.Machine) MachineView {
	t := snap.Scores[m.ID]
	if t == nil {
		t = types.ScoreTable{}
	}
	return MachineView{
		Machine:    m,
		Name:       m.DisplayName(),
		HighScores: t,
		NewScores:  SortedKeys(snap.Marks[m.ID]),
	}
}

// View renders snap for presentation.
func (snap *Snapshot) View() View {
	v := View{
		UpdatedAt: snap.UpdatedAt,
		Machines:  make([]MachineView, 0, len(snap.Machines)),
		Avatars:   snap.Avatars,
	}
	for _, m := range snap.Machines {
		v.Machines = append(v.Machines, snap.ViewOf(m))
	}
	return v
}

// Machine finds machine id in snap.
func (snap *Snapshot) Machine(id int64) (types.Machine, bool) {
	for _, m := range snap.Machines {
		if m.ID == id {
			return m, true
		}
	}
	return types.Machine{}, false
}
