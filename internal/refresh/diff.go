package refresh

import "github.com/pinmirror/pinmirror/pkg/types"

// NewEntries returns the entries of cur whose identity key does not appear in
// prev, in table order. It is the caller's job to skip machines seen for the
// first time; for those every entry would count as new.
func NewEntries(prev, cur types.ScoreTable) []types.ScoreEntry {
	seen := prev.Keys()
	var out []types.ScoreEntry
	for _, e := range cur {
		if !seen.Has(e.Key()) {
			out = append(out, e)
		}
	}
	return out
}

// Marks returns the identity keys of entries.
func Marks(entries []types.ScoreEntry) types.KeySet {
	out := make(types.KeySet, len(entries))
	for _, e := range entries {
		out[e.Key()] = struct{}{}
	}
	return out
}
