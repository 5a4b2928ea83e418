// Package snapshot holds the mirrored leaderboard state: machines, score
// tables, new-score marks, avatars and player profiles. Readers always see
// one complete, internally consistent snapshot; the refresh loop replaces it
// wholesale with Publish.
package snapshot
