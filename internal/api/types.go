package api

import "time"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State         string     `json:"state"` // "ok" | "waiting"
	MachineCount  int        `json:"machine_count"`
	NewScoreCount int        `json:"new_score_count"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
