// Package api implements the read-only HTTP API over the mirrored snapshot.
//
// New(store, players) returns an http.Handler that serves:
//
//	GET /api/v1/health          state, machine count, new-score count, last update
//	GET /api/v1/machines        all machines with score tables and new-score keys
//	GET /api/v1/machines/{id}   single machine; 400 for a bad id, 404 if unknown
//	GET /api/v1/avatars         avatar lookup keyed by initials or username
//	GET /api/v1/snapshot        the whole snapshot view
//	GET /api/v1/players/{name}  player profile with badges; 404 if unknown
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. JSON types are defined in types.go.
package api
