// Package session manages the single upstream login session.
//
// Manager.Login posts the JSON array [username, password] to the login
// endpoint without following redirects. A 200 response is accepted when the
// streamed body contains "authenticated":true or a token cookie was set; a
// 302/303 response is accepted only with the token cookie. The issued
// Session (token, cookie header, issue time) is swapped in atomically and
// trusted for TTL (30 minutes).
//
// Logins are single-flight: concurrent callers, including forced re-logins
// triggered by 401/403 responses, share one request and its outcome.
package session
