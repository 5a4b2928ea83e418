// Package upstream is the authenticated HTTP client for the Stern insider
// portal. It fetches the machine roster (enriched with live machine detail),
// per-machine high-score tables, the account profile, user search results
// and badges.
//
// Every request carries the session's bearer token and cookies, a Location
// header and a browser-like header set. A 401 or 403 forces a re-login and a
// retry, at most MaxRetries times.
package upstream
