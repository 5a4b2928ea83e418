// Package auth provides authentication middleware for the pinmirror HTTP
// surface.
//
// APIKey(mode, header, key) wraps an http.Handler and validates the API key
// from the named request header. When mode != "apikey" or key == "", all
// requests pass through (useful for local development with auth disabled).
package auth
