package session

import (
	"net/http"
	"net/url"
)

// UserAgent is sent on every upstream request. The upstream rejects clients
// that do not look like a browser.
const UserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:142.0) Gecko/20100101 Firefox/142.0"

// Server-action identifiers the login page posts with.
const (
	nextAction      = "9d2cf818afff9e2c69368771b521d93585a10433"
	nextRouterState = "%5B%22%22%2C%7B%22children%22%3A%5B%22login%22%2C%7B%22children%22%3A%5B%22__PAGE__%22%2C%7B%7D%2C%22%2Flogin%22%2C%22refresh%22%5D%7D%5D%7D%2Cnull%2Cnull%2Ctrue%5D"
)

func setLoginHeaders(req *http.Request, loginURL string) {
	origin := loginURL
	if u, err := url.Parse(loginURL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	h := req.Header
	h.Set("User-Agent", UserAgent)
	h.Set("Accept", "text/x-component")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Referer", loginURL)
	h.Set("Next-Action", nextAction)
	h.Set("Next-Router-State-Tree", nextRouterState)
	h.Set("Content-Type", "text/plain;charset=UTF-8")
	h.Set("Origin", origin)
	h.Set("DNT", "1")
	h.Set("Sec-GPC", "1")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
}
