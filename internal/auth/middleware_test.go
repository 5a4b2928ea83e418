package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// passHandler answers 200 "ok".
var passHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func call(t *testing.T, h http.Handler, target, header, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		key    string
		target string
		sent   string
		want   int
	}{
		{"mode none passes", "none", "secret", "/api/v1/health", "", http.StatusOK},
		{"empty key passes", ModeAPIKey, "", "/api/v1/health", "", http.StatusOK},
		{"correct key", ModeAPIKey, "supersecret", "/api/v1/health", "supersecret", http.StatusOK},
		{"wrong key", ModeAPIKey, "supersecret", "/api/v1/health", "nope", http.StatusUnauthorized},
		{"missing key", ModeAPIKey, "supersecret", "/api/v1/health", "", http.StatusUnauthorized},
		{"query param", ModeAPIKey, "supersecret", "/ws/stream?api_key=supersecret", "", http.StatusOK},
		{"wrong query param", ModeAPIKey, "supersecret", "/ws/stream?api_key=x", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := APIKey(tc.mode, "X-API-Key", tc.key)(passHandler)
			rr := call(t, h, tc.target, "X-API-Key", tc.sent)
			if rr.Code != tc.want {
				t.Errorf("status: got %d, want %d", rr.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && rr.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type: got %q", rr.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAPIKey_CustomHeader(t *testing.T) {
	h := APIKey(ModeAPIKey, "Authorization-Key", "k")(passHandler)
	if rr := call(t, h, "/", "Authorization-Key", "k"); rr.Code != http.StatusOK {
		t.Errorf("custom header: got %d, want 200", rr.Code)
	}
	if rr := call(t, h, "/", "X-API-Key", "k"); rr.Code != http.StatusUnauthorized {
		t.Errorf("default header with custom config: got %d, want 401", rr.Code)
	}
}
