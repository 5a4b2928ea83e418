// Package config loads and watches the pinmirror configuration file.
//
// Top-level types:
//   - Config{Upstream, Location, Refresh, Server, Notify}: full tree parsed from YAML
//   - UpstreamConfig: login/cms/api endpoints, token cookie name, username,
//     password_env, request_timeout; Credentials() resolves the password
//   - LocationConfig: country/state/state_name/continent sent upstream
//   - RefreshConfig: interval and per-machine worker bound
//   - ServerConfig, AuthConfig: HTTP port and optional API-key auth
//   - NotifyConfig, WebhookConfig: new-score webhook targets
//
// Load(path) reads the YAML file, applies defaults (5m refresh, 30s request
// timeout, 4 workers, port 8080, US/NA location), overlays environment
// variables (STERN_USERNAME, STERN_PASSWORD, LEADERBOARD_*), then validates.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory and calls
// onChange with each successfully reloaded Config.
package config
