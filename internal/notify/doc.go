// Package notify delivers new-score notifications to outbound webhooks
// (Slack, Teams, Discord or generic HTTP). It subscribes to the change bus and posts
// each new_scores batch from a background goroutine.
package notify
