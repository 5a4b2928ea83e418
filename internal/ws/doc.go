// Package ws implements the WebSocket stream for live leaderboard updates.
//
// Hub keeps a registry of connected clients. On connect a client receives
// the current snapshot ({"event":"snapshot"}); afterwards every change-bus
// message is forwarded as {"event":"refreshed"} or {"event":"new_scores"},
// each carrying the snapshot it belongs to. Clients whose outgoing buffer
// fills up are disconnected. Ping/pong keepalives detect dead peers.
package ws
