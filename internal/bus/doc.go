// Package bus is the in-process change notification channel. The refresh
// loop publishes one Message per cycle; subscribers (the websocket hub, the
// webhook notifier) are called synchronously in subscription order. A
// subscriber whose handler fails is removed.
package bus
