// Package api serves the operational REST endpoints of mcptraderd: starting
// a trading cycle, inspecting a conversation with its message history, and
// cancelling an open order.
package api
