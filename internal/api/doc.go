// Package api is the daemon's local HTTP surface. It exposes the tracked
// tasks, the progress view and the session to UI surfaces, and streams store
// snapshots, progress views and notifications over a WebSocket.
package api
