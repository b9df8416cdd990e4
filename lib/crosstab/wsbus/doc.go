// Package wsbus is a crosstab.Bus over websockets for contexts running in
// separate processes. A Hub (http.Handler) fans every envelope out to all
// connected clients; Dial connects a context to a hub.
package wsbus
