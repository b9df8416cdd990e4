// Package http implements the RPC transport over HTTP.
//
// Requests are POSTed to /{shardId}; the body is the serialized message.
// The server transport also serves any handler mounted next to it, which is
// how the websocket tab hub (/tabs) and the metrics endpoint (/metrics)
// share the server's port.
//
// The client transport spreads requests round-robin across the configured
// endpoints and retries failed round trips up to RetryCount times.
package http
