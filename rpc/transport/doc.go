// Package transport defines the interfaces for RPC communication between
// dSync contexts and a dSync server.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers. Besides the RPC
//     routes it mounts the tab hub and the metrics endpoint.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport
