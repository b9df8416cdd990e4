// Package serializer converts RPC messages to and from bytes. It defines a
// common interface and two implementations.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: JSON encoding. Document bodies are embedded as raw
//     JSON, so messages stay readable on the wire. This is the default.
//
//   - gobSerializerImpl: Go's gob encoding. Smaller for pull pages with many
//     documents, but only usable between Go peers.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	serializer := serializer.NewJSONSerializer()
//	data, err := serializer.Serialize(message)
//	// ... send data ...
//	var receivedMsg common.Message
//	err = serializer.Deserialize(receivedData, &receivedMsg)
package serializer
