// Package model defines the data types shared by every component of the sync
// core: the document and revision shapes produced by the durable store, the
// raw and classified change events that flow through the system, the sync
// targets that own independent debounce windows and circuit breakers, and the
// error taxonomy used to decide what is absorbed and what reaches the domain
// layer.
//
// Enums marshal as their string names (encoding.TextMarshaler), so they read
// naturally in JSON, YAML and as map keys.
package model
