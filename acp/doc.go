// Package acp defines the data model for the Agent Client Protocol: the
// JSON-RPC 2.0 message envelope, content blocks, session updates, tool
// calls, permission options, and the typed parameters and results for the
// core method set.
//
// The package is pure data: encoding/decoding and validation only. The
// transport that moves these messages lives in package agent.
//
// Message payloads are closed tagged unions decoded by a discriminant field
// ("type" for content blocks, "sessionUpdate" for session updates). Unknown
// variants are preserved with their raw payload rather than dropped, so a
// newer agent does not silently lose data through an older client.
package acp
