// Package mcp defines the wire-level types of the Model Context Protocol
// surface this server speaks: the initialize handshake, tool listing and
// invocation, and prompt retrieval. The types mirror the protocol's JSON
// shapes and carry no behavior; transports and the engine operate on them.
package mcp
