package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-defined codes in the -32000..-32099 implementation range. These map
// the gateway's error taxonomy onto the protocol surface with stable values.
const (
	// ErrorCodeMissingToken indicates no credential accompanied the request.
	ErrorCodeMissingToken ErrorCode = -32000
	// ErrorCodeInvalidToken indicates the supplied credential is invalid or expired.
	ErrorCodeInvalidToken ErrorCode = -32001
	// ErrorCodeStoreFailure indicates a collaborator store failed during handling.
	ErrorCodeStoreFailure ErrorCode = -32002
	// ErrorCodeBadRequest indicates a malformed or unresolvable session reference,
	// or a request rejected by origin policy.
	ErrorCodeBadRequest ErrorCode = -32003
)
