// Package tools provides the uniform call interface over built-in tools
// and external MCP servers, plus the registry the executor invokes
// through.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability offered to agents. Invoke must be
// safe for concurrent use; the registry enforces per-call timeouts.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema returns the JSON schema of the arguments object.
	ParametersSchema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}
