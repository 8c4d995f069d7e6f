package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time, optionally in a named IANA
// timezone.
type CurrentTimeTool struct {
	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewCurrentTimeTool creates the built-in get_current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{Now: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "get_current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Returns the current date and time, optionally in a specific IANA timezone."
}

func (t *CurrentTimeTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. Europe/Amsterdam. Defaults to UTC."
			}
		}
	}`)
}

func (t *CurrentTimeTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", params.Timezone, err)
		}
	}
	return t.Now().In(loc).Format(time.RFC3339), nil
}

// RegisterBuiltins adds the built-in tools to a registry.
func RegisterBuiltins(registry *Registry) {
	registry.Register(NewCurrentTimeTool())
}
