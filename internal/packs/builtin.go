// ABOUTME: Built-in tool support for tools that execute in-process.
// ABOUTME: Defines tool definitions, handlers, and the packs that group them.

package packs

import (
	"context"
	"encoding/json"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// ToolHandler is a function that executes a built-in tool.
// It receives the resolved caller and the tool input as JSON.
// Returns the result as JSON or an error.
type ToolHandler func(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error)

// ToolDefinition describes a tool as advertised through tools/list.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// RequiredFeature gates the tool; tier.FeatureNone means any tier may call it.
	RequiredFeature tier.Feature
	// ArgumentFeatures names extra features a particular call needs, such as
	// an upload riding along with a post. Nil when the arguments never matter.
	ArgumentFeatures func(input json.RawMessage) []tier.Feature
}

// Features returns every feature a call with input must be allowed.
func (t *ToolDefinition) Features(input json.RawMessage) []tier.Feature {
	out := []tier.Feature{t.RequiredFeature}
	if t.ArgumentFeatures != nil {
		out = append(out, t.ArgumentFeatures(input)...)
	}
	return out
}

// BuiltinTool represents a tool that executes in the gateway process.
type BuiltinTool struct {
	Definition *ToolDefinition
	Handler    ToolHandler
}

// BuiltinPack is a collection of built-in tools with a pack ID.
type BuiltinPack struct {
	ID    string
	Tools []*BuiltinTool
}

// builtinEntry stores a builtin tool with its pack ID for registry lookup.
type builtinEntry struct {
	Tool   *BuiltinTool
	PackID string
}
