// ABOUTME: Thread-safe registry for tool packs and their tools in the gateway.
// ABOUTME: Manages pack registration, collision detection, and tool lookup.

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolCollision indicates a tool name already exists from another pack.
var ErrToolCollision = errors.New("tool name collision")

// ErrInvalidTool indicates a tool is missing its name or handler.
var ErrInvalidTool = errors.New("invalid tool")

// Registry maintains the registry of tool packs and their tools.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]*builtinEntry // tool name -> builtin entry
	logger   *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		builtins: make(map[string]*builtinEntry),
		logger:   logger.With("component", "packs"),
	}
}

// RegisterBuiltinPack registers a pack of built-in tools that execute in-process.
// Returns error if any tool name collides with existing tools; in that case
// nothing from the pack is registered.
func (r *Registry) RegisterBuiltinPack(pack *BuiltinPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(pack.Tools))
	for _, tool := range pack.Tools {
		if tool.Definition == nil || tool.Definition.Name == "" || tool.Handler == nil {
			return fmt.Errorf("%w: pack '%s' has a tool without name or handler", ErrInvalidTool, pack.ID)
		}
		name := tool.Definition.Name
		if existing, exists := r.builtins[name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'", ErrToolCollision, name, existing.PackID)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: tool '%s' listed twice in pack '%s'", ErrToolCollision, name, pack.ID)
		}
		seen[name] = struct{}{}
	}

	for _, tool := range pack.Tools {
		r.builtins[tool.Definition.Name] = &builtinEntry{
			Tool:   tool,
			PackID: pack.ID,
		}
	}

	r.logger.Info("builtin pack registered",
		"pack_id", pack.ID,
		"tool_count", len(pack.Tools),
		"total_tools", len(r.builtins),
	)

	return nil
}

// GetBuiltinTool returns a builtin tool by name, or nil if not found.
func (r *Registry) GetBuiltinTool(name string) *BuiltinTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.builtins[name]; ok {
		return entry.Tool
	}
	return nil
}

// IsBuiltin returns true if the tool name is a builtin tool.
func (r *Registry) IsBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builtins[name]
	return ok
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(r.builtins))
	for _, entry := range r.builtins {
		defs = append(defs, entry.Tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// BuiltinPackInfo contains information about a registered builtin pack for display.
type BuiltinPackInfo struct {
	ID    string
	Tools []*BuiltinTool
}

// ListBuiltinPacks returns information about all registered builtin packs, sorted by ID.
func (r *Registry) ListBuiltinPacks() []BuiltinPackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	packTools := make(map[string][]*BuiltinTool)
	for _, entry := range r.builtins {
		packTools[entry.PackID] = append(packTools[entry.PackID], entry.Tool)
	}

	result := make([]BuiltinPackInfo, 0, len(packTools))
	for packID, tools := range packTools {
		sort.Slice(tools, func(i, j int) bool { return tools[i].Definition.Name < tools[j].Definition.Name })
		result = append(result, BuiltinPackInfo{
			ID:    packID,
			Tools: tools,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Close clears the registry.
// This should be called during graceful shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	builtinCount := len(r.builtins)
	r.builtins = make(map[string]*builtinEntry)

	r.logger.Info("registry closed", "builtins_cleared", builtinCount)
}
