// ABOUTME: Tests for builtin pack registration and lookup.
// ABOUTME: Verifies collision detection, validation, and sorted listings.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

func okHandler(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func testTool(name string, feature tier.Feature) *BuiltinTool {
	return &BuiltinTool{
		Definition: &ToolDefinition{
			Name:            name,
			Description:     "test tool " + name,
			InputSchema:     json.RawMessage(`{"type":"object"}`),
			RequiredFeature: feature,
		},
		Handler: okHandler,
	}
}

func TestRegisterBuiltinPack(t *testing.T) {
	t.Run("registers tools successfully", func(t *testing.T) {
		registry := NewRegistry(slog.Default())

		err := registry.RegisterBuiltinPack(&BuiltinPack{
			ID:    "content",
			Tools: []*BuiltinTool{testTool("get_feed", tier.FeatureNone)},
		})
		if err != nil {
			t.Fatalf("RegisterBuiltinPack: %v", err)
		}

		if !registry.IsBuiltin("get_feed") {
			t.Error("expected get_feed to be builtin")
		}
		tool := registry.GetBuiltinTool("get_feed")
		if tool == nil {
			t.Fatal("expected to find get_feed tool")
		}
		if tool.Definition.Name != "get_feed" {
			t.Errorf("unexpected name: %s", tool.Definition.Name)
		}
	})

	t.Run("rejects collision across packs", func(t *testing.T) {
		registry := NewRegistry(slog.Default())

		if err := registry.RegisterBuiltinPack(&BuiltinPack{ID: "a", Tools: []*BuiltinTool{testTool("dup", "")}}); err != nil {
			t.Fatalf("first register: %v", err)
		}
		err := registry.RegisterBuiltinPack(&BuiltinPack{ID: "b", Tools: []*BuiltinTool{
			testTool("fresh", ""),
			testTool("dup", ""),
		}})
		if !errors.Is(err, ErrToolCollision) {
			t.Fatalf("expected ErrToolCollision, got %v", err)
		}
		if registry.IsBuiltin("fresh") {
			t.Error("a rejected pack must not register any of its tools")
		}
	})

	t.Run("rejects duplicate inside one pack", func(t *testing.T) {
		registry := NewRegistry(slog.Default())
		err := registry.RegisterBuiltinPack(&BuiltinPack{ID: "a", Tools: []*BuiltinTool{testTool("x", ""), testTool("x", "")}})
		if !errors.Is(err, ErrToolCollision) {
			t.Fatalf("expected ErrToolCollision, got %v", err)
		}
	})

	t.Run("rejects tool without handler", func(t *testing.T) {
		registry := NewRegistry(slog.Default())
		bad := testTool("x", "")
		bad.Handler = nil
		err := registry.RegisterBuiltinPack(&BuiltinPack{ID: "a", Tools: []*BuiltinTool{bad}})
		if !errors.Is(err, ErrInvalidTool) {
			t.Fatalf("expected ErrInvalidTool, got %v", err)
		}
	})
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	registry := NewRegistry(nil)
	_ = registry.RegisterBuiltinPack(&BuiltinPack{ID: "b", Tools: []*BuiltinTool{testTool("zeta", ""), testTool("alpha", "")}})
	_ = registry.RegisterBuiltinPack(&BuiltinPack{ID: "a", Tools: []*BuiltinTool{testTool("mid", tier.FeatureMediaUpload)}})

	defs := registry.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Errorf("definitions not sorted: %s %s %s", defs[0].Name, defs[1].Name, defs[2].Name)
	}

	packs := registry.ListBuiltinPacks()
	if len(packs) != 2 || packs[0].ID != "a" {
		t.Errorf("unexpected pack listing: %+v", packs)
	}
	if packs[1].Tools[0].Definition.Name != "alpha" {
		t.Errorf("pack tools not sorted")
	}
}

func TestRegistry_Close(t *testing.T) {
	registry := NewRegistry(nil)
	_ = registry.RegisterBuiltinPack(&BuiltinPack{ID: "a", Tools: []*BuiltinTool{testTool("x", "")}})

	registry.Close()

	if registry.IsBuiltin("x") {
		t.Error("expected registry to be empty after Close")
	}
}

func TestToolDefinition_Features(t *testing.T) {
	def := testTool("post", tier.FeatureSocialPosting).Definition

	got := def.Features(json.RawMessage(`{}`))
	if len(got) != 1 || got[0] != tier.FeatureSocialPosting {
		t.Errorf("Features without argument hook = %v", got)
	}

	def.ArgumentFeatures = func(input json.RawMessage) []tier.Feature {
		if string(input) == `{"file":"x"}` {
			return []tier.Feature{tier.FeatureMediaUpload}
		}
		return nil
	}
	got = def.Features(json.RawMessage(`{"file":"x"}`))
	if len(got) != 2 || got[0] != tier.FeatureSocialPosting || got[1] != tier.FeatureMediaUpload {
		t.Errorf("Features with file = %v", got)
	}
	if got := def.Features(json.RawMessage(`{}`)); len(got) != 1 {
		t.Errorf("Features without file = %v", got)
	}
}
