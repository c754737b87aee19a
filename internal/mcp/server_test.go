// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing and execution.
// ABOUTME: Validates authentication, denial error codes, and handler error results.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/dispatch"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

type testEnv struct {
	mux   *http.ServeMux
	store *store.MockStore
	key   string
	user  *store.User
}

// setupTestServer wires a server with four tools: one open, one gated on
// newsapi_search, one gated on its arguments, and one that always fails.
func setupTestServer(t *testing.T, userTier tier.Name) *testEnv {
	t.Helper()

	ms := store.NewMockStore()
	registry := packs.NewRegistry(slog.Default())

	ok := func(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(input) + `}`), nil
	}
	fail := func(ctx context.Context, caller *auth.Caller, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("feed returned 503")
	}
	// anything but the "tech" topic needs unlimited topics
	topicFeatures := func(input json.RawMessage) []tier.Feature {
		if strings.Contains(string(input), `"tech"`) {
			return nil
		}
		return []tier.Feature{tier.FeatureUnlimitedTopics}
	}

	err := registry.RegisterBuiltinPack(&packs.BuiltinPack{
		ID: "test-pack",
		Tools: []*packs.BuiltinTool{
			{Definition: &packs.ToolDefinition{
				Name:        "public-tool",
				Description: "A tool for everyone",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"input":{"type":"string"}}}`),
			}, Handler: ok},
			{Definition: &packs.ToolDefinition{
				Name:            "search-tool",
				Description:     "A paid tool",
				RequiredFeature: tier.FeatureNewsAPISearch,
			}, Handler: ok},
			{Definition: &packs.ToolDefinition{
				Name:        "broken-tool",
				Description: "Always fails",
			}, Handler: fail},
			{Definition: &packs.ToolDefinition{
				Name:             "topic-tool",
				Description:      "Gated on its arguments",
				ArgumentFeatures: topicFeatures,
			}, Handler: ok},
		},
	})
	if err != nil {
		t.Fatalf("failed to register test pack: %v", err)
	}

	router := packs.NewRouter(packs.RouterConfig{Registry: registry, Timeout: 5 * time.Second})
	g, err := gate.New(gate.Config{Policy: tier.Default(), Counter: ms})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	resolver := auth.NewStoreResolver(ms)
	d, err := dispatch.New(dispatch.Config{Resolver: resolver, Gate: g, Router: router, Ledger: ms})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	server, err := NewServer(Config{
		Dispatcher: d,
		Resolver:   resolver,
		BillingURL: "https://example.com/billing",
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	user := &store.User{Email: "mcp@example.com", APIKeyHash: auth.HashAPIKey(key), Tier: userTier}
	if err := ms.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return &testEnv{mux: mux, store: ms, key: key, user: user}
}

func (e *testEnv) post(t *testing.T, path, key, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) initialize(t *testing.T) string {
	t.Helper()
	rr := e.post(t, "/mcp", e.key, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize status = %d body=%s", rr.Code, rr.Body.String())
	}
	sid := rr.Header().Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatal("initialize did not return a session id")
	}
	return sid
}

func (e *testEnv) callHTTP(t *testing.T, sessionID, tool, args string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"` + tool + `","arguments":` + args + `}}`
	return e.post(t, "/mcp", e.key, sessionID, body)
}

func (e *testEnv) call(t *testing.T, sessionID, tool, args string) JSONRPCResponse {
	t.Helper()
	return decodeResponse(t, e.callHTTP(t, sessionID, tool, args))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func callResult(t *testing.T, resp JSONRPCResponse) MCPCallToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result MCPCallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return result
}

func errorData(t *testing.T, resp JSONRPCResponse) DenialData {
	t.Helper()
	raw, _ := json.Marshal(resp.Error.Data)
	var data DenialData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("failed to decode error data: %v", err)
	}
	return data
}

func TestInitialize(t *testing.T) {
	t.Run("creates session for valid key", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		rr := env.post(t, "/mcp", env.key, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

		resp := decodeResponse(t, rr)
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
		result := resp.Result.(map[string]any)
		if result["protocolVersion"] != latestProtocolVersion {
			t.Errorf("protocolVersion = %v", result["protocolVersion"])
		}
		if rr.Header().Get("Mcp-Session-Id") == "" {
			t.Error("missing Mcp-Session-Id header")
		}
	})

	t.Run("rejects missing key with 401", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		rr := env.post(t, "/mcp", "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
		resp := decodeResponse(t, rr)
		if resp.Error == nil || resp.Error.Code != CodeAuthentication {
			t.Errorf("expected code %d, got %+v", CodeAuthentication, resp.Error)
		}
	})

	t.Run("accepts key in path", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		rr := env.post(t, "/mcp/"+env.key, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
	})

	t.Run("rejects nested path", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		rr := env.post(t, "/mcp/"+env.key+"/extra", "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
	})
}

func TestSessionRequired(t *testing.T) {
	env := setupTestServer(t, tier.Free)

	rr := env.post(t, "/mcp", env.key, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing session: status = %d, want 400", rr.Code)
	}

	rr = env.post(t, "/mcp", env.key, "nope", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", rr.Code)
	}
}

func TestToolsList(t *testing.T) {
	env := setupTestServer(t, tier.Free)
	sid := env.initialize(t)

	rr := env.post(t, "/mcp", env.key, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	resp := decodeResponse(t, rr)
	raw, _ := json.Marshal(resp.Result)
	var result MCPListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// gated tools are still listed for free callers
	if len(result.Tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(result.Tools))
	}
	if result.Tools[0].Name != "broken-tool" {
		t.Errorf("tools not sorted: first = %s", result.Tools[0].Name)
	}
	if string(result.Tools[2].InputSchema) != `{"type":"object"}` {
		t.Errorf("missing schema should default to object, got %s", result.Tools[2].InputSchema)
	}
}

func TestToolsCall(t *testing.T) {
	t.Run("success returns text content", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		result := callResult(t, env.call(t, sid, "public-tool", `{"input":"hi"}`))
		if result.IsError {
			t.Fatal("unexpected isError")
		}
		if len(result.Content) != 1 || result.Content[0].Text != `{"echo":{"input":"hi"}}` {
			t.Errorf("unexpected content: %+v", result.Content)
		}
		if n := len(env.store.UsageRecords()); n != 1 {
			t.Errorf("usage records = %d, want 1", n)
		}
	})

	t.Run("handler failure is an isError result and counts", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		result := callResult(t, env.call(t, sid, "broken-tool", `{}`))
		if !result.IsError {
			t.Fatal("expected isError")
		}
		if !strings.Contains(result.Content[0].Text, "feed returned 503") {
			t.Errorf("unexpected text: %s", result.Content[0].Text)
		}
		if n := len(env.store.UsageRecords()); n != 1 {
			t.Errorf("usage records = %d, want 1", n)
		}
	})

	t.Run("argument feature denial is not recorded", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		resp := env.call(t, sid, "topic-tool", `{"topic":"crypto"}`)
		if resp.Error == nil || resp.Error.Code != CodeFeatureNotAllowed {
			t.Fatalf("expected code %d, got %+v", CodeFeatureNotAllowed, resp.Error)
		}
		if data := errorData(t, resp); data.Feature != string(tier.FeatureUnlimitedTopics) {
			t.Errorf("feature = %q", data.Feature)
		}
		if n := len(env.store.UsageRecords()); n != 0 {
			t.Errorf("usage records = %d, want 0", n)
		}

		if result := callResult(t, env.call(t, sid, "topic-tool", `{"topic":"tech"}`)); result.IsError {
			t.Fatal("built-in topic should pass")
		}
		if n := len(env.store.UsageRecords()); n != 1 {
			t.Errorf("usage records = %d, want 1", n)
		}
	})

	t.Run("feature denial", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		rr := env.callHTTP(t, sid, "search-tool", `{}`)
		if rr.Code != http.StatusForbidden {
			t.Errorf("HTTP status = %d, want 403", rr.Code)
		}
		resp := decodeResponse(t, rr)
		if resp.Error == nil || resp.Error.Code != CodeFeatureNotAllowed {
			t.Fatalf("expected code %d, got %+v", CodeFeatureNotAllowed, resp.Error)
		}
		if resp.Error.Message != tier.FeatureDeniedMessage {
			t.Errorf("message = %q", resp.Error.Message)
		}
		data := errorData(t, resp)
		if data.Status != http.StatusForbidden || data.Tier != "free" || data.Limit != 50 {
			t.Errorf("unexpected data: %+v", data)
		}
		if len(env.store.UsageRecords()) != 0 {
			t.Error("denied call must not be recorded")
		}
	})

	t.Run("rate limit", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)
		for i := 0; i < 50; i++ {
			if err := env.store.AppendUsage(context.Background(), env.user.ID, "public-tool", time.Now()); err != nil {
				t.Fatal(err)
			}
		}

		rr := env.callHTTP(t, sid, "public-tool", `{}`)
		if rr.Code != http.StatusTooManyRequests {
			t.Errorf("HTTP status = %d, want 429", rr.Code)
		}
		resp := decodeResponse(t, rr)
		if resp.Error == nil || resp.Error.Code != CodeRateLimited {
			t.Fatalf("expected code %d, got %+v", CodeRateLimited, resp.Error)
		}
		if !strings.HasPrefix(resp.Error.Message, "Daily limit reached.") {
			t.Errorf("message = %q", resp.Error.Message)
		}
		data := errorData(t, resp)
		if data.Status != http.StatusTooManyRequests || data.Used != 50 || data.Limit != 50 {
			t.Errorf("unexpected data: %+v", data)
		}
		if data.Upgrade != "https://example.com/billing" {
			t.Errorf("upgrade url = %q", data.Upgrade)
		}
	})

	t.Run("tier upgrade applies within a session", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		if resp := env.call(t, sid, "search-tool", `{}`); resp.Error == nil {
			t.Fatal("expected denial before upgrade")
		}
		if err := env.store.UpdateUserTier(context.Background(), env.user.ID, tier.Pro); err != nil {
			t.Fatal(err)
		}
		if result := callResult(t, env.call(t, sid, "search-tool", `{}`)); result.IsError {
			t.Error("expected success after upgrade")
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		resp := env.call(t, sid, "nope", `{}`)
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params, got %+v", resp.Error)
		}
	})

	t.Run("missing key on call", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		rr := env.post(t, "/mcp", "", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"public-tool"}}`)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
		resp := decodeResponse(t, rr)
		if resp.Error == nil || resp.Error.Code != CodeAuthentication {
			t.Errorf("expected auth error, got %+v", resp.Error)
		}
	})

	t.Run("missing tool name", func(t *testing.T) {
		env := setupTestServer(t, tier.Free)
		sid := env.initialize(t)

		rr := env.post(t, "/mcp", env.key, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`)
		resp := decodeResponse(t, rr)
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params, got %+v", resp.Error)
		}
	})
}

func TestProtocolErrors(t *testing.T) {
	env := setupTestServer(t, tier.Free)
	sid := env.initialize(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{not json`, JSONRPCParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, JSONRPCInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, JSONRPCMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodeResponse(t, env.post(t, "/mcp", env.key, sid, tt.body))
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("expected code %d, got %+v", tt.code, resp.Error)
			}
		})
	}

	t.Run("notification accepted", func(t *testing.T) {
		rr := env.post(t, "/mcp", env.key, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rr.Code)
		}
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		req.Header.Set("Authorization", "Bearer "+env.key)
		req.Header.Set("Mcp-Session-Id", sid)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestDeleteSession(t *testing.T) {
	env := setupTestServer(t, tier.Free)
	sid := env.initialize(t)

	del := func(key string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sid)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := del("bp_someoneelse"); code != http.StatusForbidden {
		t.Errorf("foreign key: status = %d, want 403", code)
	}
	if code := del(env.key); code != http.StatusNoContent {
		t.Errorf("owner: status = %d, want 204", code)
	}
	if code := del(env.key); code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", code)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without dispatcher")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := setupTestServer(t, tier.Free)

	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/mcp", nil))
	if rr.Header().Get("Allow") != "POST, GET, DELETE" {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}
