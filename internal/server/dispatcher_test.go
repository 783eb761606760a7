package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
	"github.com/hiltonbrown/xero-mcp-server/internal/session"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

// decodedResponse mirrors the JSON-RPC response shape for assertions.
type decodedResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Type      string `json:"type"`
			Retryable bool   `json:"retryable"`
		} `json:"data"`
	} `json:"error"`
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = st.Close() })
	sessions := session.NewManager(st, nil)

	sc := NewServerContext(ServerContextConfig{
		Store:    st,
		Sessions: sessions,
	})
	d := NewDispatcher(sc)

	echoTool := mcp.NewTool("echo_tenant",
		mcp.WithDescription("Returns the session's bound tenant"),
		mcp.WithString("tenantId", mcp.Description("Tenant to run against")),
	)
	d.RegisterTool(echoTool, func(_ context.Context, sess *store.Session, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("tenant=" + sess.TenantID), nil
	})

	return d, sessions, st
}

func dispatch(t *testing.T, d *Dispatcher, sessionID, body string) *decodedResponse {
	t.Helper()
	raw := d.HandleMessage(context.Background(), sessionID, []byte(body))
	if raw == nil {
		return nil
	}
	var resp decodedResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func callToolBody(name, tenantID string) string {
	args := map[string]any{}
	if tenantID != "" {
		args["tenantId"] = tenantID
	}
	params, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params)
}

func TestInitialize(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, serverName, result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestToolsListDoesNotRequireSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo_tenant", result.Tools[0].Name)
}

func TestToolCallMissingSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "", callToolBody("echo_tenant", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSessionMissing, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, string(apperr.KindAuthentication), resp.Error.Data.Type)
	assert.False(t, resp.Error.Data.Retryable)
}

func TestToolCallInvalidSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "no-such-session", callToolBody("echo_tenant", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSessionInvalid, resp.Error.Code)
}

func TestToolCallExpiredSessionLooksInvalid(t *testing.T) {
	d, _, st := newTestDispatcher(t)

	now := time.Now()
	require.NoError(t, st.SaveSession(context.Background(), &store.Session{
		SessionID: "expired-session",
		AccountID: "acme",
		CreatedAt: now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	resp := dispatch(t, d, "expired-session", callToolBody("echo_tenant", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSessionInvalid, resp.Error.Code,
		"an expired session must be indistinguishable from an unknown one")
}

func TestToolCallUnknownTool(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)

	sess, err := sessions.Create(context.Background(), "acme", "")
	require.NoError(t, err)

	resp := dispatch(t, d, sess.SessionID, callToolBody("no_such_tool", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestToolCallBindsTenantOnFirstUse(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, "acme", "")
	require.NoError(t, err)

	resp := dispatch(t, d, sess.SessionID, callToolBody("echo_tenant", "tenant-1"))
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "tenant=tenant-1")

	// The binding is now permanent.
	reloaded, err := sessions.Validate(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", reloaded.TenantID)
}

func TestToolCallTenantMismatch(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)

	sess, err := sessions.Create(context.Background(), "acme", "tenant-1")
	require.NoError(t, err)

	resp := dispatch(t, d, sess.SessionID, callToolBody("echo_tenant", "tenant-2"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeTenantMismatch, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, string(apperr.KindAuthorization), resp.Error.Data.Type)
}

func TestToolCallErrorCarriesClassification(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)

	failing := mcp.NewTool("flaky_tool", mcp.WithDescription("Always fails upstream"))
	d.RegisterTool(failing, func(_ context.Context, _ *store.Session, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, apperr.New(apperr.KindUpstream, "accounting API unreachable")
	})

	sess, err := sessions.Create(context.Background(), "acme", "tenant-1")
	require.NoError(t, err)

	resp := dispatch(t, d, sess.SessionID, callToolBody("flaky_tool", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeServerError, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, string(apperr.KindUpstream), resp.Error.Data.Type)
	assert.True(t, resp.Error.Data.Retryable)
}

func TestToolCallPanicIsContained(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)

	panicky := mcp.NewTool("panicky_tool", mcp.WithDescription("Panics"))
	d.RegisterTool(panicky, func(_ context.Context, _ *store.Session, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		panic("tool bug")
	})

	sess, err := sessions.Create(context.Background(), "acme", "tenant-1")
	require.NoError(t, err)

	resp := dispatch(t, d, sess.SessionID, callToolBody("panicky_tool", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeServerError, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, string(apperr.KindInternal), resp.Error.Data.Type)
}

func TestProtocolLevelErrors(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "parse error",
			body:     `{not json`,
			wantCode: codeParseError,
		},
		{
			name:     "missing jsonrpc version",
			body:     `{"id":1,"method":"initialize"}`,
			wantCode: codeInvalidRequest,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
			wantCode: codeMethodNotFound,
		},
		{
			name:     "invalid tool call params",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`,
			wantCode: codeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessionID := ""
			if tt.wantCode == codeInvalidParams {
				// Params validation sits behind the session gate.
				sess, err := d.sc.Sessions().Create(context.Background(), "acme", "")
				require.NoError(t, err)
				sessionID = sess.SessionID
			}
			resp := dispatch(t, d, sessionID, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, resp)
}

func TestResponseEchoesRequestID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := dispatch(t, d, "", `{"jsonrpc":"2.0","id":"req-42","method":"ping"}`)
	require.NotNil(t, resp)
	assert.Equal(t, `"req-42"`, string(resp.ID))
	assert.Nil(t, resp.Error)
}
