package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/logging"
	"github.com/hiltonbrown/xero-mcp-server/internal/session"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2025-03-26"

// serverName and serverVersion identify the server in initialize responses.
const (
	serverName    = "xero-mcp-server"
	serverVersion = "1.0.0"
)

// JSON-RPC 2.0 error codes. The standard codes cover protocol-level
// failures; the -32xxx application range distinguishes the session
// conditions so clients can tell "authenticate first" from "re-authenticate"
// from "wrong tenant".
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeServerError    = -32000
	codeSessionMissing = -32001
	codeSessionInvalid = -32002
	codeTenantMismatch = -32003
)

// rpcRequest is an incoming JSON-RPC 2.0 message. ID is kept raw so the
// response echoes it byte for byte; a missing ID marks a notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// rpcErrorData carries the machine-readable error classification.
type rpcErrorData struct {
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// serverInfo and initializeResult shape the initialize handshake response.
// Only the capability surface this server actually offers is advertised.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// callToolParams is the tools/call parameter envelope.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolHandlerFunc executes one tool call on behalf of a validated session.
// The session carries the account and, after binding, the effective tenant.
type ToolHandlerFunc func(ctx context.Context, sess *store.Session, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

type registeredTool struct {
	tool    mcp.Tool
	handler ToolHandlerFunc
}

// Dispatcher routes JSON-RPC 2.0 messages to MCP method handlers. Tool
// invocations are gated on a valid session and a consistent tenant binding
// before any tool logic runs.
type Dispatcher struct {
	sc     *ServerContext
	logger *slog.Logger

	tools []registeredTool
	index map[string]int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sc *ServerContext) *Dispatcher {
	return &Dispatcher{
		sc:     sc,
		logger: sc.Logger(),
		index:  make(map[string]int),
	}
}

// RegisterTool adds a tool to the catalog. Registration order is preserved
// in tools/list responses; registering the same name again replaces the
// handler.
func (d *Dispatcher) RegisterTool(tool mcp.Tool, handler ToolHandlerFunc) {
	if i, ok := d.index[tool.Name]; ok {
		d.tools[i] = registeredTool{tool: tool, handler: handler}
		return
	}
	d.index[tool.Name] = len(d.tools)
	d.tools = append(d.tools, registeredTool{tool: tool, handler: handler})
}

// Tools returns the registered tool definitions in registration order.
func (d *Dispatcher) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(d.tools))
	for i, rt := range d.tools {
		out[i] = rt.tool
	}
	return out
}

// HandleMessage processes one JSON-RPC message and returns the marshaled
// response, or nil for notifications. The sessionID comes from the transport
// (the sessionId query parameter) and applies only to methods that need it.
func (d *Dispatcher) HandleMessage(ctx context.Context, sessionID string, body []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return marshalResponse(errorResponse(nil, codeParseError, "parse error", nil))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return marshalResponse(errorResponse(req.ID, codeInvalidRequest, "invalid request", nil))
	}

	if req.isNotification() {
		// Only notifications/initialized is expected; all notifications are
		// acknowledged by silence per JSON-RPC.
		return nil
	}

	var resp *rpcResponse
	switch req.Method {
	case "initialize":
		resp = d.handleInitialize(req)
	case "ping":
		resp = resultResponse(req.ID, struct{}{})
	case "tools/list":
		resp = resultResponse(req.ID, listToolsResult{Tools: d.Tools()})
	case "tools/call":
		resp = d.handleToolCall(ctx, sessionID, req)
	default:
		resp = errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
	return marshalResponse(resp)
}

func (d *Dispatcher) handleInitialize(req rpcRequest) *rpcResponse {
	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{},
		},
		ServerInfo: serverInfo{Name: serverName, Version: serverVersion},
	})
}

// handleToolCall gates the call on session validity and tenant consistency,
// then executes the tool with panic isolation, metrics and audit logging.
func (d *Dispatcher) handleToolCall(ctx context.Context, sessionID string, req rpcRequest) *rpcResponse {
	if sessionID == "" {
		return errorResponse(req.ID, codeSessionMissing, "missing sessionId",
			&rpcErrorData{Type: string(apperr.KindAuthentication)})
	}

	sess, err := d.sc.Sessions().Validate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return errorResponse(req.ID, codeSessionInvalid, "invalid or expired session",
				&rpcErrorData{Type: string(apperr.KindAuthentication)})
		}
		d.logger.Error("session validation failed", "error", err)
		return errorResponse(req.ID, codeInternalError, "session validation failed",
			&rpcErrorData{Type: string(apperr.KindInternal)})
	}

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "invalid tool call parameters", nil)
	}

	i, ok := d.index[params.Name]
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool: %s", params.Name),
			&rpcErrorData{Type: string(apperr.KindValidation)})
	}

	// Resolve the effective tenant before the tool runs. A session adopts
	// the first explicitly requested tenant and rejects any other for its
	// remaining lifetime.
	requestedTenant, _ := params.Arguments["tenantId"].(string)
	sess, err = d.sc.Sessions().BindTenant(ctx, sess, requestedTenant)
	if err != nil {
		if errors.Is(err, session.ErrTenantMismatch) {
			return errorResponse(req.ID, codeTenantMismatch, "session is bound to a different tenant",
				&rpcErrorData{Type: string(apperr.KindAuthorization)})
		}
		if errors.Is(err, session.ErrNotFound) {
			return errorResponse(req.ID, codeSessionInvalid, "invalid or expired session",
				&rpcErrorData{Type: string(apperr.KindAuthentication)})
		}
		d.logger.Error("tenant binding failed", "error", err)
		return errorResponse(req.ID, codeInternalError, "tenant binding failed",
			&rpcErrorData{Type: string(apperr.KindInternal)})
	}

	result, err := d.executeTool(ctx, d.tools[i], sess, params)
	if err != nil {
		return errorResponse(req.ID, codeServerError, err.Error(), &rpcErrorData{
			Type:      string(apperr.KindOf(err)),
			Retryable: apperr.Retryable(err),
		})
	}
	return resultResponse(req.ID, result)
}

// executeTool runs the handler with panic recovery and records the
// invocation in metrics and the audit stream.
func (d *Dispatcher) executeTool(ctx context.Context, rt registeredTool, sess *store.Session, params callToolParams) (result *mcp.CallToolResult, err error) {
	start := time.Now()

	inv := instrumentation.NewToolInvocation(rt.tool.Name).
		WithSession(logging.AnonymizeSessionID(sess.SessionID)).
		WithTarget(sess.AccountID, sess.TenantID).
		WithSpanContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "tool", rt.tool.Name, "panic", r)
			err = apperr.New(apperr.KindInternal, "tool execution failed")
			result = nil
		}

		success := err == nil && (result == nil || !result.IsError)
		inv.Complete(success, err)
		if al := d.sc.AuditLogger(); al != nil {
			al.LogToolInvocation(inv)
		}
		if m := d.sc.Metrics(); m != nil {
			m.RecordToolInvocation(ctx, rt.tool.Name, inv.Status(), time.Since(start))
		}
	}()

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = params.Name
	callReq.Params.Arguments = params.Arguments

	return rt.handler(ctx, sess, callReq)
}

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data *rpcErrorData) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
}

// normalizeID keeps the response id field well-formed JSON even when the
// request id was absent or unparseable.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func marshalResponse(resp *rpcResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Marshaling a response of known shape cannot fail at runtime; a
		// static fallback keeps the wire well-formed if it ever does.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}
