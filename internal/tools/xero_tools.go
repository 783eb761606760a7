package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hiltonbrown/xero-mcp-server/internal/instrumentation"
	"github.com/hiltonbrown/xero-mcp-server/internal/server"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
	"github.com/hiltonbrown/xero-mcp-server/internal/xero"
)

// RegisterXeroTools registers the accounting tool catalog on the dispatcher.
// Every tool resolves its access token through the vault, so callers never
// see or supply credentials.
func RegisterXeroTools(d *server.Dispatcher, sc *server.ServerContext) error {
	listTenantsTool := mcp.NewTool("xero_list_tenants",
		mcp.WithDescription("List the Xero organisations (tenants) the authenticated account can access"),
	)
	d.RegisterTool(listTenantsTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListTenants(ctx, sess, sc)
	})

	listAccountsTool := mcp.NewTool("xero_list_accounts",
		mcp.WithDescription("List the chart of accounts for a tenant"),
		mcp.WithString("tenantId",
			mcp.Description("Tenant to query. Optional once the session is bound to a tenant."),
		),
	)
	d.RegisterTool(listAccountsTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListAccounts(ctx, sess, sc)
	})

	listContactsTool := mcp.NewTool("xero_list_contacts",
		mcp.WithDescription("List contacts (customers and suppliers) for a tenant"),
		mcp.WithString("tenantId",
			mcp.Description("Tenant to query. Optional once the session is bound to a tenant."),
		),
	)
	d.RegisterTool(listContactsTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListContacts(ctx, sess, sc)
	})

	listInvoicesTool := mcp.NewTool("xero_list_invoices",
		mcp.WithDescription("List invoices for a tenant"),
		mcp.WithString("tenantId",
			mcp.Description("Tenant to query. Optional once the session is bound to a tenant."),
		),
	)
	d.RegisterTool(listInvoicesTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListInvoices(ctx, sess, sc)
	})

	createInvoiceTool := mcp.NewTool("xero_create_invoice",
		mcp.WithDescription("Create a draft sales invoice in a tenant"),
		mcp.WithString("tenantId",
			mcp.Description("Tenant to create the invoice in. Optional once the session is bound to a tenant."),
		),
		mcp.WithString("contactId",
			mcp.Required(),
			mcp.Description("Contact the invoice is issued to"),
		),
		mcp.WithArray("lineItems",
			mcp.Required(),
			mcp.Description("Invoice lines; each item needs description, quantity and unitAmount, with an optional accountCode"),
		),
		mcp.WithString("dueDate",
			mcp.Description("Due date in YYYY-MM-DD format"),
		),
	)
	d.RegisterTool(createInvoiceTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCreateInvoice(ctx, sess, request, sc)
	})

	updateInvoiceTool := mcp.NewTool("xero_update_invoice",
		mcp.WithDescription("Update an existing invoice in a tenant"),
		mcp.WithString("tenantId",
			mcp.Description("Tenant the invoice belongs to. Optional once the session is bound to a tenant."),
		),
		mcp.WithString("invoiceId",
			mcp.Required(),
			mcp.Description("Invoice to update"),
		),
		mcp.WithString("status",
			mcp.Description("New invoice status (e.g. AUTHORISED, VOIDED)"),
		),
		mcp.WithString("dueDate",
			mcp.Description("New due date in YYYY-MM-DD format"),
		),
	)
	d.RegisterTool(updateInvoiceTool, func(ctx context.Context, sess *store.Session, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleUpdateInvoice(ctx, sess, request, sc)
	})

	return nil
}

// accessToken resolves a valid access token for the session's account. The
// credential is account-level; tenant selection happens per API call.
func accessToken(ctx context.Context, sess *store.Session, sc *server.ServerContext) (string, error) {
	return sc.Vault().GetValidAccessToken(ctx, sess.AccountID, "")
}

// requireTenant returns the session's bound tenant. The dispatcher has
// already reconciled any explicit tenantId argument with the binding, so an
// empty value here means the caller never selected one.
func requireTenant(sess *store.Session) (string, *mcp.CallToolResult) {
	if sess.TenantID == "" {
		return "", mcp.NewToolResultError("no tenant selected; pass tenantId or re-authenticate with a single organisation")
	}
	return sess.TenantID, nil
}

// apiCall wraps one accounting API operation with metrics.
func apiCall[T any](ctx context.Context, sc *server.ServerContext, operation string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
	}
	if m := sc.Metrics(); m != nil {
		m.RecordXeroAPIOperation(ctx, operation, status, time.Since(start))
	}
	return out, err
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func handleListTenants(ctx context.Context, sess *store.Session, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	conns, err := apiCall(ctx, sc, "connections", func() ([]xero.Connection, error) {
		return sc.Accounting().Connections(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"tenants": conns})
}

func handleListAccounts(ctx context.Context, sess *store.Session, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(sess)
	if errResult != nil {
		return errResult, nil
	}
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	accounts, err := apiCall(ctx, sc, "list_accounts", func() ([]xero.Account, error) {
		return sc.Accounting().ListAccounts(ctx, token, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"accounts": accounts})
}

func handleListContacts(ctx context.Context, sess *store.Session, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(sess)
	if errResult != nil {
		return errResult, nil
	}
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	contacts, err := apiCall(ctx, sc, "list_contacts", func() ([]xero.Contact, error) {
		return sc.Accounting().ListContacts(ctx, token, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"contacts": contacts})
}

func handleListInvoices(ctx context.Context, sess *store.Session, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(sess)
	if errResult != nil {
		return errResult, nil
	}
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	invoices, err := apiCall(ctx, sc, "list_invoices", func() ([]xero.Invoice, error) {
		return sc.Accounting().ListInvoices(ctx, token, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"invoices": invoices})
}

func handleCreateInvoice(ctx context.Context, sess *store.Session, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	contactID, _ := args["contactId"].(string)
	if contactID == "" {
		return mcp.NewToolResultError("contactId is required"), nil
	}
	lineItems, err := parseLineItems(args["lineItems"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(lineItems) == 0 {
		return mcp.NewToolResultError("at least one line item is required"), nil
	}

	tenantID, errResult := requireTenant(sess)
	if errResult != nil {
		return errResult, nil
	}
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	inv := &xero.Invoice{
		Type:      "ACCREC",
		Status:    "DRAFT",
		Contact:   &xero.Contact{ContactID: contactID},
		LineItems: lineItems,
	}
	if dueDate, _ := args["dueDate"].(string); dueDate != "" {
		inv.DueDate = dueDate
	}

	created, err := apiCall(ctx, sc, "create_invoice", func() (*xero.Invoice, error) {
		return sc.Accounting().CreateInvoice(ctx, token, tenantID, inv)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"invoice": created})
}

func handleUpdateInvoice(ctx context.Context, sess *store.Session, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	invoiceID, _ := args["invoiceId"].(string)
	if invoiceID == "" {
		return mcp.NewToolResultError("invoiceId is required"), nil
	}

	tenantID, errResult := requireTenant(sess)
	if errResult != nil {
		return errResult, nil
	}
	token, err := accessToken(ctx, sess, sc)
	if err != nil {
		return nil, err
	}

	inv := &xero.Invoice{InvoiceID: invoiceID}
	if status, _ := args["status"].(string); status != "" {
		inv.Status = status
	}
	if dueDate, _ := args["dueDate"].(string); dueDate != "" {
		inv.DueDate = dueDate
	}

	updated, err := apiCall(ctx, sc, "update_invoice", func() (*xero.Invoice, error) {
		return sc.Accounting().UpdateInvoice(ctx, token, tenantID, inv)
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"invoice": updated})
}

// parseLineItems converts the raw lineItems argument into typed invoice
// lines. Arguments arrive as generic JSON values; round-tripping through
// the encoder keeps the field mapping in one place.
func parseLineItems(raw any) ([]xero.LineItem, error) {
	if raw == nil {
		return nil, fmt.Errorf("lineItems is required")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid lineItems: %v", err)
	}

	var generic []struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitAmount  float64 `json:"unitAmount"`
		AccountCode string  `json:"accountCode"`
	}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, fmt.Errorf("invalid lineItems: expected an array of objects")
	}

	items := make([]xero.LineItem, 0, len(generic))
	for i, g := range generic {
		if g.Description == "" {
			return nil, fmt.Errorf("lineItems[%d]: description is required", i)
		}
		if g.Quantity <= 0 {
			return nil, fmt.Errorf("lineItems[%d]: quantity must be positive", i)
		}
		items = append(items, xero.LineItem{
			Description: g.Description,
			Quantity:    g.Quantity,
			UnitAmount:  g.UnitAmount,
			AccountCode: g.AccountCode,
		})
	}
	return items, nil
}
