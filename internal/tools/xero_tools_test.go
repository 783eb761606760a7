package tools

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hiltonbrown/xero-mcp-server/internal/crypto"
	"github.com/hiltonbrown/xero-mcp-server/internal/server"
	"github.com/hiltonbrown/xero-mcp-server/internal/store"
	"github.com/hiltonbrown/xero-mcp-server/internal/vault"
	"github.com/hiltonbrown/xero-mcp-server/internal/xero"
)

// fakeAccounting records the last call so tests can assert what reached the
// API client.
type fakeAccounting struct {
	connections []xero.Connection
	invoices    []xero.Invoice

	lastToken   string
	lastTenant  string
	lastInvoice *xero.Invoice
}

func (f *fakeAccounting) Connections(_ context.Context, token string) ([]xero.Connection, error) {
	f.lastToken = token
	return f.connections, nil
}

func (f *fakeAccounting) ListAccounts(_ context.Context, token, tenantID string) ([]xero.Account, error) {
	f.lastToken, f.lastTenant = token, tenantID
	return nil, nil
}

func (f *fakeAccounting) ListContacts(_ context.Context, token, tenantID string) ([]xero.Contact, error) {
	f.lastToken, f.lastTenant = token, tenantID
	return nil, nil
}

func (f *fakeAccounting) ListInvoices(_ context.Context, token, tenantID string) ([]xero.Invoice, error) {
	f.lastToken, f.lastTenant = token, tenantID
	return f.invoices, nil
}

func (f *fakeAccounting) CreateInvoice(_ context.Context, token, tenantID string, inv *xero.Invoice) (*xero.Invoice, error) {
	f.lastToken, f.lastTenant, f.lastInvoice = token, tenantID, inv
	created := *inv
	created.InvoiceID = "inv-created"
	return &created, nil
}

func (f *fakeAccounting) UpdateInvoice(_ context.Context, token, tenantID string, inv *xero.Invoice) (*xero.Invoice, error) {
	f.lastToken, f.lastTenant, f.lastInvoice = token, tenantID, inv
	return inv, nil
}

func newTestContext(t *testing.T, accounting xero.AccountingClient) *server.ServerContext {
	t.Helper()

	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = st.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	box, err := crypto.NewBox(key)
	require.NoError(t, err)

	v := vault.NewVault(st, box, &oauth2.Config{}, nil)
	require.NoError(t, v.Store(context.Background(), "acme", "", &oauth2.Token{
		AccessToken:  "vault-access",
		RefreshToken: "vault-refresh",
		Expiry:       time.Now().Add(30 * time.Minute),
	}))

	return server.NewServerContext(server.ServerContextConfig{
		Store:      st,
		Vault:      v,
		Accounting: accounting,
	})
}

func boundSession() *store.Session {
	now := time.Now()
	return &store.Session{
		SessionID: "test-session",
		AccountID: "acme",
		TenantID:  "tenant-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestRegisterXeroTools(t *testing.T) {
	sc := newTestContext(t, &fakeAccounting{})
	d := server.NewDispatcher(sc)

	require.NoError(t, RegisterXeroTools(d, sc))

	names := make([]string, 0, 6)
	for _, tool := range d.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"xero_list_tenants",
		"xero_list_accounts",
		"xero_list_contacts",
		"xero_list_invoices",
		"xero_create_invoice",
		"xero_update_invoice",
	}, names)
}

func TestListTenantsUsesVaultCredential(t *testing.T) {
	fake := &fakeAccounting{connections: []xero.Connection{
		{TenantID: "tenant-1", TenantName: "Acme Ltd"},
	}}
	sc := newTestContext(t, fake)

	result, err := handleListTenants(context.Background(), boundSession(), sc)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "vault-access", fake.lastToken,
		"the tool resolves the credential from the vault, never from the caller")
}

func TestListInvoicesRequiresBoundTenant(t *testing.T) {
	sc := newTestContext(t, &fakeAccounting{})

	sess := boundSession()
	sess.TenantID = ""

	result, err := handleListInvoices(context.Background(), sess, sc)
	require.NoError(t, err)
	assert.True(t, result.IsError, "an unbound session cannot reach tenant-scoped data")
}

func TestListInvoicesPassesSessionTenant(t *testing.T) {
	fake := &fakeAccounting{invoices: []xero.Invoice{{InvoiceID: "inv-1"}}}
	sc := newTestContext(t, fake)

	result, err := handleListInvoices(context.Background(), boundSession(), sc)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "tenant-1", fake.lastTenant)
}

func TestCreateInvoiceValidation(t *testing.T) {
	sc := newTestContext(t, &fakeAccounting{})
	sess := boundSession()

	tests := []struct {
		name string
		args map[string]any
	}{
		{
			name: "missing contactId",
			args: map[string]any{
				"lineItems": []any{map[string]any{"description": "Consulting", "quantity": 1.0, "unitAmount": 100.0}},
			},
		},
		{
			name: "missing lineItems",
			args: map[string]any{"contactId": "contact-1"},
		},
		{
			name: "empty lineItems",
			args: map[string]any{"contactId": "contact-1", "lineItems": []any{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handleCreateInvoice(context.Background(), sess, callRequest("xero_create_invoice", tt.args), sc)
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestCreateInvoiceBuildsDraft(t *testing.T) {
	fake := &fakeAccounting{}
	sc := newTestContext(t, fake)

	req := callRequest("xero_create_invoice", map[string]any{
		"contactId": "contact-1",
		"dueDate":   "2026-09-30",
		"lineItems": []any{
			map[string]any{"description": "Consulting", "quantity": 2.0, "unitAmount": 75.0, "accountCode": "200"},
		},
	})

	result, err := handleCreateInvoice(context.Background(), boundSession(), req, sc)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NotNil(t, fake.lastInvoice)
	assert.Equal(t, "ACCREC", fake.lastInvoice.Type)
	assert.Equal(t, "DRAFT", fake.lastInvoice.Status)
	assert.Equal(t, "contact-1", fake.lastInvoice.Contact.ContactID)
	assert.Equal(t, "2026-09-30", fake.lastInvoice.DueDate)
	require.Len(t, fake.lastInvoice.LineItems, 1)
	assert.Equal(t, float64(2), fake.lastInvoice.LineItems[0].Quantity)
}

func TestUpdateInvoiceRequiresID(t *testing.T) {
	sc := newTestContext(t, &fakeAccounting{})

	result, err := handleUpdateInvoice(context.Background(), boundSession(),
		callRequest("xero_update_invoice", map[string]any{"status": "AUTHORISED"}), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestParseLineItems(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    int
		wantErr string
	}{
		{
			name: "valid items",
			raw: []any{
				map[string]any{"description": "Consulting", "quantity": 2.0, "unitAmount": 75.0},
				map[string]any{"description": "Hosting", "quantity": 1.0, "unitAmount": 30.0, "accountCode": "200"},
			},
			want: 2,
		},
		{
			name:    "nil input",
			raw:     nil,
			wantErr: "lineItems is required",
		},
		{
			name:    "not an array",
			raw:     "just a string",
			wantErr: "expected an array",
		},
		{
			name: "missing description",
			raw: []any{
				map[string]any{"quantity": 1.0, "unitAmount": 10.0},
			},
			wantErr: "description is required",
		},
		{
			name: "non-positive quantity",
			raw: []any{
				map[string]any{"description": "Consulting", "quantity": 0.0, "unitAmount": 10.0},
			},
			wantErr: "quantity must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := parseLineItems(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
		})
	}
}
