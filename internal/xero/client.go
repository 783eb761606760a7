package xero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hiltonbrown/xero-mcp-server/internal/apperr"
)

// Default endpoints for the Xero API.
const (
	DefaultAPIBaseURL         = "https://api.xero.com/api.xro/2.0"
	DefaultConnectionsURL     = "https://api.xero.com/connections"
	DefaultAuthorizeURL       = "https://login.xero.com/identity/connect/authorize"
	DefaultTokenURL           = "https://identity.xero.com/connect/token"
	defaultRequestTimeout     = 30 * time.Second
	tenantHeader              = "Xero-Tenant-Id"
)

// AccountingClient is the narrow interface to the accounting platform.
// Callers supply a valid access token (obtained from the token vault) and a
// tenant; everything beyond typed fetch/create/update lives outside this
// system.
type AccountingClient interface {
	// Connections lists the tenants the access token is authorized for.
	Connections(ctx context.Context, accessToken string) ([]Connection, error)

	// ListAccounts fetches the chart of accounts for a tenant.
	ListAccounts(ctx context.Context, accessToken, tenantID string) ([]Account, error)

	// ListContacts fetches contacts for a tenant.
	ListContacts(ctx context.Context, accessToken, tenantID string) ([]Contact, error)

	// ListInvoices fetches invoices for a tenant.
	ListInvoices(ctx context.Context, accessToken, tenantID string) ([]Invoice, error)

	// CreateInvoice creates an invoice in a tenant.
	CreateInvoice(ctx context.Context, accessToken, tenantID string, inv *Invoice) (*Invoice, error)

	// UpdateInvoice updates an existing invoice in a tenant.
	UpdateInvoice(ctx context.Context, accessToken, tenantID string, inv *Invoice) (*Invoice, error)
}

// Client is the HTTP implementation of AccountingClient.
type Client struct {
	apiBaseURL     string
	connectionsURL string
	httpClient     *http.Client
}

var _ AccountingClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIBaseURL overrides the accounting API base URL.
func WithAPIBaseURL(u string) Option {
	return func(c *Client) { c.apiBaseURL = u }
}

// WithConnectionsURL overrides the connections endpoint URL.
func WithConnectionsURL(u string) Option {
	return func(c *Client) { c.connectionsURL = u }
}

// NewClient creates an AccountingClient against the Xero API.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiBaseURL:     DefaultAPIBaseURL,
		connectionsURL: DefaultConnectionsURL,
		httpClient:     &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connections lists the tenants the access token is authorized for.
func (c *Client) Connections(ctx context.Context, accessToken string) ([]Connection, error) {
	var conns []Connection
	if err := c.do(ctx, http.MethodGet, c.connectionsURL, accessToken, "", nil, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// ListAccounts fetches the chart of accounts for a tenant.
func (c *Client) ListAccounts(ctx context.Context, accessToken, tenantID string) ([]Account, error) {
	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, c.apiBaseURL+"/Accounts", accessToken, tenantID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ListContacts fetches contacts for a tenant.
func (c *Client) ListContacts(ctx context.Context, accessToken, tenantID string) ([]Contact, error) {
	var resp contactsResponse
	if err := c.do(ctx, http.MethodGet, c.apiBaseURL+"/Contacts", accessToken, tenantID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

// ListInvoices fetches invoices for a tenant.
func (c *Client) ListInvoices(ctx context.Context, accessToken, tenantID string) ([]Invoice, error) {
	var resp invoicesResponse
	if err := c.do(ctx, http.MethodGet, c.apiBaseURL+"/Invoices", accessToken, tenantID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Invoices, nil
}

// CreateInvoice creates an invoice in a tenant.
func (c *Client) CreateInvoice(ctx context.Context, accessToken, tenantID string, inv *Invoice) (*Invoice, error) {
	body := invoicesResponse{Invoices: []Invoice{*inv}}
	var resp invoicesResponse
	if err := c.do(ctx, http.MethodPut, c.apiBaseURL+"/Invoices", accessToken, tenantID, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Invoices) == 0 {
		return nil, apperr.New(apperr.KindUpstream, "accounting API returned no invoice")
	}
	return &resp.Invoices[0], nil
}

// UpdateInvoice updates an existing invoice in a tenant.
func (c *Client) UpdateInvoice(ctx context.Context, accessToken, tenantID string, inv *Invoice) (*Invoice, error) {
	if inv.InvoiceID == "" {
		return nil, apperr.New(apperr.KindValidation, "invoice ID is required for update")
	}
	body := invoicesResponse{Invoices: []Invoice{*inv}}
	var resp invoicesResponse
	if err := c.do(ctx, http.MethodPost, c.apiBaseURL+"/Invoices/"+inv.InvoiceID, accessToken, tenantID, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Invoices) == 0 {
		return nil, apperr.New(apperr.KindUpstream, "accounting API returned no invoice")
	}
	return &resp.Invoices[0], nil
}

// do performs one authenticated request and decodes the JSON response.
func (c *Client) do(ctx context.Context, method, url, accessToken, tenantID string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "accounting API unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return apperr.Wrap(apperr.KindUpstream, "decode accounting API response", err)
		}
	}
	return nil
}

// classifyStatus maps an upstream HTTP status into the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindAuthentication, "accounting API rejected credentials")
	case status == http.StatusForbidden:
		return apperr.New(apperr.KindAuthorization, "accounting API denied access")
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimit, "accounting API rate limit exceeded")
	case status >= 500:
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("accounting API error (status %d)", status))
	default:
		return apperr.New(apperr.KindValidation, fmt.Sprintf("accounting API rejected request (status %d)", status))
	}
}
