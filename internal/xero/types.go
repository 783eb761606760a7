package xero

// Connection represents one authorized Xero organisation (tenant) for the
// connected account, as returned by the connections endpoint.
type Connection struct {
	// ID is the connection identifier.
	ID string `json:"id"`

	// TenantID identifies the organisation for subsequent API calls.
	TenantID string `json:"tenantId"`

	// TenantType is the organisation type (e.g. "ORGANISATION").
	TenantType string `json:"tenantType"`

	// TenantName is the display name of the organisation.
	TenantName string `json:"tenantName"`
}

// Account is a chart-of-accounts entry.
type Account struct {
	AccountID string `json:"AccountID"`
	Code      string `json:"Code,omitempty"`
	Name      string `json:"Name"`
	Type      string `json:"Type,omitempty"`
	Status    string `json:"Status,omitempty"`
}

// Contact is a customer or supplier record.
type Contact struct {
	ContactID    string `json:"ContactID,omitempty"`
	Name         string `json:"Name"`
	EmailAddress string `json:"EmailAddress,omitempty"`
	IsCustomer   bool   `json:"IsCustomer,omitempty"`
	IsSupplier   bool   `json:"IsSupplier,omitempty"`
}

// LineItem is one line of an invoice.
type LineItem struct {
	Description string  `json:"Description"`
	Quantity    float64 `json:"Quantity"`
	UnitAmount  float64 `json:"UnitAmount"`
	AccountCode string  `json:"AccountCode,omitempty"`
	LineAmount  float64 `json:"LineAmount,omitempty"`
}

// Invoice is a sales or purchase invoice.
type Invoice struct {
	InvoiceID     string     `json:"InvoiceID,omitempty"`
	Type          string     `json:"Type"`
	InvoiceNumber string     `json:"InvoiceNumber,omitempty"`
	Contact       *Contact   `json:"Contact,omitempty"`
	Date          string     `json:"Date,omitempty"`
	DueDate       string     `json:"DueDate,omitempty"`
	Status        string     `json:"Status,omitempty"`
	LineItems     []LineItem `json:"LineItems,omitempty"`
	SubTotal      float64    `json:"SubTotal,omitempty"`
	TotalTax      float64    `json:"TotalTax,omitempty"`
	Total         float64    `json:"Total,omitempty"`
}

// accountsResponse is the envelope for account list responses.
type accountsResponse struct {
	Accounts []Account `json:"Accounts"`
}

// contactsResponse is the envelope for contact list responses.
type contactsResponse struct {
	Contacts []Contact `json:"Contacts"`
}

// invoicesResponse is the envelope for invoice responses.
type invoicesResponse struct {
	Invoices []Invoice `json:"Invoices"`
}
