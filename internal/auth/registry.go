package auth

// AccountRegistry answers whether a local account is known. BeginAuth
// refuses to start flows for accounts that were never provisioned.
type AccountRegistry interface {
	// Exists reports whether the account is provisioned.
	Exists(accountID string) bool

	// List returns all provisioned account IDs.
	List() []string
}

// StaticRegistry is an AccountRegistry seeded at startup from configuration.
type StaticRegistry struct {
	accounts map[string]struct{}
	order    []string
}

var _ AccountRegistry = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry from a list of account IDs.
func NewStaticRegistry(accountIDs []string) *StaticRegistry {
	r := &StaticRegistry{accounts: make(map[string]struct{}, len(accountIDs))}
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		if _, ok := r.accounts[id]; ok {
			continue
		}
		r.accounts[id] = struct{}{}
		r.order = append(r.order, id)
	}
	return r
}

// Exists reports whether the account is provisioned.
func (r *StaticRegistry) Exists(accountID string) bool {
	_, ok := r.accounts[accountID]
	return ok
}

// List returns all provisioned account IDs in registration order.
func (r *StaticRegistry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
