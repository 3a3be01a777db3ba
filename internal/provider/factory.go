package provider

import (
	"context"
	"fmt"

	"github.com/mailloft/syncd/internal/mail"
)

// Factory builds a provider adapter for an account. The returned adapter
// has not yet been authenticated; callers refresh credentials before use.
type Factory func(ctx context.Context, account *mail.Account) (Adapter, error)

// Registry dispatches adapter construction by provider kind.
type Registry map[mail.ProviderKind]Factory

// For returns the factory-built adapter for the account's provider.
func (r Registry) For(ctx context.Context, account *mail.Account) (Adapter, error) {
	factory, ok := r[account.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", account.Kind)
	}
	return factory(ctx, account)
}
