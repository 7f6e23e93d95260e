package oauth

import "context"

// BoundGate narrows the gate to a single provider, satisfying the token
// source contract the adapters consume.
type BoundGate struct {
	gate     *Gate
	provider string
}

// Bound returns the gate scoped to one provider.
func (g *Gate) Bound(provider string) *BoundGate {
	return &BoundGate{gate: g, provider: provider}
}

func (b *BoundGate) AccessToken(ctx context.Context) (string, error) {
	return b.gate.AccessToken(ctx, b.provider)
}

func (b *BoundGate) HandleUnauthorized(ctx context.Context, rejected string) (string, error) {
	return b.gate.HandleUnauthorized(ctx, b.provider, rejected)
}
