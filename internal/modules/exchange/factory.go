// Package exchange builds per-subscriber domain.ExchangeAdapter instances
// from stored credentials, caching one adapter per (subscriber, exchange)
// pair so repeated signal executions reuse the same authenticated client.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/modules/exchange/binance"
)

// Factory resolves credentials and constructs exchange adapters.
type Factory struct {
	credentials domain.CredentialProvider
	useTestnet  bool

	mu       sync.Mutex
	adapters map[string]domain.ExchangeAdapter
}

// NewFactory creates a factory resolving credentials through provider.
func NewFactory(provider domain.CredentialProvider, useTestnet bool) *Factory {
	return &Factory{
		credentials: provider,
		useTestnet:  useTestnet,
		adapters:    make(map[string]domain.ExchangeAdapter),
	}
}

// Get returns a cached adapter for (subscriberID, exchangeID), building and
// authenticating one on first use.
func (f *Factory) Get(ctx context.Context, subscriberID, exchangeID string) (domain.ExchangeAdapter, error) {
	key := subscriberID + ":" + exchangeID

	f.mu.Lock()
	if a, ok := f.adapters[key]; ok {
		f.mu.Unlock()
		return a, nil
	}
	f.mu.Unlock()

	plain, err := f.credentials.Resolve(ctx, subscriberID, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential for %s: %w", key, err)
	}

	var adapter domain.ExchangeAdapter
	switch exchangeID {
	case "binance":
		adapter = binance.New(plain.APIKey, plain.APISecret, f.useTestnet)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchangeID)
	}

	f.mu.Lock()
	f.adapters[key] = adapter
	f.mu.Unlock()
	return adapter, nil
}

// Invalidate drops a cached adapter, forcing the next Get to re-resolve
// credentials. Used after a credential is disabled or replaced.
func (f *Factory) Invalidate(subscriberID, exchangeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.adapters, subscriberID+":"+exchangeID)
}
