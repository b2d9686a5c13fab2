package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/domain"
)

type fakeCredentialProvider struct {
	calls int
	cred  *domain.PlaintextCredential
	err   error
}

func (f *fakeCredentialProvider) Resolve(ctx context.Context, subscriberID, exchangeID string) (*domain.PlaintextCredential, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func TestFactory_GetResolvesAndCachesAdapterForBinance(t *testing.T) {
	provider := &fakeCredentialProvider{cred: &domain.PlaintextCredential{APIKey: "key", APISecret: "secret"}}
	f := NewFactory(provider, true)

	a1, err := f.Get(context.Background(), "sub-1", "binance")
	require.NoError(t, err)
	require.NotNil(t, a1)

	a2, err := f.Get(context.Background(), "sub-1", "binance")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, provider.calls, "second Get must reuse the cached adapter without re-resolving credentials")
}

func TestFactory_GetReturnsErrorForUnsupportedExchange(t *testing.T) {
	provider := &fakeCredentialProvider{cred: &domain.PlaintextCredential{APIKey: "key", APISecret: "secret"}}
	f := NewFactory(provider, false)

	_, err := f.Get(context.Background(), "sub-1", "kraken")
	assert.Error(t, err)
}

func TestFactory_GetPropagatesCredentialResolutionError(t *testing.T) {
	provider := &fakeCredentialProvider{err: &domain.AuthError{ExchangeID: "binance"}}
	f := NewFactory(provider, false)

	_, err := f.Get(context.Background(), "sub-1", "binance")
	assert.Error(t, err)
}

func TestFactory_InvalidateForcesReResolveOnNextGet(t *testing.T) {
	provider := &fakeCredentialProvider{cred: &domain.PlaintextCredential{APIKey: "key", APISecret: "secret"}}
	f := NewFactory(provider, false)

	_, err := f.Get(context.Background(), "sub-1", "binance")
	require.NoError(t, err)

	f.Invalidate("sub-1", "binance")

	_, err = f.Get(context.Background(), "sub-1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}
