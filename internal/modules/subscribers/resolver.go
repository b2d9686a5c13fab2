package subscribers

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/signalmirror/internal/domain"
)

// GlobalDefaults are the fallback parameters used when neither the
// subscriber, a strategy override, nor the signal itself specifies a value.
type GlobalDefaults struct {
	RiskPerc float64
	Leverage int
	TPPerc   float64
	SLPerc   float64
}

// PositionChecker reports whether subscriberID already holds an open
// position on (exchangeID, symbol). The execution engine's position
// repository implements this; the resolver only needs the read.
type PositionChecker interface {
	HasOpenPosition(ctx context.Context, subscriberID, exchangeID, symbol string) (bool, error)
}

// Eligible pairs one eligible subscriber with the parameters it should use.
type Eligible struct {
	Subscriber domain.Subscriber
	ExchangeID string
	Params     domain.EffectiveParams
}

// Resolver computes the set of subscribers eligible to act on a signal and
// the effective parameters each one should use, per the overlay order:
// global defaults <- subscriber defaults <- strategy-subscription overrides
// <- signal's explicit overrides.
type Resolver struct {
	repo      *Repo
	positions PositionChecker
	defaults  GlobalDefaults
}

// NewResolver builds a resolver over repo's subscriber and credential data.
func NewResolver(repo *Repo, positions PositionChecker, defaults GlobalDefaults) *Resolver {
	return &Resolver{repo: repo, positions: positions, defaults: defaults}
}

// Resolve returns every subscriber eligible to act on signal, each paired
// with the exchange to execute on and its fully overlaid parameters.
func (r *Resolver) Resolve(ctx context.Context, signal domain.Signal) ([]Eligible, error) {
	all, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscribers: %w", err)
	}

	now := time.Now()
	var out []Eligible
	for _, sub := range all {
		if sub.SubscriptionExpiresAt != nil && now.After(*sub.SubscriptionExpiresAt) {
			continue
		}
		if sub.GuardrailPausedUntil != nil && now.Before(*sub.GuardrailPausedUntil) {
			continue
		}

		exchangeIDs, err := r.repo.ApprovedExchanges(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list credentialed exchanges for %s: %w", sub.ID, err)
		}
		if len(exchangeIDs) == 0 {
			continue
		}
		// A subscriber credentials one exchange per signal source in
		// practice; symbol tradability on that exchange is checked later
		// by the execution engine's GetSymbolInfo call, which is the
		// real authority and yields SKIPPED(symbol_not_tradable) rather
		// than silently picking a different exchange.
		exchangeID := exchangeIDs[0]

		if signal.Action == domain.ActionClose {
			hasOpen, err := r.positions.HasOpenPosition(ctx, sub.ID, exchangeID, signal.Symbol)
			if err != nil {
				return nil, fmt.Errorf("failed to check open position for %s: %w", sub.ID, err)
			}
			if !hasOpen {
				continue
			}
		}

		override, err := r.repo.StrategyOverride(ctx, sub.ID, signal.StrategyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load strategy override for %s: %w", sub.ID, err)
		}

		if signal.StrategyID != 0 && override == nil {
			// Strategy-scoped signal, but sub has no strategy_subscriptions
			// row for it: not subscribed, so not eligible.
			continue
		}

		params := r.overlay(sub, override, signal)
		out = append(out, Eligible{Subscriber: sub, ExchangeID: exchangeID, Params: params})
	}
	return out, nil
}

// overlay applies global defaults, then subscriber defaults, then the
// strategy-subscription override (if any), then the signal's own explicit
// overrides, each layer replacing the one before it field-by-field.
func (r *Resolver) overlay(sub domain.Subscriber, override *domain.StrategySubscription, signal domain.Signal) domain.EffectiveParams {
	p := domain.EffectiveParams{
		RiskPerc: r.defaults.RiskPerc,
		Leverage: r.defaults.Leverage,
		TPPerc:   r.defaults.TPPerc,
		SLPerc:   r.defaults.SLPerc,
	}

	if sub.RiskFraction != 0 {
		p.RiskPerc = sub.RiskFraction
	}
	if sub.Leverage != 0 {
		p.Leverage = sub.Leverage
	}
	if sub.TPPerc != 0 {
		p.TPPerc = sub.TPPerc
	}
	if sub.SLPerc != 0 {
		p.SLPerc = sub.SLPerc
	}

	if override != nil {
		if override.RiskPerc != nil {
			p.RiskPerc = *override.RiskPerc
		}
		if override.Leverage != nil {
			p.Leverage = *override.Leverage
		}
		if override.TPPerc != nil {
			p.TPPerc = *override.TPPerc
		}
		if override.SLPerc != nil {
			p.SLPerc = *override.SLPerc
		}
	}

	if signal.RiskPerc != nil {
		p.RiskPerc = *signal.RiskPerc
	}
	if signal.Leverage != nil {
		p.Leverage = *signal.Leverage
	}
	if signal.TPPerc != nil {
		p.TPPerc = *signal.TPPerc
	}
	if signal.SLPerc != nil {
		p.SLPerc = *signal.SLPerc
	}

	return p
}
