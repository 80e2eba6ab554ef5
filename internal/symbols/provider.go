// Package symbols tracks the approved tradeable instrument set and
// contract rollover alerts. The risk engine consults the provider on every
// validation; an unknown symbol is always rejected.
package symbols

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RolloverAlert flags an approaching futures contract rollover.
type RolloverAlert struct {
	Symbol        string    `json:"symbol"`
	NextContract  string    `json:"next_contract"`
	RolloverDate  time.Time `json:"rollover_date"`
	DaysRemaining int       `json:"days_remaining"`
}

// Provider answers tradeability questions for the rest of the system.
type Provider struct {
	mu        sync.RWMutex
	tradeable map[string]struct{}
	alerts    []RolloverAlert
	logger    zerolog.Logger
}

// NewProvider creates a provider with the given approved symbol list.
func NewProvider(tradeable []string, logger zerolog.Logger) *Provider {
	p := &Provider{
		tradeable: make(map[string]struct{}, len(tradeable)),
		logger:    logger.With().Str("component", "symbols").Logger(),
	}
	for _, s := range tradeable {
		p.tradeable[s] = struct{}{}
	}
	p.logger.Info().Int("count", len(p.tradeable)).Msg("Tradeable symbol set loaded")
	return p
}

// IsTradeable reports whether the symbol is in the approved set.
func (p *Provider) IsTradeable(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tradeable[symbol]
	return ok
}

// Tradeable returns the approved symbols in sorted order.
func (p *Provider) Tradeable() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.tradeable))
	for s := range p.tradeable {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Replace swaps the approved set atomically. Used when symbol config is
// refreshed at runtime.
func (p *Provider) Replace(tradeable []string) {
	next := make(map[string]struct{}, len(tradeable))
	for _, s := range tradeable {
		next[s] = struct{}{}
	}

	p.mu.Lock()
	p.tradeable = next
	p.mu.Unlock()

	p.logger.Info().Int("count", len(tradeable)).Msg("Tradeable symbol set replaced")
}

// SetRolloverAlerts replaces the current rollover alert list.
func (p *Provider) SetRolloverAlerts(alerts []RolloverAlert) {
	p.mu.Lock()
	p.alerts = append([]RolloverAlert(nil), alerts...)
	p.mu.Unlock()

	for _, a := range alerts {
		if a.DaysRemaining <= 5 {
			p.logger.Warn().
				Str("symbol", a.Symbol).
				Str("next_contract", a.NextContract).
				Int("days_remaining", a.DaysRemaining).
				Msg("Contract rollover approaching")
		}
	}
}

// RolloverSymbols returns the symbols that currently carry a rollover
// alert.
func (p *Provider) RolloverSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.alerts))
	for _, a := range p.alerts {
		out = append(out, a.Symbol)
	}
	return out
}

// RolloverAlerts returns a copy of the current alerts.
func (p *Provider) RolloverAlerts() []RolloverAlert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]RolloverAlert(nil), p.alerts...)
}
