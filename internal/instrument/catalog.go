package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SearchLimit caps the number of records Search returns.
const SearchLimit = 50

// Catalog is an in-memory index of instrument records, safe for
// concurrent use.
type Catalog struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byToken  map[string]Instrument // "EXCH|TOKEN" → record
	bySymbol map[string]Instrument // "EXCH|TSYM" → record
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger:   logger,
		byToken:  make(map[string]Instrument),
		bySymbol: make(map[string]Instrument),
	}
}

// Add indexes records, replacing existing entries with the same key.
func (c *Catalog) Add(records ...Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.byToken[r.Key()] = r
		c.bySymbol[r.Exchange+"|"+r.TradingSymbol] = r
	}
}

// LoadExchange pulls one exchange's records from src into the catalog,
// returning the number of records loaded.
func (c *Catalog) LoadExchange(ctx context.Context, src Source, exchange string) (int, error) {
	records, err := src.Load(ctx, exchange)
	if err != nil {
		return 0, fmt.Errorf("load %s instruments: %w", exchange, err)
	}
	c.Add(records...)
	c.logger.Info("instruments loaded", "exchange", exchange, "count", len(records))
	return len(records), nil
}

// Len returns the number of indexed records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byToken)
}

// ByToken looks a record up by exchange and token.
func (c *Catalog) ByToken(exchange, token string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byToken[exchange+"|"+token]
	return r, ok
}

// BySymbol looks a record up by exchange and exact trading symbol.
func (c *Catalog) BySymbol(exchange, tradingSymbol string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.bySymbol[exchange+"|"+tradingSymbol]
	return r, ok
}

// Search returns records on an exchange whose trading symbol or name
// contains the query, case-insensitive, capped at SearchLimit.
func (c *Catalog) Search(exchange, query string) []Instrument {
	query = strings.ToUpper(query)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Instrument
	for _, r := range c.byToken {
		if r.Exchange != exchange {
			continue
		}
		if strings.Contains(strings.ToUpper(r.TradingSymbol), query) ||
			strings.Contains(strings.ToUpper(r.Name), query) {
			out = append(out, r)
			if len(out) == SearchLimit {
				break
			}
		}
	}
	return out
}

// Option resolves an option contract by exact underlying, expiry, strike,
// and option type. Strikes are matched as listed in the scrip master; no
// strike arithmetic is performed here.
func (c *Catalog) Option(exchange, symbol, expiry, strike, optionType string) (Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.byToken {
		if r.Exchange == exchange &&
			r.Symbol == symbol &&
			r.Expiry == expiry &&
			r.StrikePrice == strike &&
			r.OptionType == optionType {
			return r, nil
		}
	}
	return Instrument{}, fmt.Errorf("no %s %s %s %s contract on %s", symbol, expiry, strike, optionType, exchange)
}
