// Package instrument resolves human-readable instrument queries into the
// exchange+token identifiers the feed and order APIs require.
//
// Records come from a Source (the broker's downloadable scrip master);
// fetching and parsing that file is the source's problem. The catalog
// only indexes and looks records up.
package instrument

import (
	"context"

	"github.com/quantrail/norenfeed/internal/stream"
)

// Instrument is one tradeable instrument from the scrip master.
type Instrument struct {
	Exchange       string // e.g. "NSE", "NFO"
	Token          string // exchange-assigned numeric token, kept as string
	TradingSymbol  string // e.g. "NIFTY23DEC19800CE"
	Symbol         string // underlying, e.g. "NIFTY"
	Name           string // company/contract name
	InstrumentType string // EQ, FUT, CE, PE, ...
	Expiry         string // contract expiry as listed, e.g. "28-DEC-2023"
	StrikePrice    string // strike as listed; empty for non-options
	OptionType     string // "CE", "PE", or empty
	LotSize        int
	TickSize       string
}

// Key returns the subscription key, "EXCH|TOKEN".
func (i Instrument) Key() string {
	return i.Exchange + "|" + i.Token
}

// StreamKey converts the record into the feed's instrument identifier.
func (i Instrument) StreamKey() stream.Instrument {
	return stream.Instrument{Exchange: i.Exchange, Token: i.Token}
}

// Source loads the instrument records for one exchange.
type Source interface {
	Load(ctx context.Context, exchange string) ([]Instrument, error)
}
