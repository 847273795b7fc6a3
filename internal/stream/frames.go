package stream

import "encoding/json"

// Frame kinds observed on the wire. The "t" field of every frame carries
// its discriminant.
const (
	KindConnect      = "c"  // outbound auth
	KindConnectAck   = "ck" // server ack for auth
	KindHeartbeat    = "h"  // outbound keep-alive
	KindSubscribe    = "t"  // outbound touchline subscribe
	KindUnsubscribe  = "u"  // outbound touchline unsubscribe
	KindTouchlineAck = "tk" // touchline snapshot after subscribe
	KindTouchline    = "tf" // touchline update
	KindDepthAck     = "dk" // depth snapshot after subscribe
	KindDepth        = "df" // depth update
	KindOrderUpdate  = "om" // order event
)

// connectFrame authenticates a freshly opened transport.
type connectFrame struct {
	T            string `json:"t"`
	UID          string `json:"uid"`
	AccountID    string `json:"actid"`
	SessionToken string `json:"susertoken"`
}

// heartbeatFrame is the keep-alive no-op.
type heartbeatFrame struct {
	T string `json:"t"`
}

// subscribeFrame carries the full "#"-joined key set. The same shape is
// used for unsubscribes with kind "u".
type subscribeFrame struct {
	T string `json:"t"`
	K string `json:"k"`
}

// Tick is a market-data frame: touchline or depth, snapshot or update.
// All numeric values arrive as strings; absent fields mean "unchanged
// since the last tick" and decode to the empty string.
type Tick struct {
	Kind          string `json:"t"`
	Exchange      string `json:"e"`
	Token         string `json:"tk"`
	TradingSymbol string `json:"ts,omitempty"`
	FeedTime      string `json:"ft,omitempty"`

	LastPrice     string `json:"lp,omitempty"`
	PercentChange string `json:"pc,omitempty"`
	Volume        string `json:"v,omitempty"`
	Open          string `json:"o,omitempty"`
	High          string `json:"h,omitempty"`
	Low           string `json:"l,omitempty"`
	Close         string `json:"c,omitempty"`
	AveragePrice  string `json:"ap,omitempty"`
	OpenInterest  string `json:"oi,omitempty"`

	// Best bid/ask (level 1 only on touchline, levels 1-5 on depth)
	BidPrice string `json:"bp1,omitempty"`
	BidQty   string `json:"bq1,omitempty"`
	AskPrice string `json:"sp1,omitempty"`
	AskQty   string `json:"sq1,omitempty"`
}

// IsDepth reports whether the tick carries depth rather than touchline data.
func (t Tick) IsDepth() bool {
	return t.Kind == KindDepthAck || t.Kind == KindDepth
}

// OrderUpdate is an order-event frame.
type OrderUpdate struct {
	Kind            string `json:"t"`
	OrderNumber     string `json:"norenordno"`
	Exchange        string `json:"exch"`
	TradingSymbol   string `json:"tsym"`
	Status          string `json:"status"`
	ReportType      string `json:"reporttype"`
	TransactionType string `json:"trantype"`
	Product         string `json:"prd"`
	Quantity        string `json:"qty"`
	Price           string `json:"prc"`
	FillShares      string `json:"fillshares,omitempty"`
	AveragePrice    string `json:"avgprc,omitempty"`
	RejectReason    string `json:"rejreason,omitempty"`
	ExchangeTime    string `json:"exch_tm,omitempty"`
}

// parseKind extracts the frame discriminant. Returns false for frames
// that do not decode or carry no discriminant; such frames are discarded
// by the caller, never treated as fatal.
func parseKind(data []byte) (string, bool) {
	var env struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	if env.T == "" {
		return "", false
	}
	return env.T, true
}

// isDataKind reports whether a frame kind routes to the data callback.
func isDataKind(kind string) bool {
	switch kind {
	case KindTouchlineAck, KindTouchline, KindDepthAck, KindDepth:
		return true
	}
	return false
}
