// Package writer implements batch writers for the recorder pipeline.
//
// Writers:
//   - Tick writer (touchline updates)
//   - Depth writer (order book best bid/ask updates)
//   - Order writer (order events)
//
// All writers use append-only semantics (never update, only insert).
// Prices are stored as integer paise; every row carries the run id of
// the recorder process that captured it.
package writer
