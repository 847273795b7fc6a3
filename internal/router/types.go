package router

import (
	"time"

	"github.com/quantrail/norenfeed/internal/stream"
)

// RouterConfig holds buffer sizing for the tick router.
type RouterConfig struct {
	InputBufferSize int // feed callback → router queue
	TickBufferSize  int // router → tick writer
	DepthBufferSize int // router → depth writer
	OrderBufferSize int // router → order writer
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		InputBufferSize: 10000,
		TickBufferSize:  5000,
		DepthBufferSize: 5000,
		OrderBufferSize: 1000,
	}
}

// TickMsg is a touchline update headed for the tick writer.
type TickMsg struct {
	stream.Tick
	ReceivedAt time.Time
}

// DepthMsg is a depth update headed for the depth writer.
type DepthMsg struct {
	stream.Tick
	ReceivedAt time.Time
}

// OrderMsg is an order event headed for the order writer.
type OrderMsg struct {
	stream.OrderUpdate
	ReceivedAt time.Time
}

// Buffers provides access to output buffers for writers.
type Buffers struct {
	Ticks  *GrowableBuffer[TickMsg]
	Depth  *GrowableBuffer[DepthMsg]
	Orders *GrowableBuffer[OrderMsg]
}

// Stats contains runtime statistics.
type Stats struct {
	TicksReceived  int64
	OrdersReceived int64
	Routed         int64
	Dropped        int64
	TickBuffer     BufferStats
	DepthBuffer    BufferStats
	OrderBuffer    BufferStats
}
