package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantrail/norenfeed/internal/stream"
)

// Router fans feed callbacks out to typed writer buffers: touchline
// updates, depth updates, and order events each get their own buffer.
type Router interface {
	// Start begins routing queued updates to the output buffers.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router and closes the buffers.
	Stop(ctx context.Context) error

	// HandleTick accepts a market-data tick. Never blocks the feed
	// callback; updates are dropped (and counted) if the input queue
	// is full.
	HandleTick(t stream.Tick)

	// HandleOrder accepts an order event. Never blocks the feed callback.
	HandleOrder(o stream.OrderUpdate)

	// Buffers returns output buffers for writers to consume.
	Buffers() Buffers

	// Stats returns current router statistics.
	Stats() Stats
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Input from the feed callbacks
	ticks  chan TickMsg
	orders chan OrderMsg

	// Output to writers
	tickBuf  *GrowableBuffer[TickMsg]
	depthBuf *GrowableBuffer[DepthMsg]
	orderBuf *GrowableBuffer[OrderMsg]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	ticksReceived  int64
	ordersReceived int64
	routed         int64
	dropped        int64
}

// NewRouter creates a tick router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:      cfg,
		logger:   logger,
		ticks:    make(chan TickMsg, cfg.InputBufferSize),
		orders:   make(chan OrderMsg, cfg.InputBufferSize),
		tickBuf:  NewGrowableBuffer[TickMsg](cfg.TickBufferSize),
		depthBuf: NewGrowableBuffer[DepthMsg](cfg.DepthBufferSize),
		orderBuf: NewGrowableBuffer[OrderMsg](cfg.OrderBufferSize),
	}
}

// Start begins routing.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("tick router started",
		"tick_buffer", r.cfg.TickBufferSize,
		"depth_buffer", r.cfg.DepthBufferSize,
		"order_buffer", r.cfg.OrderBufferSize,
	)
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping tick router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("tick router stopped")
	case <-ctx.Done():
		r.logger.Warn("tick router stop timed out")
	}

	r.tickBuf.Close()
	r.depthBuf.Close()
	r.orderBuf.Close()

	return nil
}

// HandleTick accepts a tick from the feed callback.
func (r *router) HandleTick(t stream.Tick) {
	msg := TickMsg{Tick: t, ReceivedAt: time.Now()}

	select {
	case r.ticks <- msg:
		r.mu.Lock()
		r.ticksReceived++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("tick queue full, dropping update",
			"exchange", t.Exchange,
			"token", t.Token,
		)
	}
}

// HandleOrder accepts an order event from the feed callback.
func (r *router) HandleOrder(o stream.OrderUpdate) {
	msg := OrderMsg{OrderUpdate: o, ReceivedAt: time.Now()}

	select {
	case r.orders <- msg:
		r.mu.Lock()
		r.ordersReceived++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("order queue full, dropping event",
			"order", o.OrderNumber,
		)
	}
}

// Buffers returns output buffers for writers.
func (r *router) Buffers() Buffers {
	return Buffers{
		Ticks:  r.tickBuf,
		Depth:  r.depthBuf,
		Orders: r.orderBuf,
	}
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		TicksReceived:  r.ticksReceived,
		OrdersReceived: r.ordersReceived,
		Routed:         r.routed,
		Dropped:        r.dropped,
		TickBuffer:     r.tickBuf.Stats(),
		DepthBuffer:    r.depthBuf.Stats(),
		OrderBuffer:    r.orderBuf.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.ticks:
			r.routeTick(msg)
		case msg := <-r.orders:
			if r.orderBuf.Send(msg) {
				r.mu.Lock()
				r.routed++
				r.mu.Unlock()
			}
		}
	}
}

// routeTick splits touchline from depth updates.
func (r *router) routeTick(msg TickMsg) {
	var sent bool
	if msg.IsDepth() {
		sent = r.depthBuf.Send(DepthMsg{Tick: msg.Tick, ReceivedAt: msg.ReceivedAt})
	} else {
		sent = r.tickBuf.Send(msg)
	}

	if sent {
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()
	}
}
