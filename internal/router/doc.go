// Package router fans feed callbacks out to the batch writers.
//
// The feed delivers decoded ticks and order events on its own dispatch
// goroutine; the router takes them without blocking, splits touchline
// from depth updates, and queues everything into growable buffers the
// writers drain at their own pace.
package router
