package toolexec

import (
	"context"
	"sync"

	"github.com/parleyhq/parley"
)

// Dispatcher connects the event bus to the engine: it watches for
// completed tool invocations in the stream and schedules each one,
// publishing the results back as follow-up events. Partial invocations
// are ignored; only a Partial=false invocation may be executed.
type Dispatcher struct {
	engine *Engine
	bus    *parley.Bus
}

// NewDispatcher creates a dispatcher for engine over bus.
func NewDispatcher(engine *Engine, bus *parley.Bus) *Dispatcher {
	return &Dispatcher{engine: engine, bus: bus}
}

// Run consumes stream events until ctx is cancelled or the bus closes.
// Each completed invocation is scheduled on its own goroutine; the
// engine's semaphores bound actual concurrency. Run waits for in-flight
// executions before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	events, cancel := d.bus.Subscribe(64)

	// In-flight executions publish their results back onto this bus, so
	// the subscription must be cancelled before waiting on them; otherwise
	// those publishes back up on the dispatcher's own undrained channel.
	// Defers run LIFO: cancel first, then wait.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			se, isStream := ev.(parley.StreamEvent)
			if !isStream || se.Type != parley.EventToolCallComplete {
				continue
			}
			if se.Invocation == nil || se.Invocation.Partial {
				continue
			}
			inv := *se.Invocation
			wg.Add(1)
			go func() {
				defer wg.Done()
				// A cancelled stream does not abort an execution already
				// dispatched; it runs to completion and reports.
				d.engine.Schedule(context.WithoutCancel(ctx), inv)
			}()
		}
	}
}
