// Package toolexec executes completed tool invocations under a safety
// policy with mutation-aware scheduling: mutating tools are serialized
// through an exclusive write slot while read-only tools parallelize up to
// a configured bound.
package toolexec

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley"
)

// Policy selects how the engine treats scheduled invocations. The zero
// value disables execution, fail-safe.
type Policy int

const (
	// PolicyNever short-circuits every invocation with a disabled failure.
	PolicyNever Policy = iota
	// PolicyAlways executes immediately.
	PolicyAlways
	// PolicyAsk publishes a ToolApprovalRequested event and blocks until a
	// listener approves or declines.
	PolicyAsk
)

// DefaultReadCapacity bounds concurrent read-only tool executions.
const DefaultReadCapacity = 8

// Both semaphores are process-wide: tools act on a shared
// filesystem/workspace, so the bounds hold regardless of which engine or
// conversation scheduled the execution.
var (
	writeSlot = semaphore.NewWeighted(1)
	readSlots = semaphore.NewWeighted(DefaultReadCapacity)
)

// Config tunes the execution engine.
type Config struct {
	Policy Policy
	// ReadCapacity, when positive, gives this engine a private read pool
	// with the given bound instead of the shared process-wide one.
	ReadCapacity int64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Engine schedules tool invocations. Every scheduled, non-partial
// invocation yields exactly one ToolExecutionResult, even when the tool
// panics.
type Engine struct {
	registry parley.ToolRegistry
	bus      *parley.Bus
	cfg      Config
	readSem  *semaphore.Weighted
}

// NewEngine creates an execution engine dispatching through registry and
// publishing results (and approval requests) on bus.
func NewEngine(registry parley.ToolRegistry, bus *parley.Bus, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	readSem := readSlots
	if cfg.ReadCapacity > 0 {
		readSem = semaphore.NewWeighted(cfg.ReadCapacity)
	}
	return &Engine{
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		readSem:  readSem,
	}
}

// Schedule runs one completed invocation to a result, applying the
// configured policy. The result is also published on the bus. Execution
// failures are data, not control flow: Schedule never returns an error.
func (e *Engine) Schedule(ctx context.Context, inv parley.ToolInvocation) parley.ToolExecutionResult {
	res := e.resolve(ctx, inv)
	if e.bus != nil {
		e.bus.Publish(res)
	}
	return res
}

func (e *Engine) resolve(ctx context.Context, inv parley.ToolInvocation) parley.ToolExecutionResult {
	if inv.Partial {
		return failure(inv, "invocation is partial; arguments incomplete")
	}

	switch e.cfg.Policy {
	case PolicyNever:
		return failure(inv, "tool execution is disabled")
	case PolicyAsk:
		approved, res := e.requestApproval(ctx, inv)
		if !approved {
			return res
		}
	}
	return e.execute(ctx, inv)
}

// requestApproval publishes a one-shot approval request and blocks until a
// decision arrives. A closed response channel or cancelled context yields
// the distinguished "approval cancelled" failure.
func (e *Engine) requestApproval(ctx context.Context, inv parley.ToolInvocation) (bool, parley.ToolExecutionResult) {
	if e.bus == nil {
		return false, failure(inv, "approval required but no listener is attached")
	}

	response := make(chan parley.ApprovalDecision, 1)
	e.bus.Publish(parley.ToolApprovalRequested{Invocation: inv, Response: response})

	select {
	case <-ctx.Done():
		return false, failure(inv, "tool approval cancelled")
	case decision, ok := <-response:
		if !ok {
			return false, failure(inv, "tool approval cancelled")
		}
		if !decision.Approved {
			return false, failure(inv, "tool call declined by user")
		}
		return true, parley.ToolExecutionResult{}
	}
}

func (e *Engine) execute(ctx context.Context, inv parley.ToolInvocation) parley.ToolExecutionResult {
	sem := e.readSem
	if e.registry.IsMutating(inv.Name) {
		sem = writeSlot
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return failure(inv, "interrupted before execution: "+err.Error())
	}
	defer sem.Release(1)

	output, err := e.safeExecute(ctx, inv)
	if err != nil {
		return failure(inv, err.Error())
	}
	return parley.ToolExecutionResult{ID: inv.ID, Name: inv.Name, Output: output}
}

// safeExecute converts tool panics into errors so a crashing tool still
// yields its result.
func (e *Engine) safeExecute(ctx context.Context, inv parley.ToolInvocation) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Error("tool panicked", "tool", inv.Name, "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", inv.Name, r)
		}
	}()
	return e.registry.Execute(ctx, inv.Name, inv.Arguments)
}

func failure(inv parley.ToolInvocation, msg string) parley.ToolExecutionResult {
	return parley.ToolExecutionResult{
		ID:      inv.ID,
		Name:    inv.Name,
		Err:     msg,
		IsError: true,
	}
}
