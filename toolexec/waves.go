package toolexec

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley"
)

// BatchItem is one invocation in a dependency-ordered batch. DependsOn
// lists invocation ids that must complete before this one runs.
type BatchItem struct {
	Invocation parley.ToolInvocation
	DependsOn  []string
}

// ExecuteBatch runs a batch in waves: each wave is the set of not-yet-run
// invocations whose dependencies are all satisfied, executed through the
// mutation-aware scheduler. A wave with no ready member (cyclic or
// unsatisfiable dependencies) is force-executed so the batch always makes
// forward progress. Results come back in batch order, one per item.
func (e *Engine) ExecuteBatch(ctx context.Context, items []BatchItem) []parley.ToolExecutionResult {
	results := make([]parley.ToolExecutionResult, len(items))
	ran := make([]bool, len(items))
	completed := make(map[string]bool, len(items))

	remaining := len(items)
	for remaining > 0 {
		wave := readyWave(items, ran, completed)
		if len(wave) == 0 {
			// Cyclic or unsatisfiable dependencies: force-execute the rest
			// rather than deadlocking.
			e.cfg.Logger.Warn("tool batch has unsatisfiable dependencies, forcing remaining wave")
			for i := range items {
				if !ran[i] {
					wave = append(wave, i)
				}
			}
		}

		g := new(errgroup.Group)
		for _, i := range wave {
			g.Go(func() error {
				results[i] = e.Schedule(ctx, items[i].Invocation)
				return nil
			})
		}
		_ = g.Wait()

		for _, i := range wave {
			ran[i] = true
			completed[items[i].Invocation.ID] = true
		}
		remaining -= len(wave)
	}
	return results
}

func readyWave(items []BatchItem, ran []bool, completed map[string]bool) []int {
	var wave []int
	for i, item := range items {
		if ran[i] {
			continue
		}
		ready := true
		for _, dep := range item.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, i)
		}
	}
	return wave
}
