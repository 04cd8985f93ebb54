package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaylabs/relay/internal/agent"
)

// RunFunc executes one prompt to completion and returns the final response
// text. taskID is stable per prompt so tool sessions and approval grants
// stay scoped to the prompt that created them.
type RunFunc func(ctx context.Context, taskID, prompt string) (string, error)

// Summary reports what a batch run did.
type Summary struct {
	Total     int
	Skipped   int
	Succeeded int
	Failed    int
}

// Orchestrator fans prompts out over a bounded worker pool. It is a thin
// wrapper: all conversation semantics live in the loop each worker invokes,
// the orchestrator only schedules, persists, and resumes.
type Orchestrator struct {
	store   *Store
	run     RunFunc
	workers int
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator with the given worker count.
// workers <= 0 defaults to 4.
func NewOrchestrator(store *Store, run RunFunc, workers int, logger *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		run:     run,
		workers: workers,
		logger:  logger,
	}
}

// Run processes all prompts, skipping those already recorded as done.
// Duplicate prompts within one batch collapse to a single execution. A
// prompt failure is recorded and counted but does not stop the batch;
// only context cancellation aborts early.
func (o *Orchestrator) Run(ctx context.Context, prompts []string) (*Summary, error) {
	summary := &Summary{Total: len(prompts)}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sem  = make(chan struct{}, o.workers)
		seen = make(map[string]bool)
	)

	for _, prompt := range prompts {
		hash := HashPrompt(prompt)
		if seen[hash] {
			summary.Skipped++
			continue
		}
		seen[hash] = true

		rec, err := o.store.Get(ctx, hash)
		if err != nil {
			wg.Wait()
			return summary, err
		}
		if rec != nil && rec.Status == StatusDone {
			o.logger.Debug("skipping completed prompt", "hash", hash[:12])
			summary.Skipped++
			continue
		}

		if err := o.store.Upsert(ctx, &Record{
			PromptHash: hash,
			Prompt:     prompt,
			Status:     StatusPending,
		}); err != nil {
			wg.Wait()
			return summary, err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return summary, ctx.Err()
		}

		wg.Add(1)
		go func(hash, prompt string) {
			defer wg.Done()
			defer func() { <-sem }()

			output, runErr := o.run(ctx, hash, prompt)

			rec := &Record{PromptHash: hash, Prompt: prompt}
			if runErr != nil {
				rec.Status = StatusFailed
				rec.Output = runErr.Error()
				o.logger.Warn("batch prompt failed", "hash", hash[:12], "error", runErr)
			} else {
				rec.Status = StatusDone
				rec.Output = output
			}

			// Persist with a fresh context so a cancelled batch still
			// records outcomes of in-flight prompts.
			if err := o.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
				o.logger.Error("failed to persist batch record", "hash", hash[:12], "error", err)
			}

			mu.Lock()
			if runErr != nil {
				summary.Failed++
			} else {
				summary.Succeeded++
			}
			mu.Unlock()
		}(hash, prompt)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// LoopRunFunc adapts a conversation loop into a RunFunc. Each prompt becomes
// a single-message conversation; a run that ends without a natural finish is
// reported as a failure.
func LoopRunFunc(loop *agent.Loop) RunFunc {
	return func(ctx context.Context, taskID, prompt string) (string, error) {
		res, err := loop.Run(ctx, taskID, []agent.CompletionMessage{
			{Role: "user", Content: prompt},
		})
		if err != nil {
			return "", err
		}
		if !res.FinishedNaturally {
			return "", fmt.Errorf("run ended in phase %s", res.Phase)
		}
		if res.FinalText == "" {
			return "", errors.New("run produced no response text")
		}
		return res.FinalText, nil
	}
}
