package router

import (
	"context"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/llm"
)

// Stream routes a streaming task. Selection follows RouteTask; once a
// provider starts streaming the call stays with it, and a mid-stream failure
// surfaces as a terminal error record rather than a silent provider switch.
func (r *Router) Stream(ctx context.Context, task *Task) (<-chan StreamRecord, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !task.Role.Valid() {
		return nil, &NoProviderError{Role: task.Role}
	}

	entry := r.pick(task.Role, task.Complexity, nil)
	if entry == nil {
		return nil, &NoProviderError{Role: task.Role}
	}
	if !entry.breaker.Allow() {
		return nil, &llm.CallError{Provider: entry.name, Model: entry.cfg.Model,
			Kind: llm.ErrKindUnavailable, Err: errBreakerOpen}
	}
	if err := entry.reserve.Acquire(ctx); err != nil {
		return nil, llmContextError(entry, err)
	}

	out := make(chan StreamRecord, 32)
	go r.pump(ctx, entry, task, out)
	return out, nil
}

func (r *Router) pump(ctx context.Context, e *providerEntry, task *Task, out chan<- StreamRecord) {
	defer close(out)

	start := time.Now()
	chunks, errs := e.client.Stream(ctx, &llm.Request{
		Role:          task.Role,
		System:        task.System,
		Prompt:        task.Prompt,
		MaxTokens:     task.MaxTokens,
		CorrelationID: task.CorrelationID,
	})

	var (
		chunkCount int
		charCount  int
		final      *llm.Response
	)
	for chunk := range chunks {
		if chunk.Done {
			final = chunk.Response
			continue
		}
		chunkCount++
		charCount += len(chunk.Content)
		select {
		case out <- StreamRecord{Content: chunk.Content, TokensSoFar: charCount / 4}:
		case <-ctx.Done():
			r.streamFailed(ctx, e, task, llmContextError(e, ctx.Err()), time.Since(start), out)
			return
		}
	}
	if err := <-errs; err != nil {
		r.streamFailed(ctx, e, task, asProviderError(e, err), time.Since(start), out)
		return
	}

	latency := time.Since(start)
	if final == nil {
		final = &llm.Response{Model: e.cfg.Model}
	}
	resp := r.complete(e, task, final, latency)
	select {
	case out <- StreamRecord{
		Done:        true,
		TokensSoFar: resp.OutputTokens,
		Response:    resp,
		ChunkCount:  chunkCount,
	}:
	case <-ctx.Done():
	}
}

func (r *Router) streamFailed(ctx context.Context, e *providerEntry, task *Task, ce *llm.CallError, latency time.Duration, out chan<- StreamRecord) {
	r.recordFailure(e, task, ce, latency)
	switch ce.Kind {
	case llm.ErrKindCancelled, llm.ErrKindInvalidRequest, llm.ErrKindAuth:
	case llm.ErrKindRateLimited:
		e.reserve.MarkDepleted(ce.RetryAfter)
		if r.observer != nil {
			r.observer.ObserveRateLimitHit(e.name)
		}
	default:
		e.breaker.RecordFailure()
	}
	select {
	case out <- StreamRecord{Done: true, Err: ce}:
	case <-ctx.Done():
	}
}
