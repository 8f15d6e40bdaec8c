package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/querybridge/querybridge/core/shared/errors"
)

const defaultBatchConcurrency = 8

// BatchRequest is one item of a batch execution
type BatchRequest struct {
	QueryID    string         `json:"queryId" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

// BatchItemResult pairs an item's outcome with its position in the request
type BatchItemResult struct {
	QueryID string           `json:"queryId"`
	Result  *ExecutionResult `json:"result"`
}

// BatchResult is the aggregate outcome of a batch execution
type BatchResult struct {
	Results         []BatchItemResult `json:"results"`
	SuccessCount    int               `json:"successCount"`
	FailureCount    int               `json:"failureCount"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
}

// batchCoordinator fans a batch out over a bounded number of workers.
// Item failures never abort siblings; each slot in the result set holds
// either the item's result or its error.
type batchCoordinator struct {
	concurrency int64
	execute     func(ctx context.Context, req BatchRequest) *ExecutionResult
}

func newBatchCoordinator(concurrency int, execute func(ctx context.Context, req BatchRequest) *ExecutionResult) *batchCoordinator {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	return &batchCoordinator{concurrency: int64(concurrency), execute: execute}
}

// run executes all items and returns results in request order
func (b *batchCoordinator) run(ctx context.Context, requests []BatchRequest) *BatchResult {
	start := time.Now()
	out := &BatchResult{Results: make([]BatchItemResult, len(requests))}
	if len(requests) == 0 {
		return out
	}

	sem := semaphore.NewWeighted(b.concurrency)
	var wg sync.WaitGroup
	for i, req := range requests {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: mark this and all remaining items failed.
			for j := i; j < len(requests); j++ {
				out.Results[j] = BatchItemResult{
					QueryID: requests[j].QueryID,
					Result:  failedResult(requests[j].QueryID, errors.Wrap(errors.ErrCodeInternalError, "batch cancelled", err)),
				}
			}
			break
		}
		wg.Add(1)
		go func(i int, req BatchRequest) {
			defer wg.Done()
			defer sem.Release(1)
			out.Results[i] = BatchItemResult{QueryID: req.QueryID, Result: b.execute(ctx, req)}
		}(i, req)
	}
	wg.Wait()

	for _, item := range out.Results {
		if item.Result != nil && item.Result.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	out.ExecutionTimeMs = time.Since(start).Milliseconds()
	return out
}
