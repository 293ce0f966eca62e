package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchConcurrency = 5

type BatchResult struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// GenerateBatch runs Generate for every request with at most maxConcurrent in
// flight. Results keep the order of reqs; one failure does not stop the rest.
func (o *Orchestrator) GenerateBatch(ctx context.Context, reqs []Request, maxConcurrent int) []BatchResult {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBatchConcurrency
	}

	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Generate(ctx, req)
			results[i] = BatchResult{Index: i, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
