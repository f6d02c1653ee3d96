package exchange

import (
	"context"
	"time"
)

// BatchOrderOutcome is one request's result within a BatchResult,
// matching spec §4.A's documented per-order shape.
type BatchOrderOutcome struct {
	OrderIndex int
	Success    bool
	OrderID    string
	Order      *CreateOrderResult
	Error      string
}

// BatchSummary totals a BatchResult's outcomes.
type BatchSummary struct {
	Total      int
	Successful int
	Failed     int
}

// BatchImplementation records which strategy produced a BatchResult, so
// callers (and tests) can distinguish a venue's native multi-order
// endpoint from the rate-limited sequential fallback.
type BatchImplementation string

const (
	BatchNative     BatchImplementation = "NATIVE_BATCH"
	BatchSequential BatchImplementation = "SEQUENTIAL_FALLBACK"
)

// BatchResult is the unified response shape spec §4.A documents for
// create_batch_orders, independent of which path produced it.
type BatchResult struct {
	Success        bool
	Results        []BatchOrderOutcome
	Summary        BatchSummary
	Implementation BatchImplementation
}

// RateLimiter is the narrow slice of ratelimit.Limiter ExecuteBatch
// needs: the fixed per-call pacing delay a venue without a native batch
// endpoint requires between sequential submissions.
type RateLimiter interface {
	BatchFallbackDelay(exchangeName string) time.Duration
}

// ExecuteBatch places every request in reqs against adapter, using the
// venue's native multi-order endpoint, in chunks of at most 5 legs sent
// one after another, when it implements BatchCapable
// and falling back to paced sequential submission otherwise (spec
// §4.A: Upbit/Bithumb never have a native batch endpoint; Bybit/OKX
// adapters in this tree don't implement BatchCapable either, so they
// take the same fallback path as a venue that genuinely lacks one).
// ExecuteBatch also returns the raw per-request errors (same length and
// order as reqs, nil where a leg succeeded) alongside the serializable
// BatchResult, so a caller that needs errors.Is-based classification
// (ordermanager.finalizeCreate's FailedOrder/reconciliation/account-
// unhealthy split) isn't stuck re-parsing BatchOrderOutcome.Error strings.
func ExecuteBatch(ctx context.Context, adapter Adapter, rl RateLimiter, accountID int64, reqs []CreateOrderRequest) (BatchResult, []error) {
	if batchAdapter, ok := adapter.(BatchCapable); ok {
		const maxNativeBatchSize = 5
		results := make([]CreateOrderResult, len(reqs))
		errs := make([]error, len(reqs))
		for start := 0; start < len(reqs); start += maxNativeBatchSize {
			end := min(start+maxNativeBatchSize, len(reqs))
			chunkResults, chunkErrs := batchAdapter.BatchCreateOrders(ctx, accountID, reqs[start:end])
			copy(results[start:end], chunkResults)
			copy(errs[start:end], chunkErrs)
		}
		return summarize(results, errs, BatchNative), errs
	}

	delay := rl.BatchFallbackDelay(adapter.Name())
	results := make([]CreateOrderResult, len(reqs))
	errs := make([]error, len(reqs))

	for i, req := range reqs {
		res, err := adapter.CreateOrder(ctx, req)
		results[i], errs[i] = res, err

		if i < len(reqs)-1 {
			select {
			case <-ctx.Done():
				for j := i + 1; j < len(reqs); j++ {
					errs[j] = ctx.Err()
				}
				return summarize(results, errs, BatchSequential), errs
			case <-time.After(delay):
			}
		}
	}

	return summarize(results, errs, BatchSequential), errs
}

func summarize(results []CreateOrderResult, errs []error, impl BatchImplementation) BatchResult {
	outcomes := make([]BatchOrderOutcome, len(results))
	successful := 0
	for i := range results {
		if errs[i] != nil {
			outcomes[i] = BatchOrderOutcome{OrderIndex: i, Success: false, Error: errs[i].Error()}
			continue
		}
		res := results[i]
		outcomes[i] = BatchOrderOutcome{OrderIndex: i, Success: true, OrderID: res.ExchangeOrderID, Order: &res}
		successful++
	}

	return BatchResult{
		Success: successful == len(results),
		Results: outcomes,
		Summary: BatchSummary{
			Total:      len(results),
			Successful: successful,
			Failed:     len(results) - successful,
		},
		Implementation: impl,
	}
}
