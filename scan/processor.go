package scan

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogQuerier is the ledger-client dependency: a bounded range query for
// contract logs. The processor treats returned entries as opaque and only
// inspects TxHash, Index and BlockNumber.
type LogQuerier interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config holds processor configuration
type Config struct {
	// MaxRetries is the total number of range-query attempts per fetch
	MaxRetries int

	// RetryDelay is the backoff base; attempt n waits RetryDelay * 2^(n-1)
	RetryDelay time.Duration

	// DisableDedup turns off (txHash, logIndex) deduplication in
	// ProcessBatches. Deduplication is on by default.
	DisableDedup bool

	// RateLimit caps range queries per second; 0 means unlimited
	RateLimit rate.Limit
}

// Validate validates the processor configuration
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	return nil
}

// Default configuration values
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// ProgressFunc reports scan progress as a percentage and a short message.
type ProgressFunc func(percent float64, message string)

// FetchResult is the outcome of a single historical fetch.
type FetchResult struct {
	Logs       []types.Log
	EventName  string
	FromBlock  uint64
	ToBlock    uint64
	EventCount int
	FetchTime  time.Duration
}

// Stats accumulates over one ProcessBatches invocation and is reset on the
// next.
type Stats struct {
	TotalFetched      int
	UniqueEvents      int
	DuplicatesRemoved int
	RangesScanned     int
	RangesFailed      int
	FailedRanges      []BlockRange
	ProcessingTime    time.Duration
}

// Processor fetches named contract events over closed block ranges with
// bounded retries, per-range partial-failure tolerance and deduplication.
type Processor struct {
	client   LogQuerier
	contract common.Address
	abi      abi.ABI
	config   Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewProcessor creates a processor for one contract. Zero config fields
// take defaults.
func NewProcessor(client LogQuerier, contract common.Address, contractABI abi.ABI, config Config, logger *zap.Logger) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(config.RateLimit, 1)
	}

	return &Processor{
		client:   client,
		contract: contract,
		abi:      contractABI,
		config:   config,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// FetchEvents retrieves every log for the named event in [fromBlock,
// toBlock], retrying the range query with exponential backoff. The error
// returned after the final attempt wraps the last underlying failure.
// onProgress (optional) is invoked at start (0%), on each retry, and at
// completion (100%).
func (p *Processor) FetchEvents(ctx context.Context, eventName string, fromBlock, toBlock uint64, onProgress ProgressFunc) (*FetchResult, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("fromBlock (%d) cannot be greater than toBlock (%d)", fromBlock, toBlock)
	}

	event, ok := p.abi.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("event %s not found in contract ABI", eventName)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{p.contract},
		Topics:    [][]common.Hash{{event.ID}},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
	}

	report := func(percent float64, message string) {
		if onProgress != nil {
			onProgress(percent, message)
		}
	}

	report(0, fmt.Sprintf("fetching %s events in blocks %d-%d", eventName, fromBlock, toBlock))

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		logs, err := p.client.FilterLogs(ctx, query)
		if err == nil {
			report(100, fmt.Sprintf("fetched %d %s events", len(logs), eventName))
			return &FetchResult{
				Logs:       logs,
				EventName:  eventName,
				FromBlock:  fromBlock,
				ToBlock:    toBlock,
				EventCount: len(logs),
				FetchTime:  time.Since(start),
			}, nil
		}
		lastErr = err

		p.logger.Warn("range query failed",
			zap.String("event", eventName),
			zap.Uint64("from", fromBlock),
			zap.Uint64("to", toBlock),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", p.config.MaxRetries),
			zap.Error(err),
		)
		report(float64(attempt)/float64(p.config.MaxRetries)*90,
			fmt.Sprintf("attempt %d/%d failed, retrying", attempt, p.config.MaxRetries))

		if attempt == p.config.MaxRetries {
			break
		}

		// Exponential backoff: RetryDelay, 2*RetryDelay, 4*RetryDelay, ...
		delay := p.config.RetryDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to fetch %s events after %d attempts: %w", eventName, p.config.MaxRetries, lastErr)
}

// FetchMultiple runs one FetchEvents per event name concurrently. A name
// whose fetch fails after retries is logged and omitted from the returned
// map; the siblings are unaffected.
func (p *Processor) FetchMultiple(ctx context.Context, eventNames []string, fromBlock, toBlock uint64) map[string]*FetchResult {
	results := make(map[string]*FetchResult, len(eventNames))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range eventNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			result, err := p.FetchEvents(ctx, name, fromBlock, toBlock, nil)
			if err != nil {
				p.logger.Error("fetch failed for event, omitting from results",
					zap.String("event", name),
					zap.Error(err),
				)
				return
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	return results
}

// ProcessBatches scans the given sub-ranges sequentially, accumulating the
// named event's logs. Sequential order keeps progress reporting
// deterministic. With deduplication enabled (the default), a repeated
// (txHash, logIndex) key is dropped and counted rather than re-added. A
// sub-range that fails after exhausting retries is logged, recorded in the
// stats' FailedRanges and skipped.
// Stats are reset at the start of each invocation.
func (p *Processor) ProcessBatches(ctx context.Context, eventName string, ranges []BlockRange, onProgress ProgressFunc) ([]types.Log, *Stats, error) {
	stats := &Stats{}
	start := time.Now()

	seen := make(map[string]struct{})
	var out []types.Log

	for i, r := range ranges {
		select {
		case <-ctx.Done():
			stats.ProcessingTime = time.Since(start)
			return out, stats, ctx.Err()
		default:
		}

		base := float64(i) / float64(len(ranges)) * 100
		span := 100 / float64(len(ranges))
		result, err := p.FetchEvents(ctx, eventName, r.From, r.To, func(percent float64, message string) {
			if onProgress != nil {
				onProgress(base+percent*span/100, message)
			}
		})
		stats.RangesScanned++
		if err != nil {
			if ctx.Err() != nil {
				stats.ProcessingTime = time.Since(start)
				return out, stats, ctx.Err()
			}
			stats.RangesFailed++
			stats.FailedRanges = append(stats.FailedRanges, r)
			p.logger.Error("sub-range failed after retries, skipping",
				zap.String("event", eventName),
				zap.Uint64("from", r.From),
				zap.Uint64("to", r.To),
				zap.Error(err),
			)
			continue
		}

		for _, log := range result.Logs {
			stats.TotalFetched++
			if !p.config.DisableDedup {
				key := dedupKey(log)
				if _, dup := seen[key]; dup {
					stats.DuplicatesRemoved++
					continue
				}
				seen[key] = struct{}{}
			}
			out = append(out, log)
			stats.UniqueEvents++
		}
	}

	stats.ProcessingTime = time.Since(start)
	if onProgress != nil {
		onProgress(100, fmt.Sprintf("processed %d ranges, %d unique events", stats.RangesScanned, stats.UniqueEvents))
	}

	p.logger.Info("batch scan complete",
		zap.String("event", eventName),
		zap.Int("ranges", stats.RangesScanned),
		zap.Int("failed_ranges", stats.RangesFailed),
		zap.Int("total", stats.TotalFetched),
		zap.Int("unique", stats.UniqueEvents),
		zap.Int("duplicates", stats.DuplicatesRemoved),
		zap.Duration("elapsed", stats.ProcessingTime),
	)

	return out, stats, nil
}

// dedupKey identifies a log by its transaction hash and position within
// the transaction's receipt.
func dedupKey(log types.Log) string {
	return fmt.Sprintf("%s-%d", log.TxHash.Hex(), log.Index)
}
