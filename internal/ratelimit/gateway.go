// Package ratelimit serializes outbound ledger calls behind a FIFO queue and
// paces them against a provider-imposed calls-per-second ceiling.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default gateway configuration values.
const (
	DefaultQueueSize  = 1024
	DefaultBatchPause = 200 * time.Millisecond
)

// ErrGatewayClosed is returned when work is submitted after Close.
var ErrGatewayClosed = errors.New("gateway is closed")

// UnitOfWork is one outbound call. The gateway decides when it is issued;
// the function itself performs the I/O.
type UnitOfWork func(ctx context.Context) (interface{}, error)

// BatchResult holds the outcome of one unit in a batch. OK is false when the
// unit failed; the batch itself never aborts on a unit failure.
type BatchResult struct {
	Value interface{}
	Err   error
	OK    bool
}

// Gateway issues queued units of work strictly in submission order, never
// exceeding Ceiling calls in any rolling one second window and never issuing
// two calls closer together than 1s/Ceiling. All callers in the process share
// one queue, so the guarantee holds system-wide.
type Gateway struct {
	ceiling    int
	spacing    time.Duration
	batchPause time.Duration
	budget     *CallBudgetTracker

	queue chan *task
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// GatewayConfig holds configuration for the call gateway.
type GatewayConfig struct {
	// Ceiling is the maximum number of calls issued per rolling second.
	// Required.
	Ceiling int

	// BatchPause is inserted between sub-batches of ExecuteBatch.
	// Default: 200ms.
	BatchPause time.Duration

	// Budget optionally coordinates the ceiling with other processes
	// through Redis. Nil keeps pacing purely in-process.
	Budget *CallBudgetTracker

	// QueueSize bounds the number of pending units. Default: 1024.
	QueueSize int
}

// Validate checks if the configuration is valid.
func (c *GatewayConfig) Validate() error {
	if c.Ceiling <= 0 {
		return errors.New("ceiling must be positive")
	}
	if c.BatchPause < 0 {
		return errors.New("batch pause cannot be negative")
	}
	if c.QueueSize < 0 {
		return errors.New("queue size cannot be negative")
	}
	return nil
}

// NewGateway creates a gateway and starts its dispatcher.
// Returns an error if the configuration is invalid.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	batchPause := cfg.BatchPause
	if batchPause == 0 {
		batchPause = DefaultBatchPause
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}

	g := &Gateway{
		ceiling:    cfg.Ceiling,
		spacing:    time.Second / time.Duration(cfg.Ceiling),
		batchPause: batchPause,
		budget:     cfg.Budget,
		queue:      make(chan *task, queueSize),
		done:       make(chan struct{}),
	}

	g.wg.Add(1)
	go g.dispatch()

	return g, nil
}

type task struct {
	ctx    context.Context
	fn     UnitOfWork
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Execute submits one unit of work and blocks until it has been issued and
// completed, or until ctx is cancelled. A unit's error is returned to its
// caller only; the queue keeps draining.
func (g *Gateway) Execute(ctx context.Context, fn UnitOfWork) (interface{}, error) {
	t := &task{ctx: ctx, fn: fn, result: make(chan taskResult, 1)}

	select {
	case g.queue <- t:
	case <-g.done:
		return nil, ErrGatewayClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteBatch submits all units and returns one result per unit in input
// order. Units are issued in sub-batches of batchSize with a short pause
// between sub-batches; a failed unit yields OK=false rather than aborting
// the batch. batchSize <= 0 means a single sub-batch.
func (g *Gateway) ExecuteBatch(ctx context.Context, units []UnitOfWork, batchSize int) []BatchResult {
	results := make([]BatchResult, len(units))
	if len(units) == 0 {
		return results
	}
	if batchSize <= 0 {
		batchSize = len(units)
	}

	for start := 0; start < len(units); start += batchSize {
		end := start + batchSize
		if end > len(units) {
			end = len(units)
		}

		// Enqueue the whole sub-batch before collecting so its units pace
		// through the dispatcher back to back.
		tasks := make([]*task, end-start)
		for i := start; i < end; i++ {
			t := &task{ctx: ctx, fn: units[i], result: make(chan taskResult, 1)}
			select {
			case g.queue <- t:
				tasks[i-start] = t
			case <-g.done:
				results[i] = BatchResult{Err: ErrGatewayClosed}
			case <-ctx.Done():
				results[i] = BatchResult{Err: ctx.Err()}
			}
		}

		for j, t := range tasks {
			if t == nil {
				continue
			}
			select {
			case res := <-t.result:
				if res.err != nil {
					results[start+j] = BatchResult{Err: res.err}
				} else {
					results[start+j] = BatchResult{Value: res.value, OK: true}
				}
			case <-ctx.Done():
				results[start+j] = BatchResult{Err: ctx.Err()}
			}
		}

		if end < len(units) && g.batchPause > 0 {
			select {
			case <-time.After(g.batchPause):
			case <-ctx.Done():
			}
		}
	}

	return results
}

// dispatch is the single goroutine that issues calls. Window and spacing
// state live only here, so no lock is needed.
func (g *Gateway) dispatch() {
	defer g.wg.Done()

	windowStart := time.Now()
	callsInWindow := 0
	var lastIssued time.Time

	for {
		var t *task
		select {
		case <-g.done:
			g.drain()
			return
		case t = <-g.queue:
		}

		// Skip units whose caller already gave up.
		if err := t.ctx.Err(); err != nil {
			t.result <- taskResult{err: err}
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			callsInWindow = 0
		}

		if callsInWindow >= g.ceiling {
			sleep := time.Second - now.Sub(windowStart)
			if sleep > 0 {
				time.Sleep(sleep)
			}
			windowStart = time.Now()
			callsInWindow = 0
		}

		if !lastIssued.IsZero() {
			if wait := g.spacing - time.Since(lastIssued); wait > 0 {
				time.Sleep(wait)
			}
		}

		if g.budget != nil {
			if err := g.waitForBudget(t.ctx); err != nil {
				t.result <- taskResult{err: err}
				continue
			}
		}

		callsInWindow++
		lastIssued = time.Now()

		// The unit runs off the dispatcher goroutine so a slow call does
		// not stall issuance of the next one.
		go func(t *task) {
			value, err := t.fn(t.ctx)
			t.result <- taskResult{value: value, err: err}
		}(t)
	}
}

// drain fails any units that slipped into the queue while Close was racing
// a submit.
func (g *Gateway) drain() {
	for {
		select {
		case t := <-g.queue:
			t.result <- taskResult{err: ErrGatewayClosed}
		default:
			return
		}
	}
}

// waitForBudget blocks until the shared cross-process budget admits one call.
func (g *Gateway) waitForBudget(ctx context.Context) error {
	for {
		allowed, waitTime := g.budget.TryConsume(ctx, 1)
		if allowed {
			return nil
		}
		if waitTime <= 0 {
			waitTime = g.spacing
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// Spacing returns the enforced minimum gap between issued calls.
func (g *Gateway) Spacing() time.Duration {
	return g.spacing
}

// Close stops accepting work and waits for the dispatcher to exit. Units
// still queued when Close is called fail with ErrGatewayClosed.
func (g *Gateway) Close() {
	g.once.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}
