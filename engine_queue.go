package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// engineOp is a unit of work executed against the queue's engine process.
type engineOp func(engine *UCIEngine) (any, error)

type engineRequest struct {
	op         engineOp
	reply      chan engineReply
	enqueuedAt time.Time
}

type engineReply struct {
	value any
	err   error
}

// EngineQueue serializes concurrent callers onto one engine process. Exactly
// one worker goroutine drains the request channel, so the wrapped process
// never sees interleaved commands. A failure inside one request is returned
// to that caller only; the loop keeps going.
type EngineQueue struct {
	engine   *UCIEngine
	requests chan engineRequest
	done     chan struct{}
	closed   sync.Once

	mu        sync.Mutex
	total     int64
	failed    int64
	totalWait time.Duration

	log zerolog.Logger
}

type QueueMetrics struct {
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	AverageWaitMs  float64 `json:"average_wait_ms"`
	QueueDepth     int     `json:"queue_depth"`
}

func NewEngineQueue(engine *UCIEngine, capacity int, log zerolog.Logger) *EngineQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &EngineQueue{
		engine:   engine,
		requests: make(chan engineRequest, capacity),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "engine_queue").Logger(),
	}
	go q.run()
	return q
}

func (q *EngineQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case req := <-q.requests:
			q.execute(req)
		}
	}
}

func (q *EngineQueue) execute(req engineRequest) {
	wait := time.Since(req.enqueuedAt)

	var value any
	var err error
	func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("engine operation panicked: %v", recovered)
			}
		}()
		value, err = req.op(q.engine)
	}()

	q.mu.Lock()
	q.total++
	q.totalWait += wait
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()

	if err != nil {
		q.log.Warn().Err(err).Dur("wait", wait).Msg("queued operation failed")
	}
	req.reply <- engineReply{value: value, err: err}
}

// Enqueue submits one operation and blocks until its result is available, the
// context expires, or the queue shuts down. FIFO order of submission is
// preserved by the request channel.
func (q *EngineQueue) Enqueue(ctx context.Context, op engineOp) (any, error) {
	req := engineRequest{
		op:         op,
		reply:      make(chan engineReply, 1),
		enqueuedAt: time.Now(),
	}
	select {
	case q.requests <- req:
	case <-q.done:
		return nil, fmt.Errorf("%w: queue closed", ErrEngineUnavailable)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	select {
	case reply := <-req.reply:
		return reply.value, reply.err
	case <-ctx.Done():
		// The worker may still be running the operation; the buffered reply
		// channel lets it finish without blocking.
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-q.done:
		select {
		case reply := <-req.reply:
			return reply.value, reply.err
		default:
			return nil, fmt.Errorf("%w: queue closed", ErrEngineUnavailable)
		}
	}
}

// Analyse is the common queued operation: one evaluation on this queue's
// engine process.
func (q *EngineQueue) Analyse(ctx context.Context, fen string, depth, multipv int) ([]EvaluationInfo, error) {
	value, err := q.Enqueue(ctx, func(engine *UCIEngine) (any, error) {
		return engine.Analyse(fen, depth, multipv)
	})
	if err != nil {
		return nil, err
	}
	infos, ok := value.([]EvaluationInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected engine result type %T", value)
	}
	return infos, nil
}

// HealthCheck round-trips a minimal-depth evaluation through the queue.
func (q *EngineQueue) HealthCheck(ctx context.Context) bool {
	_, err := q.Analyse(ctx, startPositionFEN, 1, 1)
	return err == nil
}

func (q *EngineQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	avg := 0.0
	if q.total > 0 {
		avg = float64(q.totalWait.Milliseconds()) / float64(q.total)
	}
	return QueueMetrics{
		TotalRequests:  q.total,
		FailedRequests: q.failed,
		AverageWaitMs:  avg,
		QueueDepth:     len(q.requests),
	}
}

func (q *EngineQueue) Depth() int {
	return len(q.requests)
}

// Close stops the worker. Callers blocked in Enqueue are released with an
// engine-unavailable error.
func (q *EngineQueue) Close() {
	q.closed.Do(func() {
		close(q.done)
	})
}
