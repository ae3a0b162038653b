package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"follow-export/server/internal/metrics"
)

var (
	ErrQueueFull   = errors.New("observation queue full")
	ErrQueueClosed = errors.New("observation queue closed")
)

// ObservationHandler 处理一轮观测。返回 error 只被记录，队列继续运行。
type ObservationHandler func(ctx context.Context, msg *ClientMessage) error

// ObservationQueue 为单条观测连接串行处理上报。
//
// 同一连接上的多轮观测按到达顺序进入 Accumulator，序号分配与页面滚动顺序一致；
// 读循环只负责入队，不被慢处理阻塞。
type ObservationQueue struct {
	handler ObservationHandler
	pending chan *pendingObservation
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats QueueStats
}

// QueueStats 是队列计数快照
type QueueStats struct {
	Accepted  int64 `json:"accepted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

type pendingObservation struct {
	msg      *ClientMessage
	queuedAt time.Time
	// done 非空时回传处理结果
	done chan error
}

const (
	// 超过容量的上报被拒绝，客户端收到错误后可在下一轮重新上报
	defaultQueueCapacity = 100
	defaultHandleTimeout = 10 * time.Second
	slowHandleThreshold  = 2 * time.Second
)

func NewObservationQueue(handler ObservationHandler, logger *zap.Logger) *ObservationQueue {
	return newObservationQueue(handler, logger, defaultQueueCapacity, defaultHandleTimeout)
}

func newObservationQueue(handler ObservationHandler, logger *zap.Logger, capacity int, timeout time.Duration) *ObservationQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &ObservationQueue{
		handler: handler,
		pending: make(chan *pendingObservation, capacity),
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.stats.Capacity = capacity

	q.wg.Add(1)
	go q.run()
	return q
}

// Submit 非阻塞入队；队列满返回 ErrQueueFull。
func (q *ObservationQueue) Submit(msg *ClientMessage) error {
	return q.push(&pendingObservation{msg: msg, queuedAt: time.Now()})
}

// SubmitWait 入队并等待这一轮处理完成，返回处理结果。
func (q *ObservationQueue) SubmitWait(ctx context.Context, msg *ClientMessage) error {
	p := &pendingObservation{msg: msg, queuedAt: time.Now(), done: make(chan error, 1)}
	if err := q.push(p); err != nil {
		return err
	}
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *ObservationQueue) push(p *pendingObservation) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	select {
	case q.pending <- p:
		q.mu.Lock()
		q.stats.Accepted++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.stats.Rejected++
		q.mu.Unlock()
		metrics.RejectedObservations.Inc()
		q.logger.Warn("observation queue full, rejecting", zap.String("event_id", p.msg.EventID), zap.Int("handles", len(p.msg.Handles)))
		return ErrQueueFull
	}
}

func (q *ObservationQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case p := <-q.pending:
			q.handle(p)
		}
	}
}

func (q *ObservationQueue) handle(p *pendingObservation) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	err := q.handler(ctx, p.msg)
	cancel()

	elapsed := time.Since(start)
	fields := []zap.Field{
		zap.String("event_id", p.msg.EventID),
		zap.Int("handles", len(p.msg.Handles)),
		zap.Duration("queue_latency", start.Sub(p.queuedAt)),
		zap.Duration("elapsed", elapsed),
	}

	q.mu.Lock()
	q.stats.Processed++
	if err != nil {
		q.stats.Failed++
	}
	q.mu.Unlock()

	switch {
	case err != nil:
		q.logger.Warn("observation failed", append(fields, zap.Error(err))...)
	case elapsed > slowHandleThreshold:
		q.logger.Warn("slow observation", fields...)
	default:
		q.logger.Debug("observation handled", fields...)
	}

	if p.done != nil {
		p.done <- err
	}
}

// Close 停止处理；尚未处理的上报被丢弃。可重复调用。
func (q *ObservationQueue) Close() error {
	q.cancel()
	q.wg.Wait()

	stats := q.Stats()
	q.logger.Debug("observation queue closed",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("processed", stats.Processed),
		zap.Int64("rejected", stats.Rejected),
		zap.Int("dropped", stats.Pending),
	)
	return nil
}

func (q *ObservationQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Pending = len(q.pending)
	return s
}
