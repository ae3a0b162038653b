package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"follow-export/server/internal/logbook"
	"follow-export/server/internal/metrics"
	"follow-export/server/internal/model"
	"follow-export/server/internal/userstore"
)

// DefaultSoftLimit 是存储未就绪时缓冲条数的告警阈值。
const DefaultSoftLimit = 100

type Options struct {
	// SoftLimit 超过后每次入队都报告告警，但继续缓冲，永不丢数据。
	SoftLimit int
	// CommitTimeout 限制后台单次提交的时长，0 表示不限制。
	CommitTimeout time.Duration
}

type pendingEntry struct {
	token uint64
	entry model.RawEntry
}

// Buffer 是存储前面的内存缓冲区，吸收“存储异步初始化尚未完成”的竞态并按批提交。
//
// 职责与契约：
// - Enqueue 非阻塞、发后即忘：无论存储是否就绪都先进缓冲。
// - 存储从未就绪变为就绪（一次性）时，若缓冲非空则触发一次隐式提交。
// - 一次提交把当前缓冲快照放进一个事务；成功后只移除本次提交的条目，
//   提交期间新入队的条目保留；失败则缓冲原样保留，等待下一次入队或就绪事件。
// - 提交由单个后台协程串行执行，多次入队可以合并成一次提交。
type Buffer struct {
	log           *logbook.Logbook
	softLimit     int
	commitTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	// commitMu 保证同一时刻只有一个提交在跑
	commitMu sync.Mutex

	mu        sync.Mutex
	store     userstore.Store
	ready     chan struct{}
	pending   []pendingEntry
	nextToken uint64

	// 统计信息
	enqueued      int64
	rejected      int64
	committed     int64
	failedCommits int64
}

func NewBuffer(log *logbook.Logbook, opt Options) *Buffer {
	if log == nil {
		log = logbook.New(nil)
	}
	if opt.SoftLimit <= 0 {
		opt.SoftLimit = DefaultSoftLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		log:           log,
		softLimit:     opt.SoftLimit,
		commitTimeout: opt.CommitTimeout,
		ctx:           ctx,
		cancel:        cancel,
		kick:          make(chan struct{}, 1),
		ready:         make(chan struct{}),
	}

	b.wg.Add(1)
	go b.commitLoop()
	return b
}

// Enqueue 把条目加入缓冲（按到达顺序）。存储就绪时唤醒提交协程。
// 没有 rest_id 的条目永远无法提交，丢弃并记录。
func (b *Buffer) Enqueue(entries []model.RawEntry) {
	var dropped []string
	accepted := 0
	b.mu.Lock()
	for _, e := range entries {
		if e.RestID == "" {
			dropped = append(dropped, e.EntryID)
			continue
		}
		b.nextToken++
		b.pending = append(b.pending, pendingEntry{token: b.nextToken, entry: e})
		accepted++
	}
	b.enqueued += int64(accepted)
	b.rejected += int64(len(dropped))
	size := len(b.pending)
	isReady := b.store != nil
	b.mu.Unlock()

	for _, id := range dropped {
		b.log.Error("Dropped user without rest_id.", zap.String("entry_id", id))
	}

	metrics.BufferPending.Set(float64(size))

	if !isReady {
		b.log.Info(fmt.Sprintf("Added %d users to buffer", accepted))
		if size > b.softLimit {
			metrics.BufferOverflow.Inc()
			b.log.Warn("The database is not initialized.")
			b.log.Warn(fmt.Sprintf("Maximum buffer size exceeded. Current: %d", size), zap.Int("soft_limit", b.softLimit))
		}
		return
	}
	b.trigger()
}

func (b *Buffer) trigger() {
	select {
	case b.kick <- struct{}{}:
	default:
		// 已有待处理的唤醒，本次合并进去
	}
}

// Attach 完成一次性的 未就绪->就绪 转换。重复调用返回 false 且不替换已有存储。
func (b *Buffer) Attach(store userstore.Store) bool {
	b.mu.Lock()
	if b.store != nil {
		b.mu.Unlock()
		return false
	}
	b.store = store
	close(b.ready)
	size := len(b.pending)
	b.mu.Unlock()

	b.log.Info("New connection to store opened.")
	if size > 0 {
		b.trigger()
	}
	return true
}

// OpenAsync 在后台打开存储，成功后 Attach。打开失败只记录错误，缓冲继续工作。
func (b *Buffer) OpenAsync(open userstore.Opener) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		store, err := open(b.ctx)
		if err != nil {
			b.log.Error("Failed to open database.", zap.Error(err))
			return
		}
		if !b.Attach(store) {
			_ = store.Close()
		}
	}()
}

// Ready 在存储就绪时关闭。
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

func (b *Buffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store != nil
}

// Pending 返回尚未确认提交的条目数。
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Commit 同步提交当前缓冲快照。存储未就绪返回 model.ErrStoreUnavailable，
// 事务失败返回 model.ErrStoreWrite，两种情况下缓冲都保持不变。
func (b *Buffer) Commit(ctx context.Context) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	b.mu.Lock()
	store := b.store
	snapshot := make([]pendingEntry, len(b.pending))
	copy(snapshot, b.pending)
	b.mu.Unlock()

	if store == nil {
		return model.ErrStoreUnavailable
	}
	if len(snapshot) == 0 {
		return nil
	}

	users := make([]model.PersistedUser, len(snapshot))
	for i, p := range snapshot {
		users[i] = p.entry.ToPersisted()
	}

	if err := store.Upsert(ctx, users); err != nil {
		b.mu.Lock()
		b.failedCommits++
		b.mu.Unlock()
		metrics.CommitFailures.Inc()
		b.log.Error(fmt.Sprintf("Failed to add %d users to database.", len(users)), zap.Error(err))
		return fmt.Errorf("%w: %w", model.ErrStoreWrite, err)
	}

	b.mu.Lock()
	b.removeCommitted(snapshot)
	b.committed += int64(len(snapshot))
	size := len(b.pending)
	b.mu.Unlock()

	metrics.CommittedEntries.Add(float64(len(snapshot)))
	metrics.BufferPending.Set(float64(size))
	b.log.Info(fmt.Sprintf("Added %d users to database.", len(users)))
	return nil
}

// removeCommitted 只移除快照中的条目；调用方持有 b.mu。
func (b *Buffer) removeCommitted(snapshot []pendingEntry) {
	done := make(map[uint64]struct{}, len(snapshot))
	for _, p := range snapshot {
		done[p.token] = struct{}{}
	}
	kept := b.pending[:0]
	for _, p := range b.pending {
		if _, ok := done[p.token]; !ok {
			kept = append(kept, p)
		}
	}
	b.pending = kept
}

// LookupByHandle 通过二级索引查询。存储未就绪或查询失败时返回 nil 并记录，不向调用方抛错。
func (b *Buffer) LookupByHandle(ctx context.Context, handle string) *model.PersistedUser {
	b.mu.Lock()
	store := b.store
	b.mu.Unlock()

	if store == nil {
		b.log.Warn("The database is not initialized.", zap.String("handle", handle))
		return nil
	}
	user, err := store.LookupByHandle(ctx, handle)
	if err != nil {
		b.log.Error(fmt.Sprintf("Failed to query user %s from database.", handle), zap.Error(err))
		return nil
	}
	return user
}

// commitLoop 串行处理提交唤醒（单协程）。
func (b *Buffer) commitLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.kick:
			b.commitOnce()
		}
	}
}

func (b *Buffer) commitOnce() {
	// 与 Close 竞争的唤醒交给最后一次同步提交处理
	if b.ctx.Err() != nil {
		return
	}
	ctx := b.ctx
	if b.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.commitTimeout)
		defer cancel()
	}
	_ = b.Commit(ctx)
}

// Close 停止后台协程，做最后一次提交后关闭存储。
func (b *Buffer) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	store := b.store
	b.mu.Unlock()
	if store == nil {
		if n := b.Pending(); n > 0 {
			b.log.Warn(fmt.Sprintf("Closing with %d uncommitted users; store never became ready.", n))
		}
		return nil
	}

	var flushErr error
	if b.Pending() > 0 {
		flushErr = b.Commit(context.Background())
	}
	if err := store.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// GetStats 获取缓冲区统计信息
func (b *Buffer) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"ready":          b.store != nil,
		"pending":        len(b.pending),
		"soft_limit":     b.softLimit,
		"enqueued":       b.enqueued,
		"rejected":       b.rejected,
		"committed":      b.committed,
		"failed_commits": b.failedCommits,
	}
}
