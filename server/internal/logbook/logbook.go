package logbook

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level 区分两条用户可见日志：info 与 error。
// warning 归入 error 日志（与错误面板同一出口），但 zap 侧按 warn 级别输出。
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Line 是一条用户可见日志。
type Line struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

const subscriberBuffer = 64

// Logbook 维护两条只追加的日志，并同步镜像到 zap 与在线订阅者（屏幕展示）。
// 已知限制：日志无上限增长。
type Logbook struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	info   []Line
	errs   []Line
	subs   map[int]chan Line
	nextID int
}

func New(logger *zap.Logger) *Logbook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logbook{
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]chan Line),
	}
}

// Logger 返回底层 zap logger，供只需要控制台输出的组件使用。
func (b *Logbook) Logger() *zap.Logger {
	return b.logger
}

func (b *Logbook) Info(text string, fields ...zap.Field) {
	b.logger.Info(text, fields...)
	b.append(LevelInfo, text)
}

func (b *Logbook) Warn(text string, fields ...zap.Field) {
	b.logger.Warn(text, fields...)
	b.append(LevelError, text)
}

func (b *Logbook) Error(text string, fields ...zap.Field) {
	b.logger.Error(text, fields...)
	b.append(LevelError, text)
}

// Debug 只写控制台，不进入用户可见日志。
func (b *Logbook) Debug(text string, fields ...zap.Field) {
	b.logger.Debug(text, fields...)
}

func (b *Logbook) append(level Level, text string) {
	line := Line{Level: level, Text: text, At: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if level == LevelInfo {
		b.info = append(b.info, line)
	} else {
		b.errs = append(b.errs, line)
	}
	for _, ch := range b.subs {
		// 慢订阅者直接丢行，不能反压日志写入方。
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines 返回某一条日志的副本。
func (b *Logbook) Lines(level Level) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.info
	if level == LevelError {
		src = b.errs
	}
	out := make([]Line, len(src))
	copy(out, src)
	return out
}

// Subscribe 注册一个在线订阅者，返回新日志行的通道与取消函数。
func (b *Logbook) Subscribe() (<-chan Line, func()) {
	_, ch, cancel := b.subscribe(false)
	return ch, cancel
}

// Replay 与 Subscribe 相同，但在同一把锁内同时返回已有的全部日志（先 info 后 error），
// 回放与后续推送之间不重不漏。
func (b *Logbook) Replay() ([]Line, <-chan Line, func()) {
	return b.subscribe(true)
}

func (b *Logbook) subscribe(withBacklog bool) ([]Line, <-chan Line, func()) {
	ch := make(chan Line, subscriberBuffer)

	b.mu.Lock()
	var backlog []Line
	if withBacklog {
		backlog = make([]Line, 0, len(b.info)+len(b.errs))
		backlog = append(backlog, b.info...)
		backlog = append(backlog, b.errs...)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return backlog, ch, cancel
}
