package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"follow-export/server/internal/model"
	"follow-export/server/internal/timeline"
)

// ErrNotCapturing 表示会话尚未开始采集，观测被拒绝。
var ErrNotCapturing = errors.New("capture not started")

func NewID() string {
	return uuid.NewString()
}

// Session 是一个采集会话的上下文：当前目标、采集开关和 序号<->handle 映射。
// 每个活跃目标一个实例，切换目标或关闭时重置。
type Session struct {
	ID        string
	CreatedAt time.Time
	Roster    *timeline.Accumulator

	mu        sync.RWMutex
	loc       Location
	capturing bool
}

// Status 是会话对外展示的状态。
type Status struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	ListType   string    `json:"list_type"`
	IsList     bool      `json:"is_list"`
	Capturing  bool      `json:"capturing"`
	SavedCount int       `json:"saved_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// New 从页面路径创建会话，路径不可采集时返回 ErrUnsupportedLocation。
func New(path string, now time.Time) (*Session, error) {
	loc, err := ParseLocation(path)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        NewID(),
		CreatedAt: now,
		Roster:    timeline.NewAccumulator(),
		loc:       loc,
	}, nil
}

// Navigate 切换到新路径。目标或列表类型变化时清空映射并停止采集，返回 true。
func (s *Session) Navigate(path string) (bool, error) {
	loc, err := ParseLocation(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loc == s.loc {
		return false, nil
	}
	s.loc = loc
	s.capturing = false
	s.Roster.Reset()
	return true, nil
}

func (s *Session) Start() {
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
}

// Dismiss 停止观测并清空映射。
func (s *Session) Dismiss() {
	s.mu.Lock()
	s.capturing = false
	s.Roster.Reset()
	s.mu.Unlock()
}

// Observe 在会话锁内检查采集开关并记录一轮 handle，返回标记与新分配的个数。
// 与 Navigate/Dismiss 互斥：一轮观测要么整体落在重置之前，要么整体被拒。
func (s *Session) Observe(handles []string) ([]model.Mark, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.capturing {
		return nil, 0, ErrNotCapturing
	}
	marks := make([]model.Mark, 0, len(handles))
	added := 0
	for _, h := range handles {
		entry, isNew := s.Roster.Observe(h)
		if isNew {
			added++
		}
		marks = append(marks, model.Mark{Handle: entry.Handle, Seq: entry.Seq, New: isNew})
	}
	return marks, added, nil
}

func (s *Session) Capturing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capturing
}

func (s *Session) Location() Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		ID:         s.ID,
		Target:     s.loc.Target,
		ListType:   s.loc.ListType,
		IsList:     s.loc.IsList,
		Capturing:  s.capturing,
		SavedCount: s.Roster.Count(),
		CreatedAt:  s.CreatedAt,
	}
}
