package timeline

import (
	"sort"
	"strings"
	"sync"

	"follow-export/server/internal/model"
)

// Accumulator 维护一次采集会话内 序号 <-> handle 的双射。
//
// 约定：
// - 按逻辑 handle 去重，不按 UI 节点身份：虚拟列表复用节点重复上报同一 handle 不产生任何数据动作。
// - 首次见到的 handle 分配 currentMax+1，序号从 1 开始，单调递增，无空洞、不复用。
// - Reset 清空全部映射与计数（切换目标或显式关闭时调用）。
type Accumulator struct {
	mu       sync.RWMutex
	seq      int
	bySeq    map[int]string
	byHandle map[string]int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		bySeq:    make(map[int]string),
		byHandle: make(map[string]int),
	}
}

// Observe 记录一次 handle 观测。首次见到时分配序号并返回 (entry, true)；
// 已知 handle 返回其已有序号与 false。空 handle 被忽略。
func (a *Accumulator) Observe(handle string) (model.SessionEntry, bool) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return model.SessionEntry{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if seq, ok := a.byHandle[handle]; ok {
		return model.SessionEntry{Seq: seq, Handle: handle}, false
	}

	a.seq++
	a.bySeq[a.seq] = handle
	a.byHandle[handle] = a.seq
	return model.SessionEntry{Seq: a.seq, Handle: handle}, true
}

// SeqOf 返回 handle 已分配的序号。
func (a *Accumulator) SeqOf(handle string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seq, ok := a.byHandle[handle]
	return seq, ok
}

// HandleAt 返回序号对应的 handle。
func (a *Accumulator) HandleAt(seq int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h, ok := a.bySeq[seq]
	return h, ok
}

// Entries 返回按序号升序排列的全部映射（副本）。
func (a *Accumulator) Entries() []model.SessionEntry {
	a.mu.RLock()
	out := make([]model.SessionEntry, 0, len(a.bySeq))
	for seq, h := range a.bySeq {
		out = append(out, model.SessionEntry{Seq: seq, Handle: h})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Count 是本会话已保存的 handle 数。
func (a *Accumulator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byHandle)
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq = 0
	a.bySeq = make(map[int]string)
	a.byHandle = make(map[string]int)
}
