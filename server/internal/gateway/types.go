package gateway

import (
	"time"

	"follow-export/server/internal/logbook"
	"follow-export/server/internal/model"
)

// EventType 定义了网关处理的事件类型
type EventType string

const (
	// 客户端上行
	EventTypeObserve EventType = "observe" // 一轮可见行的 handle

	// 服务端下行
	EventTypeMarks EventType = "marks" // 每个 handle 的序号标记
	EventTypeLog   EventType = "log"   // 日志行
	EventTypeError EventType = "error"
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type     EventType `json:"type"`
	EventID  string    `json:"event_id,omitempty"` // 回执关联
	Handles  []string  `json:"handles,omitempty"`
	ClientTS time.Time `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type       EventType     `json:"type"`
	Seq        int64         `json:"seq,omitempty"`      // 连接内消息序号
	EventID    string        `json:"event_id,omitempty"` // 对应的客户端消息
	Marks      []model.Mark  `json:"marks,omitempty"`
	SavedCount int           `json:"saved_count,omitempty"`
	Line       *logbook.Line `json:"line,omitempty"`
	ServerTS   time.Time     `json:"server_ts"`
	Error      string        `json:"error,omitempty"`
}
