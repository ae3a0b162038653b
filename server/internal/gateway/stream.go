package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"follow-export/server/internal/logbook"
	"follow-export/server/internal/model"
)

// ObserveFunc 处理一轮观测，返回标记与会话当前已保存数。
type ObserveFunc func(ctx context.Context, handles []string) ([]model.Mark, int, error)

// StreamConfig 连接配置
type StreamConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// conn 封装客户端连接：串行写、定期 ping、一次性关闭。
// ws 只在读循环里无锁使用；写与关闭都在 wsLock 下进行。
type conn struct {
	ws     *websocket.Conn
	wsLock sync.Mutex
	closed bool
	config StreamConfig
	logger *zap.Logger

	closeOnce sync.Once
	closeChan chan struct{}

	// 序列号生成器（用于ServerMessage）
	seqCounter int64
}

func newConn(ws *websocket.Conn, config StreamConfig, logger *zap.Logger) *conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &conn{
		ws:        ws,
		config:    config.withDefaults(),
		logger:    logger,
		closeChan: make(chan struct{}),
	}
}

// send 发送消息给客户端
func (c *conn) send(msg *ServerMessage) error {
	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	c.wsLock.Lock()
	defer c.wsLock.Unlock()

	if c.closed {
		return errors.New("client connection is closed")
	}

	c.seqCounter++
	msg.Seq = c.seqCounter
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (c *conn) sendError(eventID, errMsg string) error {
	return c.send(&ServerMessage{Type: EventTypeError, EventID: eventID, Error: errMsg})
}

// pingLoop 定期发送ping保持连接
func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.wsLock.Lock()
			if !c.closed {
				_ = c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.config.WriteTimeout))
			}
			c.wsLock.Unlock()
		}
	}
}

// close 关闭连接，可重复调用
func (c *conn) close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.wsLock.Lock()
		defer c.wsLock.Unlock()

		// 发送关闭消息
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		closeErr = c.ws.Close()
		c.closed = true
	})

	return closeErr
}

// ObservationStream 是一条会话观测连接。
// 客户端每轮上报可见行的 handle，服务端按到达顺序串行处理并回写标记，
// 页面据此给（可能被复用的）行重新打标。
type ObservationStream struct {
	sessionID string
	conn      *conn
	observe   ObserveFunc
	queue     *ObservationQueue
}

func NewObservationStream(sessionID string, ws *websocket.Conn, observe ObserveFunc, config StreamConfig, logger *zap.Logger) *ObservationStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ObservationStream{
		sessionID: sessionID,
		conn:      newConn(ws, config, logger.With(zap.String("session_id", sessionID))),
		observe:   observe,
	}
	s.queue = NewObservationQueue(s.handleObservation, logger.With(zap.String("session_id", sessionID)))
	return s
}

// Run 阻塞直到客户端断开或 ctx 取消。
func (s *ObservationStream) Run(ctx context.Context) {
	defer s.Close()

	go s.conn.pingLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.conn.closeChan:
		}
	}()

	s.readLoop()
}

// readLoop 从客户端读取观测
func (s *ObservationStream) readLoop() {
	for {
		_, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.conn.logger.Debug("client read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.conn.sendError("", "invalid message: "+err.Error())
			continue
		}
		if msg.Type != EventTypeObserve {
			_ = s.conn.sendError(msg.EventID, fmt.Sprintf("unsupported event type %q", msg.Type))
			continue
		}
		if err := s.queue.Submit(&msg); err != nil {
			// 发送错误给客户端，但不断开连接
			_ = s.conn.sendError(msg.EventID, err.Error())
		}
	}
}

func (s *ObservationStream) handleObservation(ctx context.Context, msg *ClientMessage) error {
	marks, saved, err := s.observe(ctx, msg.Handles)
	if err != nil {
		_ = s.conn.sendError(msg.EventID, err.Error())
		return err
	}
	return s.conn.send(&ServerMessage{
		Type:       EventTypeMarks,
		EventID:    msg.EventID,
		Marks:      marks,
		SavedCount: saved,
	})
}

// Close 停止队列并关闭连接
func (s *ObservationStream) Close() error {
	err := s.conn.close()
	_ = s.queue.Close()
	return err
}

// LogStream 把两条日志的新增行推送给客户端（屏幕日志面板）。
type LogStream struct {
	conn *conn
	book *logbook.Logbook
}

func NewLogStream(ws *websocket.Conn, book *logbook.Logbook, config StreamConfig) *LogStream {
	return &LogStream{conn: newConn(ws, config, book.Logger()), book: book}
}

// Run 先回放已有日志，再推送新增行，直到客户端断开或 ctx 取消。
func (s *LogStream) Run(ctx context.Context) {
	defer s.conn.close()

	backlog, lines, cancel := s.book.Replay()
	defer cancel()

	for i := range backlog {
		if err := s.conn.send(&ServerMessage{Type: EventTypeLog, Line: &backlog[i]}); err != nil {
			return
		}
	}

	// 读循环只用于感知断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := s.conn.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go s.conn.pingLoop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := s.conn.send(&ServerMessage{Type: EventTypeLog, Line: &line}); err != nil {
				return
			}
		}
	}
}
