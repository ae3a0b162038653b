package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"follow-export/server/internal/logbook"
	"follow-export/server/internal/model"
)

func dialWS(t *testing.T, handler http.HandlerFunc) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })
	return clientConn
}

func readServerMessage(t *testing.T, c *websocket.Conn) ServerMessage {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read server message: %v", err)
	}
	return msg
}

// fakeRoster 模拟会话的去重序号分配
type fakeRoster struct {
	mu  sync.Mutex
	seq map[string]int
}

func (r *fakeRoster) observe(_ context.Context, handles []string) ([]model.Mark, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handles == nil {
		return nil, 0, errors.New("capture not started")
	}
	var marks []model.Mark
	for _, h := range handles {
		seq, ok := r.seq[h]
		if !ok {
			seq = len(r.seq) + 1
			r.seq[h] = seq
		}
		marks = append(marks, model.Mark{Handle: h, Seq: seq, New: !ok})
	}
	return marks, len(r.seq), nil
}

func TestObservationStream_MarksInOrder(t *testing.T) {
	roster := &fakeRoster{seq: make(map[string]int)}
	upgrader := websocket.Upgrader{}

	clientConn := dialWS(t, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewObservationStream("s1", ws, roster.observe, StreamConfig{}, nil).Run(r.Context())
	})

	for i, handles := range [][]string{{"x", "y"}, {"x", "z"}} {
		msg := ClientMessage{Type: EventTypeObserve, EventID: string(rune('a' + i)), Handles: handles}
		if err := clientConn.WriteJSON(msg); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	first := readServerMessage(t, clientConn)
	if first.Type != EventTypeMarks || first.EventID != "a" || len(first.Marks) != 2 {
		t.Fatalf("Unexpected first reply: %+v", first)
	}

	second := readServerMessage(t, clientConn)
	if second.EventID != "b" || second.SavedCount != 3 {
		t.Fatalf("Unexpected second reply: %+v", second)
	}
	if second.Marks[0].Seq != 1 || second.Marks[0].New {
		t.Errorf("Recycled x should keep seq 1, got %+v", second.Marks[0])
	}
	if second.Marks[1].Seq != 3 || !second.Marks[1].New {
		t.Errorf("z should be assigned 3, got %+v", second.Marks[1])
	}
	if second.Seq <= first.Seq {
		t.Errorf("Server message seq should increase: %d then %d", first.Seq, second.Seq)
	}
}

func TestObservationStream_ErrorsKeepConnection(t *testing.T) {
	roster := &fakeRoster{seq: make(map[string]int)}
	upgrader := websocket.Upgrader{}

	clientConn := dialWS(t, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewObservationStream("s1", ws, roster.observe, StreamConfig{}, nil).Run(r.Context())
	})

	// 非法 JSON
	if err := clientConn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if msg := readServerMessage(t, clientConn); msg.Type != EventTypeError {
		t.Fatalf("Expected error for invalid JSON, got %+v", msg)
	}

	// 不支持的类型
	_ = clientConn.WriteJSON(ClientMessage{Type: "quiz_answer", EventID: "q"})
	if msg := readServerMessage(t, clientConn); msg.Type != EventTypeError || msg.EventID != "q" {
		t.Fatalf("Expected error for unsupported type, got %+v", msg)
	}

	// 处理失败
	_ = clientConn.WriteJSON(ClientMessage{Type: EventTypeObserve, EventID: "nil"})
	if msg := readServerMessage(t, clientConn); msg.Type != EventTypeError || msg.EventID != "nil" {
		t.Fatalf("Expected handler error, got %+v", msg)
	}

	// 连接仍然可用
	_ = clientConn.WriteJSON(ClientMessage{Type: EventTypeObserve, EventID: "ok", Handles: []string{"x"}})
	if msg := readServerMessage(t, clientConn); msg.Type != EventTypeMarks {
		t.Fatalf("Expected marks after errors, got %+v", msg)
	}
}

func TestLogStream_ReplaysAndFollows(t *testing.T) {
	book := logbook.New(nil)
	book.Info("Script ready.")
	upgrader := websocket.Upgrader{}

	clientConn := dialWS(t, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewLogStream(ws, book, StreamConfig{}).Run(r.Context())
	})

	msg := readServerMessage(t, clientConn)
	if msg.Type != EventTypeLog || msg.Line == nil || msg.Line.Text != "Script ready." {
		t.Fatalf("Expected replayed line, got %+v", msg)
	}

	book.Error("Failed to open database.")
	msg = readServerMessage(t, clientConn)
	if msg.Line == nil || msg.Line.Level != logbook.LevelError {
		t.Fatalf("Expected live error line, got %+v", msg)
	}
}

func TestServerMessage_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(ServerMessage{Type: EventTypeMarks})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "line") || strings.Contains(string(data), "error") {
		t.Errorf("Unexpected fields in %s", data)
	}
}
