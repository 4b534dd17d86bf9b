package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/pool"
)

// WebSocket is a Transport that connects to a worker process over a
// gorilla/websocket connection, framing the same JSON records as
// Subprocess. The worker need not even be a local process.
type WebSocket struct {
	conn *websocket.Conn

	messages chan Frame
	errCh    chan error
	exit     chan int

	// bufPool holds reusable encode buffers, capped to the connection's
	// sendQueue depth: unlike Subprocess's dynamic (GC-reclaimable) pool, a
	// long-lived socket is worth a hard cap on retained buffers.
	bufPool pool.Pool

	mu         sync.Mutex
	writeMu    sync.Mutex
	terminated bool

	sendQ *sendQueue
}

// DialWebSocket connects to url and begins exchanging frames immediately.
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}

	t := &WebSocket{
		conn:     conn,
		messages: make(chan Frame, 64),
		errCh:    make(chan error, 8),
		exit:     make(chan int, 1),
		bufPool: pool.NewFixed(64, func() interface{} {
			return new(bytes.Buffer)
		}),
	}
	t.sendQ = newSendQueue(1024, t.rawSend)

	go t.readLoop()
	return t, nil
}

func (t *WebSocket) readLoop() {
	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			select {
			case t.errCh <- fmt.Errorf("transport: websocket closed: %w", err):
			default:
			}
			t.exit <- 1
			return
		}
		t.messages <- f
	}
}

func (t *WebSocket) Context() Context       { return ContextWebSocket }
func (t *WebSocket) SupportsTransfer() bool { return false }

func (t *WebSocket) rawSend(f Frame) error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return errs.ErrTerminatedWorker
	}
	t.mu.Unlock()

	buf := t.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer t.bufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (t *WebSocket) Post(f Frame) error {
	return t.rawSend(f)
}

func (t *WebSocket) PostPrioritized(f Frame, priority int) error {
	return t.sendQ.enqueue(f, priority)
}

func (t *WebSocket) Messages() <-chan Frame { return t.messages }
func (t *WebSocket) Errors() <-chan error   { return t.errCh }
func (t *WebSocket) Exit() <-chan int       { return t.exit }

func (t *WebSocket) Terminate(ctx context.Context, force bool) error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return nil
	}
	t.terminated = true
	t.mu.Unlock()

	t.sendQ.stop()

	if force {
		return t.conn.Close()
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	select {
	case <-t.exit:
	case <-ctx.Done():
	}
	return t.conn.Close()
}
