// Package socket owns the realtime connection used by attendance clients.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/protocol"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 65536
)

// Socket is the event-oriented connection shared by the manager and bindings.
type Socket interface {
	On(event string, fn Handler) ListenerID
	Once(event string, fn Handler) ListenerID
	Off(id ListenerID)
	Emit(event string, payload interface{}) error
	Connected() bool
	Close() error
}

// Options configures a websocket connection.
type Options struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

// DefaultOptions returns the reconnection policy used by attendance clients.
func DefaultOptions(url string) Options {
	return Options{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
	}
}

// Conn is a gorilla websocket connection that reconnects with bounded backoff
// and dispatches the {event, data} envelopes it reads to registered listeners.
type Conn struct {
	opts      Options
	logger    *zap.Logger
	listeners Listeners

	mu  sync.RWMutex
	ws  *websocket.Conn
	out chan protocol.Envelope

	connected atomic.Bool
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewConn creates an unstarted connection. Register listeners, then call Start.
func NewConn(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = opts.ReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the connect loop in the background. Calling it again has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
}

// On registers fn for event.
func (c *Conn) On(event string, fn Handler) ListenerID {
	return c.listeners.Add(event, fn, false)
}

// Once registers fn for the next occurrence of event.
func (c *Conn) Once(event string, fn Handler) ListenerID {
	return c.listeners.Add(event, fn, true)
}

// Off removes a single listener.
func (c *Conn) Off(id ListenerID) {
	c.listeners.Remove(id)
}

// Connected reports whether the websocket is currently open.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Emit queues one event for the writer. It never blocks and never retries.
func (c *Conn) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.out == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.out <- protocol.Envelope{Event: event, Data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops reconnecting, closes the websocket and waits for the connect loop to exit.
// It must not be called from a listener.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.RLock()
		ws := c.ws
		c.mu.RUnlock()
		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
				time.Now().Add(writeWait))
			_ = ws.Close()
		}
		if c.started.Load() {
			<-c.done
		}
	})
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	failures := 0
	delay := c.opts.ReconnectDelay
	for {
		if c.ctx.Err() != nil {
			return
		}
		ws, _, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.dispatchJSON(protocol.EventConnectError, map[string]string{"message": err.Error()})
			failures++
			if failures > c.opts.ReconnectAttempts {
				c.logger.Warn("socket reconnection attempts exhausted",
					zap.String("url", c.opts.URL), zap.Int("attempts", c.opts.ReconnectAttempts), zap.Error(err))
				return
			}
			if !c.sleep(delay) {
				return
			}
			delay *= 2
			if delay > c.opts.ReconnectDelayMax {
				delay = c.opts.ReconnectDelayMax
			}
			continue
		}

		failures = 0
		delay = c.opts.ReconnectDelay
		reason := c.serve(ws)
		c.dispatchJSON(protocol.EventDisconnect, reason)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("socket disconnected, reconnecting", zap.String("reason", reason))
		if !c.sleep(delay) {
			return
		}
	}
}

// serve runs one websocket session until the read side fails and returns the disconnect reason.
func (c *Conn) serve(ws *websocket.Conn) string {
	out := make(chan protocol.Envelope, sendBuffer)
	stop := make(chan struct{})
	writeDone := make(chan struct{})

	c.mu.Lock()
	c.ws = ws
	c.out = out
	c.mu.Unlock()
	c.connected.Store(true)

	go c.writePump(ws, out, stop, writeDone)
	go func() {
		select {
		case <-c.ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()
	c.logger.Info("socket connected", zap.String("url", c.opts.URL))
	c.listeners.Dispatch(protocol.EventConnect, nil)

	reason := c.readPump(ws)

	c.connected.Store(false)
	c.mu.Lock()
	c.ws = nil
	c.out = nil
	c.mu.Unlock()
	close(stop)
	<-writeDone
	_ = ws.Close()
	return reason
}

func (c *Conn) readPump(ws *websocket.Conn) string {
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var msg protocol.Envelope
		if err := ws.ReadJSON(&msg); err != nil {
			if c.ctx.Err() != nil {
				return "io client disconnect"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "io server disconnect"
			}
			return "transport close"
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Event == "" {
			continue
		}
		c.listeners.Dispatch(msg.Event, msg.Data)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, out <-chan protocol.Envelope, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case msg := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				c.logger.Debug("socket write failed", zap.String("event", msg.Event), zap.Error(err))
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Conn) dispatchJSON(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		data = nil
	}
	c.listeners.Dispatch(event, data)
}

func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
