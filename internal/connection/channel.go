package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
)

var errSendBufferFull = errors.New("channel send buffer full")

// Channel is the live duplex connection to the messaging backend. It owns
// one read pump and one write pump; frames are queued for writing.
type Channel struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	config config.WebSocketConfig
	logger zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	local     bool // closed by Close rather than by the transport
}

func newChannel(conn *websocket.Conn, cfg config.WebSocketConfig, logger zerolog.Logger) *Channel {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &Channel{
		conn:   conn,
		send:   make(chan []byte, size),
		done:   make(chan struct{}),
		config: cfg,
		logger: logger,
	}
}

// start runs the pumps. onFrame is called from the read pump for every
// text frame; onDrop is called once if the transport fails on its own.
func (c *Channel) start(onFrame func([]byte), onDrop func(*Channel, error)) {
	go c.writePump()
	go c.readPump(onFrame, onDrop)
}

func (c *Channel) readPump(onFrame func([]byte), onDrop func(*Channel, error)) {
	var readErr error
	defer func() {
		c.shutdown(false)
		c.conn.Close()
		if !c.closedLocally() {
			onDrop(c, readErr)
		}
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closedLocally() {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			readErr = err
			return
		}
		onFrame(message)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown(false)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.shutdown(false)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(false)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Write queues a raw frame. It never blocks.
func (c *Channel) Write(raw []byte) error {
	select {
	case <-c.done:
		return domain.ErrNotConnected
	default:
	}

	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return domain.ErrNotConnected
	default:
		return errSendBufferFull
	}
}

// Close tears the channel down without triggering a reconnect.
func (c *Channel) Close() {
	c.shutdown(true)
}

// Done is closed once the channel is no longer usable.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the channel can still carry frames.
func (c *Channel) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Channel) shutdown(local bool) {
	c.mu.Lock()
	if local {
		c.local = true
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) closedLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}
