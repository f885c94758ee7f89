package chat

import (
	"sync"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/observability"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // 1000 characters of up to 4 bytes plus JSON framing.
	sendBufferSize = 256
)

// Client is a middleman between one authenticated websocket connection and
// the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity
	log      *zap.Logger

	mu sync.Mutex
	// While joining, broadcasts are held back until the history is queued.
	joining bool
	held    [][]byte
}

// newClient sizes the send queue so that history plus a full live backlog
// always fits. A positive history puts the client in joining mode.
func newClient(hub *Hub, conn *websocket.Conn, id auth.Identity, history int, log *zap.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize+history),
		identity: id,
		log:      log.With(zap.String("account_id", id.AccountID), zap.String("username", id.Username)),
		joining:  history > 0,
	}
}

func (c *Client) Identity() auth.Identity { return c.identity }

// enqueue never blocks; false means the client cannot keep up.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining {
		if len(c.held) >= sendBufferSize {
			return false
		}
		c.held = append(c.held, payload)
		return true
	}
	return c.push(payload)
}

func (c *Client) push(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// finishJoin queues history, then the held broadcasts minus those whose id
// is already in the history. The caller must keep the client in the hub
// for the duration.
func (c *Client) finishJoin(history [][]byte, seen map[string]struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.held
	c.joining, c.held = false, nil
	for _, payload := range history {
		if !c.push(payload) {
			return false
		}
	}
	for _, payload := range held {
		if _, dup := seen[summaryID(payload)]; dup {
			continue
		}
		if !c.push(payload) {
			return false
		}
	}
	return true
}

// readPump pumps frames from the websocket connection to the hub. Invalid
// frames are dropped; the connection stays open.
func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		msg, err := parseCreateMessage(frame)
		if err != nil {
			c.log.Info("dropping invalid message", zap.Error(err))
			observability.ChatFramesDropped.WithLabelValues("invalid").Inc()
			if c.hub.errorFrames {
				c.hub.sendError(c, "invalid message: content must be 1 to 1000 characters")
			}
			continue
		}

		// PIPELINE: Browser -> readPump -> Hub.Run -> Store -> Relay -> Hub.Broadcast
		if !c.hub.Submit(IncomingMessage{Client: c, Author: c.identity, Content: msg.Content}) {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection, one
// JSON document per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
