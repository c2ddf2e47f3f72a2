package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/lox/cryptoroulette/internal/room"
)

// Connection represents a WebSocket connection watching one room
type Connection struct {
	conn      *websocket.Conn
	send      chan *protocol.Message
	userID    string
	ip        string
	rooms     *room.Manager
	guard     *guard.Guard
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	id        string
	closeOnce sync.Once
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, logger *log.Logger, rooms *room.Manager, g *guard.Guard, userID, ip string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:   conn,
		send:   make(chan *protocol.Message, 256),
		userID: userID,
		ip:     ip,
		rooms:  rooms,
		guard:  g,
		logger: logger.WithPrefix("conn"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins handling the connection once it has joined a room
func (c *Connection) Start(connID string) {
	c.mu.Lock()
	c.id = connID
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// ID returns the room connection id
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Close stops both pumps. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Send queues a message for the client without blocking. A full buffer closes
// the connection.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("Connection send buffer full, closing connection", "user", c.userID)
		_ = c.Close()
		return ErrConnectionClosed
	}
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var (
	ErrConnectionClosed = websocket.ErrCloseSent
)

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer c.rooms.Leave(c.ID())

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}

		msg, err := protocol.Parse(frame)
		if err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // Unblocks readPump
	}()

	for {
		select {
		case message := <-c.send:
			frame, err := message.Encode()
			if err != nil {
				c.logger.Error("Failed to encode message", "type", message.Type, "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes whatever was queued before the connection closed
func (c *Connection) drain() {
	for {
		select {
		case message := <-c.send:
			frame, err := message.Encode()
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *protocol.Message) {
	c.logger.Debug("Received message", "type", msg.Type, "user", c.userID)

	if err := c.guard.Admit(c.userID, c.ip, guard.ActionWSMessage); err != nil {
		c.sendFailure(protocol.TypeError, err)
		return
	}

	id := c.ID()
	switch msg.Type {
	case protocol.TypePlaceLiveBet:
		var data protocol.PlaceLiveBet
		if err := msg.Decode(&data); err != nil {
			c.sendError(protocol.CodeInvalidMessage, "Failed to parse bet data")
			return
		}
		// Failures reach the client as bet_error from the room.
		_, _ = c.rooms.PlaceLiveBet(c.ctx, id, data.BetData)

	case protocol.TypeChatMessage:
		var data protocol.ChatIn
		if err := msg.Decode(&data); err != nil {
			c.sendError(protocol.CodeInvalidMessage, "Failed to parse chat message")
			return
		}
		if err := c.rooms.Chat(id, data.Message); err != nil {
			if errors.Is(err, room.ErrInvalidChat) {
				c.sendError(protocol.CodeChatRejected, err.Error())
				return
			}
			c.sendFailure(protocol.TypeError, err)
		}

	case protocol.TypeRequestRoomStats:
		if err := c.rooms.SendStats(id); err != nil {
			c.sendFailure(protocol.TypeError, err)
		}

	case protocol.TypeRequestGameHistory:
		var data protocol.RequestGameHistory
		if err := msg.Decode(&data); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
			c.sendError(protocol.CodeInvalidMessage, "Failed to parse history request")
			return
		}
		if err := c.rooms.SendHistory(c.ctx, id, data.Limit); err != nil {
			c.sendFailure(protocol.TypeError, err)
		}

	case protocol.TypePing:
		_ = c.rooms.Pong(id)

	default:
		c.sendError(protocol.CodeInvalidMessage, "Unknown message type: "+string(msg.Type))
	}
}

// sendError sends an error message to the client
func (c *Connection) sendError(code, message string) {
	errorMsg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorData{
		Code:    code,
		Message: message,
	}, time.Now())
	if err != nil {
		c.logger.Error("Failed to create error message", "error", err)
		return
	}

	_ = c.Send(errorMsg) // Ignore send errors during error handling
}

func (c *Connection) sendFailure(t protocol.MessageType, failure error) {
	msg, err := protocol.NewMessage(t, protocol.ErrorFrom(failure), time.Now())
	if err != nil {
		c.logger.Error("Failed to create error message", "error", err)
		return
	}
	_ = c.Send(msg)
}
