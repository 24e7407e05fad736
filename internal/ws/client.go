package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/sync"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the wire frame for both directions: an event name plus a JSON
// payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Client is one websocket connection. It implements sync.Conn: Send buffers
// and drops rather than stall a tenant broadcast on a slow reader.
type Client struct {
	id     string
	engine *sync.Engine
	conn   *websocket.Conn
	send   chan outEnvelope
	done   chan struct{}
}

func (c *Client) ID() string { return c.id }

// Send may be called by tenant broadcasts after the connection is gone; the
// done channel keeps that from blocking or panicking.
func (c *Client) Send(event string, payload interface{}) {
	select {
	case <-c.done:
	case c.send <- outEnvelope{Event: event, Data: payload}:
	default:
		logger.Log.Warn("Send buffer full, dropping event",
			zap.String("connID", c.id),
			zap.String("event", event),
		)
	}
}

// ServeWS upgrades the request and starts the connection's read and write
// pumps.
func ServeWS(engine *sync.Engine, sendBuffer int, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	client := &Client{
		id:     uuid.New().String(),
		engine: engine,
		conn:   conn,
		send:   make(chan outEnvelope, sendBuffer),
		done:   make(chan struct{}),
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.engine.Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("Websocket read error", zap.String("connID", c.id), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Send("error", map[string]string{"reason": "malformed frame"})
			continue
		}

		c.dispatch(env)
	}
}

// Commands run to completion independent of the socket lifetime: a client
// that disconnects mid-update still gets its durable effect applied, only
// the acknowledgment is lost. Hence a background context, not one tied to
// the connection.
func (c *Client) dispatch(env Envelope) {
	ctx := context.Background()

	var err error
	switch env.Event {
	case sync.CmdJoinTenant:
		var cmd sync.JoinTenantCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.JoinTenant(ctx, c, cmd)
		}
	case sync.CmdJoinLocation:
		var cmd sync.JoinLocationCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.JoinLocation(ctx, c, cmd)
		}
	case sync.CmdInventoryUpdate:
		var cmd sync.InventoryUpdateCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.InventoryUpdate(ctx, c, cmd)
		}
	case sync.CmdSyncOfflineQueue:
		var cmd sync.SyncOfflineQueueCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.SyncOfflineQueue(ctx, c, cmd)
		}
	case sync.CmdResolveConflict:
		var cmd sync.ResolveConflictCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.ResolveConflict(ctx, c, cmd)
		}
	case sync.CmdNetworkStatus:
		var cmd sync.NetworkStatusCmd
		if err = json.Unmarshal(env.Data, &cmd); err == nil {
			err = c.engine.NetworkStatus(ctx, c, cmd)
		}
	default:
		c.Send("error", map[string]string{"reason": "unknown command: " + env.Event})
		return
	}

	if err != nil {
		c.Send("error", map[string]string{
			"command": env.Event,
			"reason":  err.Error(),
		})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
