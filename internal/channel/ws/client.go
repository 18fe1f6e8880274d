package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/conversation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// ingressPayload is the body of a "message" frame, a user-authored
// message arriving over the wire.
type ingressPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

// ReadPump reads frames from the WebSocket connection: subscribe/
// unsubscribe control frames and inbound "message" frames that are
// dispatched to every registered ingress handler.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("invalid frame", zap.Error(err))
			continue
		}

		switch f.Kind {
		case "subscribe":
			var sub subscriptionPayload
			if err := json.Unmarshal(f.Data, &sub); err != nil {
				continue
			}
			for _, convID := range sub.ConversationIDs {
				c.Subscribe(convID)
			}
		case "unsubscribe":
			var sub subscriptionPayload
			if err := json.Unmarshal(f.Data, &sub); err != nil {
				continue
			}
			for _, convID := range sub.ConversationIDs {
				c.Unsubscribe(convID)
			}
		case "message":
			var in ingressPayload
			if err := json.Unmarshal(f.Data, &in); err != nil {
				c.logger.Warn("invalid message frame", zap.Error(err))
				continue
			}
			msg := &conversation.Message{
				ConversationID: in.ConversationID,
				Role:           conversation.RoleUser,
				Content:        in.Content,
			}
			c.hub.dispatchIngress(ctx, msg)
		default:
			c.logger.Warn("unknown frame kind", zap.String("kind", f.Kind))
		}
	}
}

// WritePump writes queued frames to the WebSocket connection and keeps
// the connection alive with periodic pings.
func (c *Client) WritePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Send enqueues a raw frame for delivery, returning false if the client's
// send buffer is full.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
