package websocket

import (
	"context"
	"time"

	"narrative-server/internal/hub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client одно WebSocket-соединение поверх подписки хаба.
type client struct {
	conn   *websocket.Conn
	sub    *hub.Subscription
	cancel context.CancelFunc
	logger *zap.Logger
}

// readPump нужен для pong и обнаружения закрытия. Входящие сообщения
// игнорируются: действия приходят через HTTP и очередь.
func (c *client) readPump() {
	defer func() {
		c.sub.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump единственный писатель в соединение.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.sub.C():
			if err := c.write(env); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				c.sub.Close()
				return
			}
		case <-c.sub.Done():
			// уже поставленные сообщения идут по порядку, клиент продолжит с последнего номера
		drain:
			for {
				select {
				case env := <-c.sub.C():
					if err := c.write(env); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.closeWithReason(c.sub.Reason())
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		}
	}
}

func (c *client) write(env hub.Envelope) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *client) closeWithReason(reason string) {
	c.logger.Info("Subscriber disconnected", zap.String("reason", reason))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(reason), reason))
}

// closeCode код закрытия по причине отписки. 1013 (try again later)
// означает, что клиенту нужно переподключиться с ?after=<последний номер>.
func closeCode(reason string) int {
	switch reason {
	case hub.ReasonUnsubscribed:
		return websocket.CloseNormalClosure
	case hub.ReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseTryAgainLater
	}
}
