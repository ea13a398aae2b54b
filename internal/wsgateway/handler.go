package wsgateway

import (
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sentinelcam/internal/broker"
	"sentinelcam/internal/subscriber"
)

const (
	readDeadline  = 60 * time.Second
	pingPeriod    = (readDeadline * 9) / 10
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections to the push socket and routes
// subscribe/unsubscribe envelopes into the Broker.
type Handler struct {
	log    *zap.Logger
	broker Broker
}

// Broker is the subset of broker.Broker the gateway depends on.
type Broker interface {
	Subscribe(clientID, sessionID string) (*subscriber.Subscriber, error)
	Unsubscribe(clientID string)
}

var _ Broker = (*broker.Broker)(nil)

// New creates a push-socket Handler bound to b.
func New(log *zap.Logger, b Broker) *Handler {
	return &Handler{log: log, broker: b}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	session := &clientSession{
		id:     clientID,
		conn:   conn,
		log:    h.log.With(zap.String("client", clientID)),
		broker: h.broker,
		done:   make(chan struct{}),
	}
	go session.writePump()
	session.readPump()
}

// clientSession tracks one connected client's bound session (if any) and
// runs its read/write pumps. Membership is tracked only via the Broker's
// client<->session map, never mutated on the connection object itself.
type clientSession struct {
	id     string
	conn   *websocket.Conn
	log    *zap.Logger
	broker Broker
	done   chan struct{}

	subMu         sync.Mutex
	currentSub    *subscriber.Subscriber
	currentSessID string
}

// boundSub returns the subscriber and session id currentSub is bound to, if
// any. Read by writePump, written by readPump on subscribe/unsubscribe.
func (c *clientSession) boundSub() (*subscriber.Subscriber, string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.currentSub, c.currentSessID
}

func (c *clientSession) setBoundSub(sub *subscriber.Subscriber, sessID string) {
	c.subMu.Lock()
	c.currentSub, c.currentSessID = sub, sessID
	c.subMu.Unlock()
}

func (c *clientSession) readPump() {
	defer func() {
		close(c.done)
		c.broker.Unsubscribe(c.id)
		_ = c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := ParseInbound(raw)
		if err != nil {
			c.writeJSON(NewErrorEnvelope(err.Error()))
			continue
		}
		switch env.Type {
		case TypeSubscribe:
			c.broker.Unsubscribe(c.id)
			sub, err := c.broker.Subscribe(c.id, env.SessionID)
			if err != nil {
				c.writeJSON(NewErrorEnvelope(err.Error()))
				continue
			}
			c.setBoundSub(sub, env.SessionID)
			c.writeJSON(NewSubscribedEnvelope(env.SessionID))
		case TypeUnsubscribe:
			c.broker.Unsubscribe(c.id)
			c.setBoundSub(nil, "")
		}
	}
}

func (c *clientSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		sub, sessID := c.boundSub()
		if sub == nil {
			select {
			case <-ticker.C:
				c.ping()
			case <-c.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				continue
			}
			c.writeJSON(NewFrameEnvelope(
				sessID,
				base64.StdEncoding.EncodeToString(frame.Data),
				frame.Timestamp.UnixMilli(),
			))
		case <-sub.Closed():
			c.writeJSON(NewStreamStoppedEnvelope(sessID, "session ended"))
			c.setBoundSub(nil, "")
		case <-ticker.C:
			c.ping()
		case <-c.done:
			return
		}
	}
}

func (c *clientSession) ping() {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *clientSession) writeJSON(v interface{}) {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("write failed", zap.Error(err))
	}
}
