package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/core/topic"
	"github.com/sfgrid-tech/sfgrid/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// WebSocketBuilder assembles the WebSocket endpoint.
type WebSocketBuilder struct {
	// Relay is the dispatcher. This is mandatory.
	Relay *Relay
	// Router is the router the endpoint registers itself with. This is
	// mandatory.
	Router *mux.Router
	// JWTSecret verifies bearer tokens on the handshake. When empty, the
	// endpoint falls back to the user_id query parameter. That mode is for
	// development setups only.
	JWTSecret string
	// Path is the endpoint path. Defaults to "/ws".
	Path string
}

// WebSocketEndpoint upgrades dashboard connections and binds each one to a
// session in the registry. One goroutine reads client envelopes, one drains
// the session's outbound buffer; a slow client is disconnected when its
// buffer fills instead of blocking the dispatcher.
type WebSocketEndpoint struct {
	relay     *Relay
	jwtSecret string
	upgrader  websocket.Upgrader
}

// MustNewWebSocketEndpoint creates the endpoint and registers its route.
func MustNewWebSocketEndpoint(b *WebSocketBuilder) *WebSocketEndpoint {
	if b.Relay == nil {
		panic("relay is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	path := b.Path
	if path == "" {
		path = "/ws"
	}
	e := &WebSocketEndpoint{
		relay:     b.Relay,
		jwtSecret: b.JWTSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the dashboard origin is enforced by the surrounding CORS
			// middleware, not by the upgrader
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.Router.HandleFunc(path, e.serve).Methods(http.MethodGet)
	return e
}

// identify resolves the connecting user. A valid bearer token wins; without
// a configured secret the user_id query parameter is accepted.
func (e *WebSocketEndpoint) identify(r *http.Request) (string, error) {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToLower(bearer[:7]) == "bearer " {
		if e.jwtSecret == "" {
			return "", errors.New("bearer token sent but no verification key configured")
		}
		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(bearer[7:], &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(e.jwtSecret), nil
		})
		if err != nil {
			return "", err
		}
		if claims.Subject == "" {
			return "", errors.New("token has no subject")
		}
		return claims.Subject, nil
	}
	if e.jwtSecret != "" {
		return "", errors.New("bearer token missing")
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return "", errors.New("user_id missing")
	}
	return userID, nil
}

func (e *WebSocketEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)

	userID, err := e.identify(r)
	if err != nil {
		rlog.Infof("ws: handshake rejected: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Errorln("ws: upgrade failed:", err)
		return
	}

	// the request context dies with the handshake; the session lives on
	ctx, _ = logger.ContextWithLoggerIdentity(context.Background(), userID)

	conn := newWSConn(ws)
	s := e.relay.Sessions().Register(ctx, userID, conn)
	go conn.writePump(ctx)

	e.send(ctx, s, EncodeMQTTStatus("connected", "Real-time channel established", 1))
	e.presence(ctx, userID, "online")
	e.readPump(ctx, s, conn)

	e.relay.Sessions().Unregister(ctx, s)
	e.presence(ctx, userID, "offline")
}

// presence publishes the retained per-user status topic.
func (e *WebSocketEndpoint) presence(ctx context.Context, userID, status string) {
	payload := mustEncode(map[string]string{
		"user_id":   userID,
		"status":    status,
		"timestamp": timestamp(),
	})
	e.relay.Publish(ctx, Origin{Kind: OriginServer, UserID: userID},
		"sf/users/"+userID+"/status", payload, 1, true)
}

func (e *WebSocketEndpoint) readPump(ctx context.Context, s *session.Session, conn *wsConn) {
	rlog := logger.FromContext(ctx)
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rlog.Warnln("ws: read failed:", err)
			}
			return
		}
		s.Touch()

		msg, err := DecodeClientMessage(data)
		if err != nil {
			e.send(ctx, s, EncodeError(err.Error()))
			continue
		}
		e.handle(ctx, s, msg)
	}
}

func (e *WebSocketEndpoint) handle(ctx context.Context, s *session.Session, msg ClientMessage) {
	switch msg.Type {
	case TypeSubscribe:
		e.subscribe(ctx, s, msg)
	case TypeUnsubscribe:
		removed := s.Unsubscribe(msg.Topics)
		e.send(ctx, s, EncodeUnsubscriptionAck(removed, s.Subscriptions()))
	case TypePublish:
		qos := byte(0)
		if msg.QoS != nil {
			qos = *msg.QoS
		}
		e.relay.Publish(ctx, Origin{Kind: OriginSession, UserID: s.UserID, Session: s},
			msg.Topic, msg.Payload, qos, msg.Retain)
	case TypeGetStatus:
		e.send(ctx, s, EncodeStatus(s.UserID, s.Subscriptions(), e.relay.Sessions().Count()))
	case TypePing:
		e.send(ctx, s, EncodePong(msg.Timestamp))
	}
}

// subscribe splits the requested filters into granted, denied and invalid.
// Only granted filters reach the session; a denial never aborts the rest of
// the batch.
func (e *WebSocketEndpoint) subscribe(ctx context.Context, s *session.Session, msg ClientMessage) {
	var granted, denied, invalid []string
	for _, filter := range msg.Topics {
		if !topic.Valid(filter) {
			invalid = append(invalid, filter)
			continue
		}
		decision := e.relay.Authorize(ctx, s.UserID, filter, acl.ActionSubscribe)
		if !decision.Allowed {
			denied = append(denied, filter)
			continue
		}
		granted = append(granted, filter)
	}
	qos := byte(0)
	if msg.QoS != nil {
		qos = *msg.QoS
	}
	added, _ := s.Subscribe(granted, qos)
	e.send(ctx, s, EncodeSubscriptionAck(added, denied, invalid, s.Subscriptions()))
}

func (e *WebSocketEndpoint) send(ctx context.Context, s *session.Session, data []byte) {
	if err := s.Send(ctx, data); err != nil && err != session.ErrClosed {
		logger.FromContext(ctx).Warnln("ws: send failed:", err)
	}
}

// wsConn adapts a websocket connection to the session Conn interface. Sends
// go through a buffered channel drained by the write pump; a full buffer is
// a send failure, which makes the dispatcher prune the session.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return session.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.FromContext(ctx).Warnln("ws: write failed:", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
