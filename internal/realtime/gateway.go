package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/auth"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/logging"
	"github.com/quizarena/live/internal/metrics"
	httperrors "github.com/quizarena/live/pkg/http/errors"
	"github.com/quizarena/live/pkg/http/ws"
)

// Client identifies the authenticated user behind a socket.
type Client struct {
	UserID      string
	DisplayName string
	Role        string
	ConnRef     string
}

// HandlerFunc processes one inbound message. A returned error is reported to
// the sender as an error event.
type HandlerFunc func(ctx context.Context, c Client, msg ws.Message) error

// DisconnectFunc runs after a socket closes, with the rooms it had joined.
type DisconnectFunc func(ctx context.Context, c Client, rooms []string)

// Upgrader handles WebSocket upgrades.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway authenticates sockets, tracks presence and routes messages by type.
type Gateway struct {
	hub            *ws.Hub
	tokens         auth.Validator
	presence       *ephemeral.Presence
	routes         map[string]HandlerFunc
	onDisconnect   []DisconnectFunc
	handlerTimeout time.Duration
	logger         zerolog.Logger
}

// NewGateway creates a gateway. Register routes before serving.
func NewGateway(hub *ws.Hub, tokens auth.Validator, presence *ephemeral.Presence, logger zerolog.Logger) *Gateway {
	return &Gateway{
		hub:            hub,
		tokens:         tokens,
		presence:       presence,
		routes:         make(map[string]HandlerFunc),
		handlerTimeout: 10 * time.Second,
		logger:         logger.With().Str("component", "ws_gateway").Logger(),
	}
}

// Handle registers fn for a message type.
func (g *Gateway) Handle(msgType string, fn HandlerFunc) {
	g.routes[msgType] = fn
}

// OnDisconnect registers a cleanup callback.
func (g *Gateway) OnDisconnect(fn DisconnectFunc) {
	g.onDisconnect = append(g.onDisconnect, fn)
}

// ServeHTTP upgrades the request after validating ?token= or the Authorization header.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}
	if token == "" {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Missing token")
		return
	}
	claims, err := g.tokens.Validate(token)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket token validation failed")
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Invalid token")
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := Client{
		UserID:      claims.UserID(),
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		ConnRef:     uuid.NewString(),
	}
	g.serve(ws.NewConnection(conn, client.ConnRef, client.UserID, g.logger), client)
}

func (g *Gateway) serve(conn *ws.Connection, c Client) {
	g.Register(conn, c)
	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	go conn.WritePump(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := g.presence.Touch(ctx, c.UserID, c.ConnRef); err != nil {
			g.logger.Debug().Err(err).Str("user_id", c.UserID).Msg("presence touch failed")
		}
	})

	conn.ReadPump(func(msg ws.Message) error {
		ctx, cancel := context.WithTimeout(context.Background(), g.handlerTimeout)
		defer cancel()
		return g.Dispatch(ctx, c, msg)
	})

	g.Unregister(conn, c)
}

// Register attaches a connection to the hub and marks the user live.
func (g *Gateway) Register(conn *ws.Connection, c Client) {
	g.hub.RegisterConnection(conn)
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.presence.Mark(ctx, c.UserID, c.ConnRef); err != nil {
		g.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("presence mark failed")
	}
}

// Unregister detaches conn and runs disconnect callbacks when the user has
// no live connection left on any instance.
func (g *Gateway) Unregister(conn *ws.Connection, c Client) {
	rooms := g.hub.UnregisterConnection(conn)

	ctx, cancel := context.WithTimeout(context.Background(), g.handlerTimeout)
	defer cancel()
	if g.presence != nil {
		if err := g.presence.Clear(ctx, c.UserID, c.ConnRef); err != nil {
			g.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("presence clear failed")
		}
	}
	if _, still := g.hub.GetConnection(c.UserID); still {
		return
	}
	if g.presence != nil {
		// A presence failure falls back to the local view.
		ref, live, err := g.presence.Get(ctx, c.UserID)
		switch {
		case err != nil:
			g.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("presence check failed")
		case live && ref != c.ConnRef:
			g.logger.Debug().Str("user_id", c.UserID).Str("conn", ref).Msg("user connected elsewhere, skipping disconnect cleanup")
			return
		}
	}
	for _, fn := range g.onDisconnect {
		fn(ctx, c, rooms)
	}
}

// Dispatch routes msg to its handler and reports failures to the sender.
func (g *Gateway) Dispatch(ctx context.Context, c Client, msg ws.Message) error {
	logger := g.logger.With().Str("user_id", c.UserID).Str("type", msg.Type).Logger()
	ctx = logging.IntoContext(ctx, logger)

	if msg.Type == ws.TypePing {
		pong := ws.Message{Type: ws.TypePong, Payload: []byte("{}"), RequestID: msg.RequestID}
		return g.hub.SendToUser(c.UserID, pong)
	}

	fn, ok := g.routes[msg.Type]
	if !ok {
		reply, _ := ws.NewMessage(ws.TypeError, ws.ErrorPayload{
			Code:    httperrors.ErrCodeUnknownMessageType,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		})
		reply.RequestID = msg.RequestID
		_ = g.hub.SendToUser(c.UserID, reply)
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	err := fn(ctx, c, msg)
	if err == nil {
		return nil
	}
	if Expected(err) {
		_, code := httperrors.FromError(err)
		metrics.Reject(msg.Type, code)
		logger.Debug().Err(err).Msg("request rejected")
	} else {
		logger.Error().Err(err).Msg("request failed")
	}
	_ = g.hub.SendToUser(c.UserID, ErrorMessage(msg.RequestID, err))
	return err
}
