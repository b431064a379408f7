package realtime

import (
	"context"
	"errors"

	"github.com/quizarena/live/internal/domain"
	httperrors "github.com/quizarena/live/pkg/http/errors"
	"github.com/quizarena/live/pkg/http/ws"
)

// Emitter delivers server events to rooms and users. Delivery is best effort:
// users without a live socket simply miss the event.
type Emitter interface {
	Join(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room, userID string) error
	ToRoom(ctx context.Context, room string, msg ws.Message) error
	ToUser(ctx context.Context, userID string, msg ws.Message) error
}

// SessionRoom names the room shared by a session's host and participants.
func SessionRoom(code string) string { return "session:" + code }

// DuelRoom names the room shared by both duel players.
func DuelRoom(matchID string) string { return "duel:" + matchID }

// Local is an Emitter bound to this instance's hub only.
type Local struct {
	hub *ws.Hub
}

// NewLocal wraps a hub.
func NewLocal(hub *ws.Hub) *Local { return &Local{hub: hub} }

func (l *Local) Join(_ context.Context, room, userID string) error {
	l.hub.Join(room, userID)
	return nil
}

func (l *Local) Leave(_ context.Context, room, userID string) error {
	l.hub.Leave(room, userID)
	return nil
}

func (l *Local) ToRoom(_ context.Context, room string, msg ws.Message) error {
	return l.hub.BroadcastToRoom(room, msg)
}

func (l *Local) ToUser(_ context.Context, userID string, msg ws.Message) error {
	err := l.hub.SendToUser(userID, msg)
	if errors.Is(err, ws.ErrConnectionNotFound) {
		return nil
	}
	return err
}

// Emit encodes payload and sends it to a room.
func Emit(ctx context.Context, em Emitter, room, msgType string, payload any) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return em.ToRoom(ctx, room, msg)
}

// EmitUser encodes payload and sends it to one user.
func EmitUser(ctx context.Context, em Emitter, userID, msgType string, payload any) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return em.ToUser(ctx, userID, msg)
}

// ErrorMessage converts err into an error event for the sender.
func ErrorMessage(requestID string, err error) ws.Message {
	_, code := httperrors.FromError(err)
	text := err.Error()
	if code == httperrors.ErrCodeInternalError {
		text = "internal error"
	}
	msg, _ := ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: code, Message: text})
	msg.RequestID = requestID
	return msg
}

// Expected reports whether err is a normal outcome under concurrency.
func Expected(err error) bool { return domain.IsExpected(err) }
