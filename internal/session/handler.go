package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/validate"
	"github.com/quizarena/live/pkg/http/ws"
)

// Handler routes session messages from the WebSocket gateway.
type Handler struct {
	coord    *Coordinator
	emitter  realtime.Emitter
	validate *validate.Validator
	logger   zerolog.Logger
}

// NewHandler creates a session WebSocket handler.
func NewHandler(coord *Coordinator, emitter realtime.Emitter, logger zerolog.Logger) *Handler {
	return &Handler{
		coord:    coord,
		emitter:  emitter,
		validate: validate.New(),
		logger:   logger.With().Str("component", "session_ws").Logger(),
	}
}

// Register attaches the session routes to g.
func (h *Handler) Register(g *realtime.Gateway) {
	g.Handle(ws.TypeCreateSession, h.handleCreate)
	g.Handle(ws.TypeJoinSession, h.handleJoin)
	g.Handle(ws.TypeStartSession, h.handleStart)
	g.Handle(ws.TypeSubmitAnswer, h.handleSubmitAnswer)
	g.Handle(ws.TypeNextQuestion, h.handleNextQuestion)
	g.Handle(ws.TypeEndSession, h.handleEnd)
	g.Handle(ws.TypeCancelSession, h.handleCancel)
	g.Handle(ws.TypePauseSession, h.handlePause)
	g.Handle(ws.TypeResumeSession, h.handleResume)
	g.Handle(ws.TypeLeaveSession, h.handleLeave)
	g.OnDisconnect(func(ctx context.Context, c realtime.Client, rooms []string) {
		h.coord.Disconnect(ctx, c.UserID, rooms)
	})
}

func (h *Handler) decode(msg ws.Message, dst any) error {
	if err := msg.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	return h.validate.Struct(dst)
}

// decodeCode handles the payloads that only carry a session code.
func (h *Handler) decodeCode(msg ws.Message) (string, error) {
	var p ws.SessionCodePayload
	if err := msg.Decode(&p); err != nil {
		return "", fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	p.SessionCode = NormalizeCode(p.SessionCode)
	if err := h.validate.Struct(&p); err != nil {
		return "", err
	}
	return p.SessionCode, nil
}

func (h *Handler) reply(ctx context.Context, c realtime.Client, req ws.Message, msgType string, payload any) error {
	msg, err := ws.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.RequestID = req.RequestID
	return h.emitter.ToUser(ctx, c.UserID, msg)
}

func (h *Handler) handleCreate(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.CreateSessionPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	sess, err := h.coord.CreateSession(ctx, CreateRequest{
		QuizID:          p.QuizID,
		HostID:          c.UserID,
		MaxParticipants: p.MaxParticipants,
		TimePerQuestion: p.Settings.TimePerQuestion,
		AllowLateJoin:   p.Settings.AllowLateJoin,
		ShowLeaderboard: p.Settings.ShowLeaderboard,
		AutoAdvance:     p.Settings.AutoAdvance,
	})
	if err != nil {
		return err
	}
	return h.reply(ctx, c, msg, ws.TypeSessionCreated, SessionView(sess))
}

func (h *Handler) handleJoin(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.JoinSessionPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	p.SessionCode = NormalizeCode(p.SessionCode)
	if err := h.validate.Struct(&p); err != nil {
		return err
	}
	name := p.DisplayName
	if name == "" {
		name = c.DisplayName
	}

	sess, participant, err := h.coord.JoinSession(ctx, p.SessionCode, c.UserID, name, p.AvatarRef)
	if err != nil {
		return err
	}
	out := ws.SessionJoinedPayload{Session: SessionView(sess)}
	if participant != nil {
		out.Participant = participantView(*participant)
	}
	if err := h.reply(ctx, c, msg, ws.TypeSessionJoined, out); err != nil {
		return err
	}
	// late joiners get the open question straight away
	if q, ok := h.coord.CurrentQuestion(ctx, sess); ok {
		return h.reply(ctx, c, msg, ws.TypeQuestionStarted, q)
	}
	return nil
}

func (h *Handler) handleStart(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	_, err = h.coord.StartSession(ctx, code, c.UserID)
	return err
}

func (h *Handler) handleSubmitAnswer(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.SubmitAnswerPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	p.SessionCode = NormalizeCode(p.SessionCode)
	if err := h.validate.Struct(&p); err != nil {
		return err
	}
	_, err := h.coord.SubmitAnswer(ctx, p.SessionCode, c.UserID, p.QuestionID, p.Answer, p.TimeSpentMs)
	return err
}

func (h *Handler) handleNextQuestion(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.NextQuestionPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	p.SessionCode = NormalizeCode(p.SessionCode)
	if err := h.validate.Struct(&p); err != nil {
		return err
	}
	return h.coord.AdvanceQuestion(ctx, p.SessionCode, c.UserID, p.QuestionIndex)
}

func (h *Handler) handleEnd(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	_, err = h.coord.EndSession(ctx, code, c.UserID)
	return err
}

func (h *Handler) handleCancel(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	_, err = h.coord.CancelSession(ctx, code, c.UserID)
	return err
}

func (h *Handler) handlePause(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	_, err = h.coord.PauseSession(ctx, code, c.UserID)
	return err
}

func (h *Handler) handleResume(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	_, err = h.coord.ResumeSession(ctx, code, c.UserID)
	return err
}

func (h *Handler) handleLeave(ctx context.Context, c realtime.Client, msg ws.Message) error {
	code, err := h.decodeCode(msg)
	if err != nil {
		return err
	}
	return h.coord.LeaveSession(ctx, code, c.UserID)
}
