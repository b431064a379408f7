package duel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/validate"
	"github.com/quizarena/live/pkg/http/ws"
)

// Handler routes duel messages from the WebSocket gateway.
type Handler struct {
	matchmaker *Matchmaker
	battle     *Battle
	validate   *validate.Validator
	logger     zerolog.Logger
}

func NewHandler(matchmaker *Matchmaker, battle *Battle, logger zerolog.Logger) *Handler {
	return &Handler{
		matchmaker: matchmaker,
		battle:     battle,
		validate:   validate.New(),
		logger:     logger.With().Str("component", "duel_ws").Logger(),
	}
}

// Register attaches the duel routes to g.
func (h *Handler) Register(g *realtime.Gateway) {
	g.Handle(ws.TypeFindDuelMatch, h.handleFind)
	g.Handle(ws.TypeDuelReady, h.handleReady)
	g.Handle(ws.TypeDuelAnswer, h.handleAnswer)
	g.Handle(ws.TypeCancelDuel, h.handleCancel)
	g.OnDisconnect(func(ctx context.Context, c realtime.Client, _ []string) {
		h.battle.HandleDisconnect(ctx, c.UserID)
	})
}

func (h *Handler) decode(msg ws.Message, dst any) error {
	if err := msg.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed %s payload", domain.ErrInvalid, msg.Type)
	}
	return h.validate.Struct(dst)
}

func (h *Handler) handleFind(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.FindDuelPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	name := p.DisplayName
	if name == "" {
		name = c.DisplayName
	}
	_, err := h.matchmaker.FindOrCreateMatch(ctx, FindRequest{
		QuizID:      p.QuizID,
		UserID:      c.UserID,
		DisplayName: name,
		ConnRef:     c.ConnRef,
	})
	return err
}

func (h *Handler) handleReady(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.MatchIDPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	_, err := h.battle.MarkReady(ctx, p.MatchID, c.UserID)
	return err
}

func (h *Handler) handleAnswer(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.DuelAnswerPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	_, err := h.battle.SubmitAnswer(ctx, p.MatchID, c.UserID, p.QuestionIndex, p.Answer, p.TimeSpentMs)
	return err
}

func (h *Handler) handleCancel(ctx context.Context, c realtime.Client, msg ws.Message) error {
	var p ws.MatchIDPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	_, err := h.matchmaker.CancelMatch(ctx, p.MatchID, c.UserID)
	return err
}
