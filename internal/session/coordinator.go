package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/achievement"
	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/metrics"
	"github.com/quizarena/live/internal/quiz"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/pkg/http/ws"
)

// TimerFactory schedules fn after d and returns a function that cancels it.
type TimerFactory func(d time.Duration, fn func()) (stop func() bool)

// AfterFunc is the production TimerFactory.
func AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// DirtyMarker queues a coalesced leaderboard broadcast.
type DirtyMarker interface {
	MarkDirty(ctx context.Context, code string) error
}

// Syncer copies a session to the durable store.
type Syncer interface {
	SyncSession(ctx context.Context, code string) error
}

// History serves sessions whose ephemeral records have expired.
type History interface {
	GetSnapshot(ctx context.Context, code string) (*domain.SessionSnapshot, error)
}

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	TTL                    time.Duration
	StartLead              time.Duration
	DefaultTimePerQuestion int
	DefaultMaxParticipants int
	CodeAttempts           int

	Timers  TimerFactory
	NewCode func() (string, error)
}

// CreateRequest describes a new session. Nil settings use defaults.
type CreateRequest struct {
	QuizID          string
	HostID          string
	MaxParticipants int
	TimePerQuestion int
	AllowLateJoin   *bool
	ShowLeaderboard *bool
	AutoAdvance     *bool
}

// Stats summarizes a session for the host.
type Stats struct {
	SessionCode          string  `json:"sessionCode"`
	Status               string  `json:"status"`
	CurrentQuestionIndex int     `json:"currentQuestionIndex"`
	TotalQuestions       int     `json:"totalQuestions"`
	ParticipantCount     int     `json:"participantCount"`
	ActiveParticipants   int     `json:"activeParticipants"`
	AnswersSubmitted     int     `json:"answersSubmitted"`
	CorrectAnswers       int     `json:"correctAnswers"`
	Accuracy             float64 `json:"accuracy"`
	AverageScore         float64 `json:"averageScore"`
	TopScore             int64   `json:"topScore"`
}

// AnswerResult is returned to the submitter.
type AnswerResult struct {
	Record        domain.AnswerRecord
	CorrectAnswer string
	Score         int64
}

// Coordinator owns the host-led session lifecycle. All state lives in the
// ephemeral store; the only in-process state is this instance's timers.
type Coordinator struct {
	state    *State
	quizzes  quiz.Source
	board    *leaderboard.Engine
	dirty    DirtyMarker
	emitter  realtime.Emitter
	syncer   Syncer
	history  History
	notifier achievement.Notifier
	opts     Options
	logger   zerolog.Logger

	mu     sync.Mutex
	timers map[string]func() bool
}

func NewCoordinator(
	state *State,
	quizzes quiz.Source,
	board *leaderboard.Engine,
	dirty DirtyMarker,
	emitter realtime.Emitter,
	syncer Syncer,
	history History,
	notifier achievement.Notifier,
	opts Options,
	logger zerolog.Logger,
) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = state.ttl
	}
	if opts.DefaultTimePerQuestion <= 0 {
		opts.DefaultTimePerQuestion = 30
	}
	if opts.DefaultMaxParticipants <= 0 {
		opts.DefaultMaxParticipants = 50
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = 5
	}
	if opts.Timers == nil {
		opts.Timers = AfterFunc
	}
	if opts.NewCode == nil {
		opts.NewCode = NewCode
	}
	if notifier == nil {
		notifier = achievement.Nop{}
	}
	return &Coordinator{
		state:    state,
		quizzes:  quizzes,
		board:    board,
		dirty:    dirty,
		emitter:  emitter,
		syncer:   syncer,
		history:  history,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Logger(),
		timers:   make(map[string]func() bool),
	}
}

// CreateSession snapshots the quiz and allocates a unique code.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	q, err := c.quizzes.Quiz(ctx, req.QuizID)
	if err != nil {
		return nil, err
	}
	if len(q.Questions) == 0 {
		return nil, fmt.Errorf("%w: quiz %s has no questions", domain.ErrInvalid, req.QuizID)
	}

	now := time.Now().UTC()
	sess := domain.Session{
		QuizID:               q.ID,
		HostID:               req.HostID,
		Status:               domain.SessionWaiting,
		CurrentQuestionIndex: -1,
		MaxParticipants:      req.MaxParticipants,
		Settings: domain.Settings{
			TimePerQuestion: req.TimePerQuestion,
			AllowLateJoin:   boolOr(req.AllowLateJoin, true),
			ShowLeaderboard: boolOr(req.ShowLeaderboard, true),
			AutoAdvance:     boolOr(req.AutoAdvance, false),
		},
		QuizMetadata: q.Metadata(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sess.MaxParticipants <= 0 {
		sess.MaxParticipants = c.opts.DefaultMaxParticipants
	}
	if sess.Settings.TimePerQuestion <= 0 {
		sess.Settings.TimePerQuestion = c.opts.DefaultTimePerQuestion
	}

	allocated := false
	for attempt := 0; attempt < c.opts.CodeAttempts; attempt++ {
		code, err := c.opts.NewCode()
		if err != nil {
			return nil, err
		}
		sess.Code = code
		ok, err := c.state.store.SetIfAbsent(ctx, c.state.sessionKey(code), sess, c.opts.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			allocated = true
			break
		}
		c.logger.Debug().Str("session_code", code).Int("attempt", attempt).Msg("session code collision")
	}
	if !allocated {
		return nil, fmt.Errorf("%w: could not allocate a session code", domain.ErrUnavailable)
	}

	code := sess.Code
	if err := c.state.store.Set(ctx, c.state.quizKey(code), q, c.opts.TTL); err != nil {
		return nil, err
	}
	if _, err := c.state.store.SetAdd(ctx, c.state.activeKey(), code, 0); err != nil {
		return nil, err
	}
	if err := c.state.bump(ctx, code); err != nil {
		return nil, err
	}
	if err := c.emitter.Join(ctx, realtime.SessionRoom(code), req.HostID); err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("host room join failed")
	}

	metrics.SessionsCreated.Inc()
	c.logger.Info().
		Str("session_code", code).
		Str("quiz_id", q.ID).
		Str("host_id", req.HostID).
		Msg("session created")
	return &sess, nil
}

// JoinSession adds userID or reactivates a returning participant. The host
// joining only subscribes to the room and gets a nil participant.
func (c *Coordinator) JoinSession(ctx context.Context, code, userID, displayName, avatarRef string) (*domain.Session, *domain.Participant, error) {
	sess, err := c.state.Session(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	room := realtime.SessionRoom(code)
	if userID == sess.HostID {
		if err := c.emitter.Join(ctx, room, userID); err != nil {
			return nil, nil, err
		}
		return sess, nil, nil
	}
	if sess.IsTerminal() {
		return nil, nil, fmt.Errorf("%w: session %s has ended", domain.ErrConflict, code)
	}
	if sess.Status != domain.SessionWaiting && !sess.Settings.AllowLateJoin {
		return nil, nil, fmt.Errorf("%w: session %s does not allow late join", domain.ErrConflict, code)
	}
	if displayName == "" {
		displayName = userID
	}

	now := time.Now().UTC()
	p := &domain.Participant{
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
		IsActive:    true,
		JoinedAt:    now,
	}
	res, err := c.state.store.HashPutBounded(ctx, c.state.participantsKey(code), userID, p, sess.MaxParticipants, c.opts.TTL)
	if errors.Is(err, ephemeral.ErrCapacity) {
		return nil, nil, fmt.Errorf("%w: session %s is full", domain.ErrConflict, code)
	}
	if err != nil {
		return nil, nil, err
	}
	if res == ephemeral.PutExists {
		existing, err := c.state.participant(ctx, code, userID)
		if err != nil {
			return nil, nil, err
		}
		existing.IsActive = true
		existing.LeftAt = nil
		existing.DisplayName = displayName
		if avatarRef != "" {
			existing.AvatarRef = avatarRef
		}
		if err := c.state.store.HashSet(ctx, c.state.participantsKey(code), userID, existing, c.opts.TTL); err != nil {
			return nil, nil, err
		}
		p = existing
	}

	if err := c.board.Init(ctx, code, userID); err != nil {
		return nil, nil, err
	}
	if err := c.state.bump(ctx, code); err != nil {
		return nil, nil, err
	}
	if err := c.emitter.Join(ctx, room, userID); err != nil {
		return nil, nil, err
	}
	p.Score, _ = c.board.Score(ctx, code, userID)

	count, active := c.counts(ctx, code)
	c.emit(ctx, room, ws.TypeParticipantJoined, ws.ParticipantJoinedPayload{
		SessionCode:      code,
		Participant:      participantView(*p),
		ParticipantCount: active,
	})
	c.logger.Info().
		Str("session_code", code).
		Str("user_id", userID).
		Bool("rejoin", res == ephemeral.PutExists).
		Int("participants", count).
		Msg("participant joined")
	return sess, p, nil
}

// StartSession moves a waiting session to active and schedules the first
// question after the start lead.
func (c *Coordinator) StartSession(ctx context.Context, code, requester string) (*domain.Session, error) {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess, _, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.Status != domain.SessionWaiting {
			return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, code, s.Status)
		}
		s.Status = domain.SessionActive
		s.StartedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(domain.SessionActive).Inc()

	c.emit(ctx, realtime.SessionRoom(code), ws.TypeSessionStarted, ws.SessionStartedPayload{
		SessionCode:    code,
		TotalQuestions: sess.QuizMetadata.TotalQuestions,
		StartsInMs:     c.opts.StartLead.Milliseconds(),
	})
	c.armStart(code, c.opts.StartLead)
	c.logger.Info().Str("session_code", code).Msg("session started")
	return sess, nil
}

// SubmitAnswer scores one answer for the current question. A second answer
// to the same question is rejected without touching the score.
func (c *Coordinator) SubmitAnswer(ctx context.Context, code, userID, questionID, answer string, timeSpentMs int64) (*AnswerResult, error) {
	sess, err := c.state.Session(ctx, code)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Status == domain.SessionPaused:
		return nil, fmt.Errorf("%w: session %s is paused", domain.ErrConflict, code)
	case sess.Status != domain.SessionActive:
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrConflict, code, sess.Status)
	case !sess.QuestionOpen:
		return nil, fmt.Errorf("%w: question is closed", domain.ErrConflict)
	}

	q, err := c.state.Quiz(ctx, code)
	if err != nil {
		return nil, err
	}
	current, ok := q.At(sess.CurrentQuestionIndex)
	if !ok {
		return nil, fmt.Errorf("%w: no current question", domain.ErrConflict)
	}
	if current.ID != questionID {
		if q.IndexOf(questionID) < 0 {
			return nil, fmt.Errorf("%w: question %s", domain.ErrNotFound, questionID)
		}
		return nil, fmt.Errorf("%w: question %s is not the current question", domain.ErrConflict, questionID)
	}
	if _, err := c.state.participant(ctx, code, userID); err != nil {
		return nil, err
	}

	if timeSpentMs < 0 {
		timeSpentMs = 0
	}
	correct, points := current.Check(answer)
	rec := domain.AnswerRecord{
		UserID:         userID,
		QuestionID:     questionID,
		QuestionIndex:  sess.CurrentQuestionIndex,
		SelectedAnswer: answer,
		IsCorrect:      correct,
		Points:         points,
		TimeSpentMs:    timeSpentMs,
		AnsweredAt:     time.Now().UTC(),
	}
	score, err := c.state.recordAnswer(ctx, code, rec)
	if err != nil {
		return nil, err
	}

	metrics.AnswersSubmitted.WithLabelValues(fmt.Sprint(correct)).Inc()
	c.emitUser(ctx, userID, ws.TypeAnswerSubmitted, ws.AnswerSubmittedPayload{
		SessionCode:   code,
		QuestionID:    questionID,
		IsCorrect:     correct,
		Points:        points,
		CorrectAnswer: current.CorrectAnswer,
		Score:         score,
	})
	if err := c.dirty.MarkDirty(ctx, code); err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("mark dirty failed")
	}
	return &AnswerResult{Record: rec, CorrectAnswer: current.CorrectAnswer, Score: score}, nil
}

// AdvanceQuestion moves to the next question, or ends the session after the
// last one. fromIndex names the question the host is moving away from; if
// the session already left it the call is a no-op. Nil means the current one.
func (c *Coordinator) AdvanceQuestion(ctx context.Context, code, requester string, fromIndex *int) error {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return err
	}
	return c.advance(ctx, code, fromIndex)
}

func (c *Coordinator) advance(ctx context.Context, code string, fromIndex *int) error {
	var (
		from     int
		wasOpen  bool
		finished bool
	)
	now := time.Now().UTC()
	sess, changed, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		switch {
		case s.Status == domain.SessionPaused:
			return fmt.Errorf("%w: session %s is paused", domain.ErrConflict, code)
		case s.Status != domain.SessionActive:
			return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, code, s.Status)
		}
		from = s.CurrentQuestionIndex
		if fromIndex != nil && *fromIndex != s.CurrentQuestionIndex {
			return ephemeral.ErrSkip
		}
		wasOpen = s.QuestionOpen
		next := s.CurrentQuestionIndex + 1
		s.UpdatedAt = now
		if next >= s.QuizMetadata.TotalQuestions {
			finished = true
			s.Status = domain.SessionCompleted
			s.QuestionOpen = false
			s.EndedAt = &now
			return nil
		}
		s.CurrentQuestionIndex = next
		s.QuestionOpen = true
		s.QuestionStartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Debug().Str("session_code", code).Int("from", *fromIndex).Int("current", sess.CurrentQuestionIndex).Msg("stale advance ignored")
		return nil
	}

	q, err := c.state.Quiz(ctx, code)
	if err != nil {
		return err
	}
	room := realtime.SessionRoom(code)
	if wasOpen {
		if prev, ok := q.At(from); ok {
			c.emit(ctx, room, ws.TypeQuestionEnded, ws.QuestionEndedPayload{
				SessionCode:   code,
				QuestionIndex: from,
				CorrectAnswer: prev.CorrectAnswer,
			})
		}
	}
	if finished {
		c.finish(ctx, sess)
		return nil
	}

	c.pushQuestion(ctx, sess, q)
	return nil
}

func (c *Coordinator) pushQuestion(ctx context.Context, sess *domain.Session, q *quiz.Quiz) {
	code, index := sess.Code, sess.CurrentQuestionIndex
	item, _ := q.At(index)
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeQuestionStarted, ws.QuestionStartedPayload{
		SessionCode:    code,
		QuestionIndex:  index,
		Question:       questionView(item),
		TimeLimit:      sess.Settings.TimePerQuestion,
		TotalQuestions: sess.QuizMetadata.TotalQuestions,
	})
	c.armQuestion(code, index, time.Duration(sess.Settings.TimePerQuestion)*time.Second)
}

// armStart schedules question 0 after d.
func (c *Coordinator) armStart(code string, d time.Duration) {
	c.arm(code, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		from := -1
		if err := c.advance(ctx, code, &from); err != nil && !domain.IsExpected(err) {
			c.logger.Error().Err(err).Str("session_code", code).Msg("first question failed")
		}
	})
}

// armQuestion schedules the timeout of question index after d.
func (c *Coordinator) armQuestion(code string, index int, d time.Duration) {
	c.arm(code, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.questionTimeout(ctx, code, index)
	})
}

// Recover re-arms the timers of every running session from the ephemeral
// store; call it at startup. A deadline that already passed fires at once.
// Each transition names its from index, so a timer firing on two instances
// moves the session once.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	codes, err := c.state.ActiveCodes(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	armed := 0
	for _, code := range codes {
		sess, err := c.state.Session(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return armed, err
		}
		if sess.Status != domain.SessionActive {
			continue
		}
		switch {
		case sess.CurrentQuestionIndex < 0:
			var since time.Duration
			if sess.StartedAt != nil {
				since = now.Sub(*sess.StartedAt)
			}
			c.armStart(code, remaining(c.opts.StartLead, since))
		case sess.QuestionOpen:
			var since time.Duration
			if sess.QuestionStartedAt != nil {
				since = now.Sub(*sess.QuestionStartedAt)
			}
			limit := time.Duration(sess.Settings.TimePerQuestion) * time.Second
			c.armQuestion(code, sess.CurrentQuestionIndex, remaining(limit, since))
		default:
			continue
		}
		armed++
		c.logger.Info().Str("session_code", code).Int("index", sess.CurrentQuestionIndex).Msg("session timer recovered")
	}
	return armed, nil
}

func remaining(limit, elapsed time.Duration) time.Duration {
	if d := limit - elapsed; d > 0 {
		return d
	}
	return 0
}

// questionTimeout closes question index if the session is still on it.
// It re-reads the session; the index captured by the timer is only a guard.
func (c *Coordinator) questionTimeout(ctx context.Context, code string, index int) {
	sess, changed, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.Status != domain.SessionActive || s.CurrentQuestionIndex != index || !s.QuestionOpen {
			return ephemeral.ErrSkip
		}
		s.QuestionOpen = false
		s.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		if !domain.IsExpected(err) {
			c.logger.Warn().Err(err).Str("session_code", code).Int("index", index).Msg("question timeout failed")
		}
		return
	}
	if !changed {
		return
	}

	q, err := c.state.Quiz(ctx, code)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("quiz snapshot missing")
		return
	}
	item, _ := q.At(index)
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeQuestionEnded, ws.QuestionEndedPayload{
		SessionCode:   code,
		QuestionIndex: index,
		CorrectAnswer: item.CorrectAnswer,
	})
	if sess.Settings.AutoAdvance {
		from := index
		if err := c.advance(ctx, code, &from); err != nil && !domain.IsExpected(err) {
			c.logger.Warn().Err(err).Str("session_code", code).Msg("auto advance failed")
		}
	}
}

// EndSession completes the session on the host's request.
func (c *Coordinator) EndSession(ctx context.Context, code, requester string) (*domain.Session, error) {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess, _, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.IsTerminal() {
			return fmt.Errorf("%w: session %s already %s", domain.ErrConflict, code, s.Status)
		}
		s.Status = domain.SessionCompleted
		s.QuestionOpen = false
		s.EndedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.finish(ctx, sess)
	return sess, nil
}

// finish runs the effects of completion: final ranking, durable sync and
// the achievement notification.
func (c *Coordinator) finish(ctx context.Context, sess *domain.Session) {
	code := sess.Code
	c.disarm(code)
	metrics.SessionTransitions.WithLabelValues(domain.SessionCompleted).Inc()

	final, err := c.board.All(ctx, code)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("final leaderboard read failed")
	}
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeSessionEnded, ws.SessionEndedPayload{
		SessionCode: code,
		Leaderboard: leaderboard.ToWS(final),
	})
	if err := c.state.Forget(ctx, code); err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("active index update failed")
	}
	c.sync(ctx, code)
	c.notifyCompleted(ctx, sess, final)
	c.logger.Info().Str("session_code", code).Int("participants", len(final)).Msg("session ended")
}

func (c *Coordinator) notifyCompleted(ctx context.Context, sess *domain.Session, final []leaderboard.Entry) {
	participants, err := c.state.Participants(ctx, sess.Code)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_code", sess.Code).Msg("participants read failed")
		return
	}
	// the top ranked entry wins; the ranking already breaks ties by arrival
	var winner string
	if len(final) > 0 && final[0].Score > 0 {
		winner = final[0].UserID
	}
	timeSpent := make(map[string]int64)
	if answers, err := c.state.Answers(ctx, sess.Code); err == nil {
		for _, a := range answers {
			timeSpent[a.UserID] += a.TimeSpentMs
		}
	}

	total := sess.QuizMetadata.TotalQuestions
	ev := achievement.Event{
		Type:       achievement.EventSessionCompleted,
		SourceID:   sess.Code,
		QuizID:     sess.QuizID,
		OccurredAt: time.Now().UTC(),
	}
	for _, p := range participants {
		ev.Results = append(ev.Results, achievement.Result{
			UserID:         p.UserID,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			TotalQuestions: total,
			Accuracy:       achievement.Accuracy(p.CorrectAnswers, total),
			TotalTimeMs:    timeSpent[p.UserID],
			Won:            p.UserID == winner,
		})
	}
	if err := c.notifier.Notify(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("session_code", sess.Code).Msg("achievement notify failed")
	}
}

// CancelSession aborts a session that has not reached a terminal state.
func (c *Coordinator) CancelSession(ctx context.Context, code, requester string) (*domain.Session, error) {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess, _, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.IsTerminal() {
			return fmt.Errorf("%w: session %s already %s", domain.ErrConflict, code, s.Status)
		}
		s.Status = domain.SessionCancelled
		s.QuestionOpen = false
		s.EndedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.disarm(code)
	metrics.SessionTransitions.WithLabelValues(domain.SessionCancelled).Inc()
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeSessionCancelled, ws.SessionStatusPayload{SessionCode: code, Status: sess.Status})
	if err := c.state.Forget(ctx, code); err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("active index update failed")
	}
	c.sync(ctx, code)
	c.logger.Info().Str("session_code", code).Msg("session cancelled")
	return sess, nil
}

// PauseSession freezes an active session. Answers are rejected and the
// question timer becomes a no-op until ResumeSession.
func (c *Coordinator) PauseSession(ctx context.Context, code, requester string) (*domain.Session, error) {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return nil, err
	}
	sess, _, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.Status != domain.SessionActive {
			return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, code, s.Status)
		}
		s.Status = domain.SessionPaused
		s.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.disarm(code)
	metrics.SessionTransitions.WithLabelValues(domain.SessionPaused).Inc()
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeSessionPaused, ws.SessionStatusPayload{SessionCode: code, Status: sess.Status})
	return sess, nil
}

// ResumeSession reactivates a paused session. An open question gets a fresh
// full time limit.
func (c *Coordinator) ResumeSession(ctx context.Context, code, requester string) (*domain.Session, error) {
	if err := c.requireHost(ctx, code, requester); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess, _, err := c.state.mutate(ctx, code, func(s *domain.Session) error {
		if s.Status != domain.SessionPaused {
			return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, code, s.Status)
		}
		s.Status = domain.SessionActive
		s.UpdatedAt = now
		if s.QuestionOpen {
			s.QuestionStartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(domain.SessionActive).Inc()
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeSessionResumed, ws.SessionStatusPayload{SessionCode: code, Status: sess.Status})

	switch {
	case sess.CurrentQuestionIndex < 0:
		// paused during the start lead
		c.armStart(code, c.opts.StartLead)
	case sess.QuestionOpen:
		q, err := c.state.Quiz(ctx, code)
		if err != nil {
			return sess, err
		}
		c.pushQuestion(ctx, sess, q)
	}
	return sess, nil
}

// LeaveSession marks the participant inactive. Their score stays ranked.
func (c *Coordinator) LeaveSession(ctx context.Context, code, userID string) error {
	if err := c.markInactive(ctx, code, userID); err != nil {
		return err
	}
	return c.emitter.Leave(ctx, realtime.SessionRoom(code), userID)
}

// Disconnect marks userID inactive in every session room the socket had joined.
func (c *Coordinator) Disconnect(ctx context.Context, userID string, rooms []string) {
	for _, room := range rooms {
		code, ok := codeFromRoom(room)
		if !ok {
			continue
		}
		err := c.markInactive(ctx, code, userID)
		if err != nil && !domain.IsExpected(err) {
			c.logger.Warn().Err(err).Str("session_code", code).Str("user_id", userID).Msg("disconnect cleanup failed")
		}
	}
}

func (c *Coordinator) markInactive(ctx context.Context, code, userID string) error {
	if _, err := c.state.Session(ctx, code); err != nil {
		return err
	}
	p, err := c.state.participant(ctx, code, userID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return nil
	}
	now := time.Now().UTC()
	p.IsActive = false
	p.LeftAt = &now
	if err := c.state.store.HashSet(ctx, c.state.participantsKey(code), userID, p, c.opts.TTL); err != nil {
		return err
	}
	if err := c.state.bump(ctx, code); err != nil {
		return err
	}
	_, active := c.counts(ctx, code)
	c.emit(ctx, realtime.SessionRoom(code), ws.TypeParticipantLeft, ws.ParticipantLeftPayload{
		SessionCode:      code,
		UserID:           userID,
		ParticipantCount: active,
	})
	return nil
}

// GetSession returns the live session, falling back to the durable copy
// once the ephemeral record has expired.
func (c *Coordinator) GetSession(ctx context.Context, code string) (*domain.Session, error) {
	sess, err := c.state.Session(ctx, code)
	if err == nil || !errors.Is(err, domain.ErrNotFound) || c.history == nil {
		return sess, err
	}
	snap, herr := c.history.GetSnapshot(ctx, code)
	if herr != nil {
		return nil, err
	}
	return &snap.Session, nil
}

// Leaderboard returns the top limit entries; limit <= 0 returns all.
func (c *Coordinator) Leaderboard(ctx context.Context, code string, limit int) ([]leaderboard.Entry, error) {
	if _, err := c.state.Session(ctx, code); err != nil {
		if errors.Is(err, domain.ErrNotFound) && c.history != nil {
			return c.historicLeaderboard(ctx, code, limit)
		}
		return nil, err
	}
	return c.board.Top(ctx, code, limit)
}

func (c *Coordinator) historicLeaderboard(ctx context.Context, code string, limit int) ([]leaderboard.Entry, error) {
	snap, err := c.history.GetSnapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	out := make([]leaderboard.Entry, 0, len(snap.Participants))
	for i, p := range snap.Participants {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, leaderboard.Entry{Rank: i + 1, UserID: p.UserID, DisplayName: p.DisplayName, Score: p.Score})
	}
	return out, nil
}

// Participants lists participants with their live scores.
func (c *Coordinator) Participants(ctx context.Context, code string) ([]domain.Participant, error) {
	if _, err := c.state.Session(ctx, code); err != nil {
		if errors.Is(err, domain.ErrNotFound) && c.history != nil {
			snap, herr := c.history.GetSnapshot(ctx, code)
			if herr != nil {
				return nil, err
			}
			return snap.Participants, nil
		}
		return nil, err
	}
	return c.state.Participants(ctx, code)
}

// Stats aggregates participation and accuracy.
func (c *Coordinator) Stats(ctx context.Context, code string) (*Stats, error) {
	sess, err := c.state.Session(ctx, code)
	if err != nil {
		return nil, err
	}
	participants, err := c.state.Participants(ctx, code)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		SessionCode:          code,
		Status:               sess.Status,
		CurrentQuestionIndex: sess.CurrentQuestionIndex,
		TotalQuestions:       sess.QuizMetadata.TotalQuestions,
		ParticipantCount:     len(participants),
	}
	var total int64
	for _, p := range participants {
		if p.IsActive {
			st.ActiveParticipants++
		}
		st.AnswersSubmitted += p.CorrectAnswers + p.IncorrectAnswers
		st.CorrectAnswers += p.CorrectAnswers
		total += p.Score
		if p.Score > st.TopScore {
			st.TopScore = p.Score
		}
	}
	if len(participants) > 0 {
		st.AverageScore = float64(total) / float64(len(participants))
	}
	if st.AnswersSubmitted > 0 {
		st.Accuracy = float64(st.CorrectAnswers) / float64(st.AnswersSubmitted)
	}
	return st, nil
}

// ListActive returns sessions that are waiting, active or paused.
func (c *Coordinator) ListActive(ctx context.Context) ([]domain.Session, error) {
	codes, err := c.state.ActiveCodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(codes))
	for _, code := range codes {
		sess, err := c.state.Session(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			// expired by TTL
			_ = c.state.Forget(ctx, code)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.IsTerminal() {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

// CurrentQuestion returns the open question view for clients that join
// mid-session.
func (c *Coordinator) CurrentQuestion(ctx context.Context, sess *domain.Session) (*ws.QuestionStartedPayload, bool) {
	if sess.Status != domain.SessionActive || !sess.QuestionOpen {
		return nil, false
	}
	q, err := c.state.Quiz(ctx, sess.Code)
	if err != nil {
		return nil, false
	}
	item, ok := q.At(sess.CurrentQuestionIndex)
	if !ok {
		return nil, false
	}
	return &ws.QuestionStartedPayload{
		SessionCode:    sess.Code,
		QuestionIndex:  sess.CurrentQuestionIndex,
		Question:       questionView(item),
		TimeLimit:      sess.Settings.TimePerQuestion,
		TotalQuestions: sess.QuizMetadata.TotalQuestions,
	}, true
}

func (c *Coordinator) requireHost(ctx context.Context, code, requester string) error {
	sess, err := c.state.Session(ctx, code)
	if err != nil {
		return err
	}
	if sess.HostID != requester {
		return fmt.Errorf("%w: only the host can do this", domain.ErrForbidden)
	}
	return nil
}

func (c *Coordinator) sync(ctx context.Context, code string) {
	if c.syncer == nil {
		return
	}
	if err := c.syncer.SyncSession(ctx, code); err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("session sync failed")
	}
}

func (c *Coordinator) counts(ctx context.Context, code string) (total, active int) {
	participants, err := c.state.Participants(ctx, code)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_code", code).Msg("participant count failed")
		return 0, 0
	}
	for _, p := range participants {
		if p.IsActive {
			active++
		}
	}
	return len(participants), active
}

func (c *Coordinator) arm(code string, d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.timers[code]; ok {
		stop()
	}
	c.timers[code] = c.opts.Timers(d, fn)
}

func (c *Coordinator) disarm(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.timers[code]; ok {
		stop()
		delete(c.timers, code)
	}
}

// Close stops every pending timer on this instance.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, stop := range c.timers {
		stop()
		delete(c.timers, code)
	}
}

func (c *Coordinator) emit(ctx context.Context, room, msgType string, payload any) {
	if err := realtime.Emit(ctx, c.emitter, room, msgType, payload); err != nil {
		c.logger.Warn().Err(err).Str("room", room).Str("type", msgType).Msg("broadcast failed")
	}
}

func (c *Coordinator) emitUser(ctx context.Context, userID, msgType string, payload any) {
	if err := realtime.EmitUser(ctx, c.emitter, userID, msgType, payload); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Str("type", msgType).Msg("send failed")
	}
}

func questionView(q quiz.Question) ws.QuestionView {
	return ws.QuestionView{ID: q.ID, Question: q.Question, Options: q.Options, Points: q.Points}
}

func participantView(p domain.Participant) ws.ParticipantView {
	return ws.ParticipantView{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
		Score:       p.Score,
		IsActive:    p.IsActive,
	}
}

// SessionView renders the public fields of a session.
func SessionView(s *domain.Session) ws.SessionView {
	return ws.SessionView{
		SessionCode:          s.Code,
		QuizID:               s.QuizID,
		HostID:               s.HostID,
		Status:               s.Status,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Title:                s.QuizMetadata.Title,
		TotalQuestions:       s.QuizMetadata.TotalQuestions,
		Difficulty:           s.QuizMetadata.Difficulty,
		TimePerQuestion:      s.Settings.TimePerQuestion,
		MaxParticipants:      s.MaxParticipants,
	}
}

// NormalizeCode upper-cases and trims a user-typed session code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
