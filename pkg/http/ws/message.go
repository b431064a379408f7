package ws

import (
	"encoding/json"
	"time"
)

// MessageType constants for the WebSocket protocol.
const (
	// Client -> Server
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeStartSession  = "start-session"
	TypeSubmitAnswer  = "submit-answer"
	TypeEndSession    = "end-session"
	TypeLeaveSession  = "leave-session"
	TypeCancelSession = "cancel-session"
	TypePauseSession  = "pause-session"
	TypeResumeSession = "resume-session"
	TypeFindDuelMatch = "find-duel-match"
	TypeDuelReady     = "duel-ready"
	TypeDuelAnswer    = "duel-answer"
	TypeCancelDuel    = "cancel-duel"

	// Both directions: host advance (client) and duel question push (server).
	TypeNextQuestion = "next-question"

	// Server -> Client
	TypeSessionCreated       = "session-created"
	TypeSessionJoined        = "session-joined"
	TypeParticipantJoined    = "participant-joined"
	TypeParticipantLeft      = "participant-left"
	TypeSessionStarted       = "session-started"
	TypeQuestionStarted      = "question-started"
	TypeQuestionEnded        = "question-ended"
	TypeLeaderboardUpdated   = "leaderboard-updated"
	TypeAnswerSubmitted      = "answer-submitted"
	TypeSessionEnded         = "session-ended"
	TypeSessionPaused        = "session-paused"
	TypeSessionResumed       = "session-resumed"
	TypeSessionCancelled     = "session-cancelled"
	TypeMatchFound           = "match-found"
	TypeWaitingForOpponent   = "waiting-for-opponent"
	TypePlayerReady          = "player-ready"
	TypeDuelStarted          = "duel-started"
	TypeDuelScoreUpdate      = "duel-score-update"
	TypePlayerCompleted      = "player-completed"
	TypeDuelEnded            = "duel-ended"
	TypeDuelCancelled        = "duel-cancelled"
	TypeOpponentDisconnected = "opponent-disconnected"
	TypeError                = "error"
	TypePing                 = "ping"
	TypePong                 = "pong"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage encodes payload under the given type.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(m.Payload, dst)
}

// Client Messages (incoming)

type SettingsPayload struct {
	TimePerQuestion int   `json:"timePerQuestion" validate:"omitempty,min=5,max=300"`
	AllowLateJoin   *bool `json:"allowLateJoin,omitempty"`
	ShowLeaderboard *bool `json:"showLeaderboard,omitempty"`
	AutoAdvance     *bool `json:"autoAdvance,omitempty"`
}

type CreateSessionPayload struct {
	QuizID          string          `json:"quizId" validate:"required"`
	MaxParticipants int             `json:"maxParticipants" validate:"omitempty,min=1,max=1000"`
	Settings        SettingsPayload `json:"settings"`
}

type JoinSessionPayload struct {
	SessionCode string `json:"sessionCode" validate:"required,session_code"`
	DisplayName string `json:"displayName" validate:"omitempty,max=64"`
	AvatarRef   string `json:"avatarRef" validate:"omitempty,max=256"`
}

type SessionCodePayload struct {
	SessionCode string `json:"sessionCode" validate:"required,session_code"`
}

type SubmitAnswerPayload struct {
	SessionCode string `json:"sessionCode" validate:"required,session_code"`
	QuestionID  string `json:"questionId" validate:"required"`
	Answer      string `json:"answer"`
	TimeSpentMs int64  `json:"timeSpentMs" validate:"min=0"`
}

type NextQuestionPayload struct {
	SessionCode   string `json:"sessionCode" validate:"required,session_code"`
	QuestionIndex *int   `json:"questionIndex,omitempty"`
}

type FindDuelPayload struct {
	QuizID      string `json:"quizId" validate:"required"`
	DisplayName string `json:"displayName" validate:"omitempty,max=64"`
}

type MatchIDPayload struct {
	MatchID string `json:"matchId" validate:"required"`
}

type DuelAnswerPayload struct {
	MatchID       string `json:"matchId" validate:"required"`
	QuestionIndex int    `json:"questionIndex" validate:"min=0"`
	Answer        string `json:"answer"`
	TimeSpentMs   int64  `json:"timeSpentMs" validate:"min=0"`
}

// Server Messages (outgoing)

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Score       int64  `json:"score"`
}

type QuestionView struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Points   int      `json:"points"`
}

type SessionView struct {
	SessionCode          string `json:"sessionCode"`
	QuizID               string `json:"quizId"`
	HostID               string `json:"hostId"`
	Status               string `json:"status"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`
	Title                string `json:"title"`
	TotalQuestions       int    `json:"totalQuestions"`
	Difficulty           string `json:"difficulty"`
	TimePerQuestion      int    `json:"timePerQuestion"`
	MaxParticipants      int    `json:"maxParticipants"`
}

type ParticipantView struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Score       int64  `json:"score"`
	IsActive    bool   `json:"isActive"`
}

type SessionJoinedPayload struct {
	Session     SessionView     `json:"session"`
	Participant ParticipantView `json:"participant"`
}

type ParticipantJoinedPayload struct {
	SessionCode      string          `json:"sessionCode"`
	Participant      ParticipantView `json:"participant"`
	ParticipantCount int             `json:"participantCount"`
}

type ParticipantLeftPayload struct {
	SessionCode      string `json:"sessionCode"`
	UserID           string `json:"userId"`
	ParticipantCount int    `json:"participantCount"`
}

type SessionStartedPayload struct {
	SessionCode    string `json:"sessionCode"`
	TotalQuestions int    `json:"totalQuestions"`
	StartsInMs     int64  `json:"startsInMs"`
}

type QuestionStartedPayload struct {
	SessionCode    string       `json:"sessionCode"`
	QuestionIndex  int          `json:"questionIndex"`
	Question       QuestionView `json:"question"`
	TimeLimit      int          `json:"timeLimit"`
	TotalQuestions int          `json:"totalQuestions"`
}

type QuestionEndedPayload struct {
	SessionCode   string `json:"sessionCode"`
	QuestionIndex int    `json:"questionIndex"`
	CorrectAnswer string `json:"correctAnswer"`
}

type LeaderboardUpdatedPayload struct {
	SessionCode string             `json:"sessionCode"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type AnswerSubmittedPayload struct {
	SessionCode   string `json:"sessionCode"`
	QuestionID    string `json:"questionId"`
	IsCorrect     bool   `json:"isCorrect"`
	Points        int    `json:"points"`
	CorrectAnswer string `json:"correctAnswer"`
	Score         int64  `json:"score"`
}

type SessionEndedPayload struct {
	SessionCode string             `json:"sessionCode"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type SessionStatusPayload struct {
	SessionCode string `json:"sessionCode"`
	Status      string `json:"status"`
}

type QuizSummary struct {
	Title          string `json:"title"`
	TotalQuestions int    `json:"totalQuestions"`
	Difficulty     string `json:"difficulty"`
}

type Opponent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type MatchFoundPayload struct {
	MatchID  string      `json:"matchId"`
	Quiz     QuizSummary `json:"quiz"`
	Opponent Opponent    `json:"opponent"`
	Role     string      `json:"role"`
}

type WaitingForOpponentPayload struct {
	MatchID string `json:"matchId"`
}

type PlayerReadyPayload struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

type DuelStartedPayload struct {
	MatchID         string    `json:"matchId"`
	StartedAt       time.Time `json:"startedAt"`
	TotalQuestions  int       `json:"totalQuestions"`
	TimePerQuestion int       `json:"timePerQuestion"`
}

type DuelQuestionPayload struct {
	MatchID        string       `json:"matchId"`
	QuestionIndex  int          `json:"questionIndex"`
	Question       QuestionView `json:"question"`
	TimeLimit      int          `json:"timeLimit"`
	TotalQuestions int          `json:"totalQuestions"`
}

type DuelScoreUpdatePayload struct {
	MatchID        string `json:"matchId"`
	UserID         string `json:"userId"`
	QuestionIndex  int    `json:"questionIndex"`
	IsCorrect      bool   `json:"isCorrect"`
	Points         int    `json:"points"`
	Score          int64  `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
}

type PlayerCompletedPayload struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

type FinalScore struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Score          int64  `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalTimeMs    int64  `json:"totalTimeMs"`
}

type DuelEndedPayload struct {
	MatchID     string       `json:"matchId"`
	Winner      *string      `json:"winner"`
	FinalScores []FinalScore `json:"finalScores"`
	Reason      string       `json:"reason,omitempty"`
}

type OpponentDisconnectedPayload struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
