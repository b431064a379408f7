package domain

import "time"

// Session lifecycle states.
const (
	SessionWaiting   = "waiting"
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Duel lifecycle states.
const (
	DuelWaiting   = "waiting"
	DuelReady     = "ready"
	DuelActive    = "active"
	DuelCompleted = "completed"
	DuelCancelled = "cancelled"
)

// Settings are chosen by the host at creation time.
type Settings struct {
	TimePerQuestion int  `json:"timePerQuestion"` // seconds
	AllowLateJoin   bool `json:"allowLateJoin"`
	ShowLeaderboard bool `json:"showLeaderboard"`
	AutoAdvance     bool `json:"autoAdvance"`
}

// QuizMetadata is a read-only snapshot of the quiz taken when the session is created.
type QuizMetadata struct {
	Title          string `json:"title"`
	TotalQuestions int    `json:"totalQuestions"`
	Difficulty     string `json:"difficulty"`
}

// Session is a host-led group quiz identified by a short code.
type Session struct {
	Code                 string       `json:"sessionCode"`
	QuizID               string       `json:"quizId"`
	HostID               string       `json:"hostId"`
	Status               string       `json:"status"`
	CurrentQuestionIndex int          `json:"currentQuestionIndex"`
	QuestionOpen         bool         `json:"questionOpen"`
	QuestionStartedAt    *time.Time   `json:"questionStartedAt,omitempty"`
	MaxParticipants      int          `json:"maxParticipants"`
	Settings             Settings     `json:"settings"`
	QuizMetadata         QuizMetadata `json:"quizMetadata"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	StartedAt            *time.Time   `json:"startedAt,omitempty"`
	EndedAt              *time.Time   `json:"endedAt,omitempty"`
}

// IsTerminal reports whether no further transitions are allowed.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionCancelled
}

// Participant is a user inside a session.
type Participant struct {
	UserID           string     `json:"userId"`
	DisplayName      string     `json:"displayName"`
	AvatarRef        string     `json:"avatarRef,omitempty"`
	Score            int64      `json:"score"`
	CorrectAnswers   int        `json:"correctAnswers"`
	IncorrectAnswers int        `json:"incorrectAnswers"`
	IsActive         bool       `json:"isActive"`
	JoinedAt         time.Time  `json:"joinedAt"`
	LeftAt           *time.Time `json:"leftAt,omitempty"`
}

// AnswerRecord is appended once per (user, question).
type AnswerRecord struct {
	UserID         string    `json:"userId"`
	QuestionID     string    `json:"questionId"`
	QuestionIndex  int       `json:"questionIndex"`
	SelectedAnswer string    `json:"selectedAnswer"`
	IsCorrect      bool      `json:"isCorrect"`
	Points         int       `json:"points"`
	TimeSpentMs    int64     `json:"timeSpentMs"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

// SessionSnapshot is the full state of a session as persisted to the durable store.
// Version is read before the rest of the state, so the data is never older than it.
type SessionSnapshot struct {
	Session      Session        `json:"session"`
	Participants []Participant  `json:"participants"`
	Answers      []AnswerRecord `json:"answers"`
	Version      int64          `json:"version"`
	SyncedAt     time.Time      `json:"syncedAt"`
}

// DuelAnswer is one entry of a duel player's ordered answer log.
type DuelAnswer struct {
	QuestionIndex  int       `json:"questionIndex"`
	QuestionID     string    `json:"questionId"`
	SelectedAnswer string    `json:"selectedAnswer"`
	IsCorrect      bool      `json:"isCorrect"`
	Points         int       `json:"points"`
	TimeSpentMs    int64     `json:"timeSpentMs"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

// DuelPlayer is one side of a duel.
type DuelPlayer struct {
	UserID         string       `json:"userId"`
	ConnectionRef  string       `json:"connectionRef"`
	DisplayName    string       `json:"displayName"`
	Score          int64        `json:"score"`
	CorrectAnswers int          `json:"correctAnswers"`
	TotalTimeMs    int64        `json:"totalTimeMs"`
	Answers        []DuelAnswer `json:"answers"`
	IsReady        bool         `json:"isReady"`
	IsActive       bool         `json:"isActive"`
}

// DuelMatch is a 1v1 self-paced match. Player2 is nil until claimed.
type DuelMatch struct {
	ID              string      `json:"matchId"`
	QuizID          string      `json:"quizId"`
	Player1         DuelPlayer  `json:"player1"`
	Player2         *DuelPlayer `json:"player2,omitempty"`
	Status          string      `json:"status"`
	Winner          *string     `json:"winner"`
	TimePerQuestion int         `json:"timePerQuestion"`
	TotalQuestions  int         `json:"totalQuestions"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

// Player returns the side belonging to userID, or nil.
func (m *DuelMatch) Player(userID string) *DuelPlayer {
	if m.Player1.UserID == userID {
		return &m.Player1
	}
	if m.Player2 != nil && m.Player2.UserID == userID {
		return m.Player2
	}
	return nil
}

// Opponent returns the other side of userID, or nil.
func (m *DuelMatch) Opponent(userID string) *DuelPlayer {
	if m.Player1.UserID == userID {
		return m.Player2
	}
	if m.Player2 != nil && m.Player2.UserID == userID {
		return &m.Player1
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (m *DuelMatch) Clone() *DuelMatch {
	out := *m
	out.Player1 = clonePlayer(m.Player1)
	if m.Player2 != nil {
		p2 := clonePlayer(*m.Player2)
		out.Player2 = &p2
	}
	if m.Winner != nil {
		w := *m.Winner
		out.Winner = &w
	}
	if m.StartedAt != nil {
		t := *m.StartedAt
		out.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func clonePlayer(p DuelPlayer) DuelPlayer {
	out := p
	out.Answers = append([]DuelAnswer(nil), p.Answers...)
	return out
}
