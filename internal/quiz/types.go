package quiz

import (
	"context"
	"strings"

	"github.com/quizarena/live/internal/domain"
)

// DefaultPoints applies to questions that carry no explicit points value.
const DefaultPoints = 10

// Question is one quiz item. CorrectAnswer never leaves the server.
type Question struct {
	ID            string   `json:"_id" yaml:"id"`
	Question      string   `json:"question" yaml:"question"`
	Options       []string `json:"options" yaml:"options"`
	CorrectAnswer string   `json:"correctAnswer" yaml:"correctAnswer"`
	Points        int      `json:"points" yaml:"points"`
}

// Quiz is the content snapshot used by sessions and duels.
type Quiz struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title" yaml:"title"`
	Difficulty string     `json:"difficulty" yaml:"difficulty"`
	Questions  []Question `json:"questions" yaml:"questions"`
}

// Source loads quizzes by id. Missing quizzes return domain.ErrNotFound.
type Source interface {
	Quiz(ctx context.Context, id string) (*Quiz, error)
}

// Normalize fills defaults.
func (q *Quiz) Normalize() {
	for i := range q.Questions {
		if q.Questions[i].Points <= 0 {
			q.Questions[i].Points = DefaultPoints
		}
	}
}

// Metadata is the read-only summary copied into sessions.
func (q *Quiz) Metadata() domain.QuizMetadata {
	return domain.QuizMetadata{
		Title:          q.Title,
		TotalQuestions: len(q.Questions),
		Difficulty:     q.Difficulty,
	}
}

// At returns the question at index.
func (q *Quiz) At(index int) (Question, bool) {
	if index < 0 || index >= len(q.Questions) {
		return Question{}, false
	}
	return q.Questions[index], true
}

// IndexOf returns the position of the question with id, or -1.
func (q *Quiz) IndexOf(id string) int {
	for i, item := range q.Questions {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// Check grades answer against the canonical answer, ignoring case and
// surrounding whitespace. Wrong answers score zero.
func (q Question) Check(answer string) (bool, int) {
	if strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectAnswer)) {
		return true, q.Points
	}
	return false, 0
}
