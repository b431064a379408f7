package quiz

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quizarena/live/internal/domain"
)

type fixtureFile struct {
	Quizzes []Quiz `yaml:"quizzes"`
}

// Fixtures serves quizzes from a YAML file loaded at startup.
type Fixtures struct {
	quizzes map[string]*Quiz
}

// LoadFixtures reads a YAML document of the form `quizzes: [{id, title, ...}]`.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quiz fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes fixture YAML.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse quiz fixtures: %w", err)
	}
	f := &Fixtures{quizzes: make(map[string]*Quiz, len(file.Quizzes))}
	for i := range file.Quizzes {
		q := file.Quizzes[i]
		if q.ID == "" {
			return nil, fmt.Errorf("quiz fixture %d: missing id", i)
		}
		q.Normalize()
		f.quizzes[q.ID] = &q
	}
	return f, nil
}

// NewFixtures builds fixtures from in-memory quizzes.
func NewFixtures(quizzes ...Quiz) *Fixtures {
	f := &Fixtures{quizzes: make(map[string]*Quiz, len(quizzes))}
	for i := range quizzes {
		q := quizzes[i]
		q.Normalize()
		f.quizzes[q.ID] = &q
	}
	return f
}

func (f *Fixtures) Quiz(_ context.Context, id string) (*Quiz, error) {
	q, ok := f.quizzes[id]
	if !ok {
		return nil, fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	}
	cp := *q
	cp.Questions = append([]Question(nil), q.Questions...)
	return &cp, nil
}

// Chain tries each source in order, moving on when one reports NotFound.
type Chain []Source

func (c Chain) Quiz(ctx context.Context, id string) (*Quiz, error) {
	err := fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	for _, src := range c {
		var q *Quiz
		q, err = src.Quiz(ctx, id)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, err
}
