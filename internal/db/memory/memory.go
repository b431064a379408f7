// Package memory is an in-process durable store for single-instance
// deployments and tests. It keeps the same guarantees as the Postgres
// repositories: versioned upserts, insert-only answers and conditional claims.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quizarena/live/internal/domain"
)

// Sessions implements the session repository.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*domain.SessionSnapshot
	partVer  map[string]map[string]int64
	answered map[string]map[string]struct{}
}

func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*domain.SessionSnapshot),
		partVer:  make(map[string]map[string]int64),
		answered: make(map[string]map[string]struct{}),
	}
}

func (s *Sessions) UpsertSnapshot(_ context.Context, snap domain.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := snap.Session.Code
	cur, ok := s.sessions[code]
	if !ok {
		cur = &domain.SessionSnapshot{}
		s.sessions[code] = cur
		s.partVer[code] = make(map[string]int64)
		s.answered[code] = make(map[string]struct{})
	}
	if !ok || cur.Version < snap.Version {
		cur.Session = snap.Session
		cur.Version = snap.Version
		cur.SyncedAt = snap.SyncedAt
	}

	for _, p := range snap.Participants {
		idx := -1
		for i := range cur.Participants {
			if cur.Participants[i].UserID == p.UserID {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			cur.Participants = append(cur.Participants, p)
			s.partVer[code][p.UserID] = snap.Version
		case s.partVer[code][p.UserID] < snap.Version:
			cur.Participants[idx] = p
			s.partVer[code][p.UserID] = snap.Version
		}
	}

	for _, a := range snap.Answers {
		key := a.UserID + "|" + a.QuestionID
		if _, dup := s.answered[code][key]; dup {
			continue
		}
		s.answered[code][key] = struct{}{}
		cur.Answers = append(cur.Answers, a)
	}
	return nil
}

func (s *Sessions) GetSnapshot(_ context.Context, code string) (*domain.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sessions[code]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, code)
	}
	out := *cur
	out.Participants = append([]domain.Participant(nil), cur.Participants...)
	sort.SliceStable(out.Participants, func(i, j int) bool {
		return out.Participants[i].Score > out.Participants[j].Score
	})
	out.Answers = append([]domain.AnswerRecord(nil), cur.Answers...)
	return &out, nil
}

func (s *Sessions) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, snap := range s.sessions {
		if !snap.Session.IsTerminal() {
			continue
		}
		at := snap.Session.UpdatedAt
		if snap.Session.EndedAt != nil {
			at = *snap.Session.EndedAt
		}
		if at.Before(cutoff) {
			delete(s.sessions, code)
			delete(s.partVer, code)
			delete(s.answered, code)
			n++
		}
	}
	return n, nil
}

// Duels implements the duel repository.
type Duels struct {
	mu      sync.Mutex
	matches map[string]*domain.DuelMatch
}

func NewDuels() *Duels {
	return &Duels{matches: make(map[string]*domain.DuelMatch)}
}

func (d *Duels) Create(_ context.Context, m *domain.DuelMatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.matches[m.ID]; ok {
		return fmt.Errorf("%w: match %s exists", domain.ErrConflict, m.ID)
	}
	d.matches[m.ID] = m.Clone()
	return nil
}

func (d *Duels) Get(_ context.Context, id string) (*domain.DuelMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: match %s", domain.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (d *Duels) FindOldestWaiting(_ context.Context, quizID, excludeUserID string) (*domain.DuelMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *domain.DuelMatch
	for _, m := range d.matches {
		if m.QuizID != quizID || m.Status != domain.DuelWaiting || m.Player2 != nil || m.Player1.UserID == excludeUserID {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: waiting match for quiz %s", domain.ErrNotFound, quizID)
	}
	return best.Clone(), nil
}

func (d *Duels) Claim(_ context.Context, id string, p2 domain.DuelPlayer) (*domain.DuelMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.matches[id]
	if !ok || m.Status != domain.DuelWaiting || m.Player2 != nil {
		return nil, fmt.Errorf("%w: match %s already claimed", domain.ErrConflict, id)
	}
	p := p2
	m.Player2 = &p
	m.Status = domain.DuelReady
	m.UpdatedAt = time.Now().UTC()
	return m.Clone(), nil
}

func (d *Duels) Update(_ context.Context, id string, fn func(m *domain.DuelMatch) error) (*domain.DuelMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: match %s", domain.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	d.matches[id] = next
	return next.Clone(), nil
}

func (d *Duels) DeleteIfWaiting(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.matches[id]
	if !ok || m.Status != domain.DuelWaiting || m.Player2 != nil {
		return false, nil
	}
	delete(d.matches, id)
	return true, nil
}

func (d *Duels) FindOpenByUser(_ context.Context, userID string) ([]*domain.DuelMatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*domain.DuelMatch
	for _, m := range d.matches {
		switch m.Status {
		case domain.DuelWaiting, domain.DuelReady, domain.DuelActive:
		default:
			continue
		}
		if m.Player(userID) != nil {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *Duels) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, m := range d.matches {
		if (m.Status == domain.DuelWaiting || m.Status == domain.DuelCancelled) && m.UpdatedAt.Before(before) {
			delete(d.matches, id)
			n++
		}
	}
	return n, nil
}

// Snapshots implements the leaderboard snapshot store.
type Snapshots struct {
	mu     sync.RWMutex
	latest map[string][]byte
}

func NewSnapshots() *Snapshots {
	return &Snapshots{latest: make(map[string][]byte)}
}

func (s *Snapshots) InsertLeaderboardSnapshot(_ context.Context, window string, entries []byte, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[window] = append([]byte(nil), entries...)
	return nil
}

func (s *Snapshots) LatestLeaderboardSnapshot(_ context.Context, window string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[window], nil
}
