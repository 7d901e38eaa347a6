// Package memstore is an in-process backend used for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"quest-bot/internal/models"
	"quest-bot/internal/store"
)

type Store struct {
	mu      sync.Mutex
	nextID  int64
	teams   map[int64]models.Team
	members map[int64]models.Member
	riddles map[int]models.Riddle

	// calls counts backend reads so tests can tell cache hits from misses.
	calls map[string]int
}

func New() *Store {
	return &Store{
		teams:   map[int64]models.Team{},
		members: map[int64]models.Member{},
		riddles: map[int]models.Riddle{},
		calls:   map[string]int{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Store) GetTeam(ctx context.Context, id int64) (models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetTeam"]++
	t, ok := s.teams[id]
	if !ok {
		return models.Team{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTeamByName(ctx context.Context, name string) (models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetTeamByName"]++
	for _, t := range s.teams {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Team{}, store.ErrNotFound
}

func (s *Store) ListTeams(ctx context.Context) ([]models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].StageEnteredAt.Equal(out[j].StageEnteredAt) {
			return out[i].StageEnteredAt.Before(out[j].StageEnteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertTeam(ctx context.Context, t models.Team) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.teams {
		if existing.Name == t.Name {
			return 0, store.ErrConflict
		}
	}
	s.nextID++
	t.ID = s.nextID
	s.teams[t.ID] = t
	return t.ID, nil
}

func (s *Store) UpdateTeamProgress(ctx context.Context, id int64, stage, score int, enteredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return store.ErrNotFound
	}
	t.CurStage, t.Score, t.StageEnteredAt = stage, score, enteredAt
	s.teams[id] = t
	return nil
}

func (s *Store) UpdateTeamMember(ctx context.Context, id, memberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return store.ErrNotFound
	}
	t.CurMemberID = memberID
	s.teams[id] = t
	return nil
}

func (s *Store) GetMember(ctx context.Context, id int64) (models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetMember"]++
	m, ok := s.members[id]
	if !ok {
		return models.Member{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMembersByTeam(ctx context.Context, teamID int64) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Member
	for _, m := range s.members {
		if m.TeamID == teamID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertMember(ctx context.Context, m models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; ok {
		return store.ErrConflict
	}
	s.members[m.ID] = m
	return nil
}

func (s *Store) GetRiddle(ctx context.Context, id int) (models.Riddle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetRiddle"]++
	r, ok := s.riddles[id]
	if !ok {
		return models.Riddle{}, store.ErrNotFound
	}
	r.Messages = r.Payload()
	return r, nil
}

func (s *Store) PutRiddle(ctx context.Context, r models.Riddle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Messages = r.Payload()
	s.riddles[r.ID] = r
	return nil
}

var _ store.Backend = (*Store)(nil)
