// Package repo puts an LRU cache in front of each persistent entity store.
// It is the only place entities are mutated: writes go to the backend first,
// then the cached copy is refreshed.
package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"quest-bot/internal/cache"
	"quest-bot/internal/config"
	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/store"
)

// Event names the kind of team mutation; only whitelisted events are persisted.
type Event string

const (
	EventStageAdvanced  Event = "stage_advanced"
	EventMemberSwitched Event = "member_switched"
)

type Repo struct {
	Teams   *Teams
	Members *Members
	Riddles *Riddles
}

func New(b store.Backend, cfg config.Config) (*Repo, error) {
	tc, err := cache.New[int64, models.Team]("team", cfg.TeamCacheSize)
	if err != nil {
		return nil, err
	}
	mc, err := cache.New[int64, models.Member]("member", cfg.MemberCacheSize)
	if err != nil {
		return nil, err
	}
	rc, err := cache.New[int, models.Riddle]("riddle", cfg.RiddleCacheSize)
	if err != nil {
		return nil, err
	}
	return &Repo{
		Teams:   &Teams{backend: b, cache: tc},
		Members: &Members{backend: b, cache: mc},
		Riddles: &Riddles{backend: b, cache: rc},
	}, nil
}

type Teams struct {
	backend store.TeamStore
	cache   *cache.LRU[int64, models.Team]
	// mu orders backend writes with the cache refresh that follows them.
	mu sync.Mutex
}

func (r *Teams) Get(ctx context.Context, id int64) (models.Team, error) {
	if t, ok := r.cache.Get(id); ok {
		return t, nil
	}
	t, err := r.backend.GetTeam(ctx, id)
	if err != nil {
		return models.Team{}, notFound(err, errs.ErrTeamNotFound, "team %d", id)
	}
	r.cache.Put(t.ID, t)
	return t, nil
}

// GetByName always asks the backend, since the cache is keyed by id only.
func (r *Teams) GetByName(ctx context.Context, name string) (models.Team, error) {
	t, err := r.backend.GetTeamByName(ctx, name)
	if err != nil {
		return models.Team{}, notFound(err, errs.ErrTeamNotFound, "team %q", name)
	}
	r.cache.Put(t.ID, t)
	return t, nil
}

// List returns every team ordered by score descending, then by who reached the stage first.
func (r *Teams) List(ctx context.Context) ([]models.Team, error) {
	teams, err := r.backend.ListTeams(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list teams")
	}
	sort.SliceStable(teams, func(i, j int) bool {
		if teams[i].Score != teams[j].Score {
			return teams[i].Score > teams[j].Score
		}
		return teams[i].StageEnteredAt.Before(teams[j].StageEnteredAt)
	})
	return teams, nil
}

// Insert persists a new team and returns it with the backend-assigned id.
// store.ErrConflict is returned when the name is taken.
func (r *Teams) Insert(ctx context.Context, t models.Team) (models.Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.backend.InsertTeam(ctx, t)
	if err != nil {
		return models.Team{}, errors.Wrapf(err, "insert team %q", t.Name)
	}
	t.ID = id
	r.cache.Put(id, t)
	return t, nil
}

// Update persists only the fields the event touches, so a member switch
// never overwrites a concurrent stage advance and vice versa.
func (r *Teams) Update(ctx context.Context, t models.Team, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch event {
	case EventStageAdvanced:
		err = r.backend.UpdateTeamProgress(ctx, t.ID, t.CurStage, t.Score, t.StageEnteredAt)
	case EventMemberSwitched:
		err = r.backend.UpdateTeamMember(ctx, t.ID, t.CurMemberID)
	default:
		return errors.Wrapf(errs.ErrUnknownEvent, "team %d event %q", t.ID, event)
	}
	if err != nil {
		return notFound(err, errs.ErrTeamNotFound, "update team %d", t.ID)
	}

	cached, ok := r.cache.Get(t.ID)
	if !ok {
		// next Get reads the merged row from the backend
		return nil
	}
	switch event {
	case EventStageAdvanced:
		cached.CurStage, cached.Score, cached.StageEnteredAt = t.CurStage, t.Score, t.StageEnteredAt
	case EventMemberSwitched:
		cached.CurMemberID = t.CurMemberID
	}
	r.cache.Put(t.ID, cached)
	return nil
}

type Members struct {
	backend store.MemberStore
	cache   *cache.LRU[int64, models.Member]
}

func (r *Members) Get(ctx context.Context, id int64) (models.Member, error) {
	if m, ok := r.cache.Get(id); ok {
		return m, nil
	}
	m, err := r.backend.GetMember(ctx, id)
	if err != nil {
		return models.Member{}, notFound(err, errs.ErrMemberNotFound, "member %d", id)
	}
	r.cache.Put(m.ID, m)
	return m, nil
}

// Exists reports whether the user is registered. Only backend failures are errors.
func (r *Members) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := r.Get(ctx, id)
	if errors.Is(err, errs.ErrMemberNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Members) ListByTeam(ctx context.Context, teamID int64) ([]models.Member, error) {
	ms, err := r.backend.ListMembersByTeam(ctx, teamID)
	return ms, errors.Wrapf(err, "list members of team %d", teamID)
}

func (r *Members) Insert(ctx context.Context, m models.Member) error {
	if err := r.backend.InsertMember(ctx, m); err != nil {
		return errors.Wrapf(err, "insert member %d", m.ID)
	}
	r.cache.Put(m.ID, m)
	return nil
}

type Riddles struct {
	backend store.RiddleStore
	cache   *cache.LRU[int, models.Riddle]
}

// Get returns a riddle whose payload the caller may modify freely.
func (r *Riddles) Get(ctx context.Context, id int) (models.Riddle, error) {
	rd, ok := r.cache.Get(id)
	if !ok {
		var err error
		rd, err = r.backend.GetRiddle(ctx, id)
		if err != nil {
			return models.Riddle{}, notFound(err, errs.ErrRiddleNotFound, "riddle %d", id)
		}
		r.cache.Put(id, rd)
	}
	rd.Messages = rd.Payload()
	return rd, nil
}

func (r *Riddles) Put(ctx context.Context, rd models.Riddle) error {
	if err := r.backend.PutRiddle(ctx, rd); err != nil {
		return errors.Wrapf(err, "put riddle %d", rd.ID)
	}
	rd.Messages = rd.Payload()
	r.cache.Put(rd.ID, rd)
	return nil
}

func notFound(err, sentinel error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(sentinel, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
