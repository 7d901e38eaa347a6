package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"quest-bot/internal/config"
	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/store"
	"quest-bot/internal/store/memstore"
)

func newRepo(t *testing.T, teamCache int) (*Repo, *memstore.Store) {
	t.Helper()
	b := memstore.New()
	cfg := config.ForTests()
	cfg.TeamCacheSize = teamCache
	r, err := New(b, cfg)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return r, b
}

func TestTeamGetUsesCache(t *testing.T) {
	ctx := context.Background()
	r, b := newRepo(t, 2)

	var ids []int64
	for _, name := range []string{"a", "b", "c"} {
		tm, err := r.Teams.Insert(ctx, models.Team{Name: name, CurStage: 1})
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		ids = append(ids, tm.ID)
	}

	// capacity 2: "a" was evicted by the third insert
	if _, err := r.Teams.Get(ctx, ids[2]); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := b.CallCount("GetTeam"); n != 0 {
		t.Fatalf("cached team hit the backend %d times", n)
	}
	if _, err := r.Teams.Get(ctx, ids[0]); err != nil {
		t.Fatalf("get evicted: %v", err)
	}
	if n := b.CallCount("GetTeam"); n != 1 {
		t.Fatalf("evicted team should be read once, got %d", n)
	}
	if _, err := r.Teams.Get(ctx, ids[0]); err != nil {
		t.Fatalf("get again: %v", err)
	}
	if n := b.CallCount("GetTeam"); n != 1 {
		t.Fatalf("re-read team should be cached, got %d backend reads", n)
	}
}

func TestTeamNotFound(t *testing.T) {
	r, _ := newRepo(t, 2)
	if _, err := r.Teams.Get(context.Background(), 77); !errors.Is(err, errs.ErrTeamNotFound) {
		t.Fatalf("want ErrTeamNotFound, got %v", err)
	}
	if _, err := r.Teams.GetByName(context.Background(), "nobody"); !errors.Is(err, errs.ErrTeamNotFound) {
		t.Fatalf("want ErrTeamNotFound, got %v", err)
	}
}

func TestTeamInsertConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t, 2)
	if _, err := r.Teams.Insert(ctx, models.Team{Name: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.Teams.Insert(ctx, models.Team{Name: "x"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestTeamUpdateEvents(t *testing.T) {
	ctx := context.Background()
	r, b := newRepo(t, 4)
	tm, _ := r.Teams.Insert(ctx, models.Team{Name: "x", CurStage: 1, CurMemberID: 10})

	t.Run("unknown event is rejected", func(t *testing.T) {
		changed := tm
		changed.Score = 100
		if err := r.Teams.Update(ctx, changed, Event("rename")); !errors.Is(err, errs.ErrUnknownEvent) {
			t.Fatalf("want ErrUnknownEvent, got %v", err)
		}
		got, _ := b.GetTeam(ctx, tm.ID)
		if got.Score != 0 {
			t.Fatalf("unknown event mutated backend: %+v", got)
		}
		cached, _ := r.Teams.Get(ctx, tm.ID)
		if cached.Score != 0 {
			t.Fatalf("unknown event mutated cache: %+v", cached)
		}
	})

	t.Run("events only touch their fields", func(t *testing.T) {
		advanced := tm
		advanced.NextStage(17, time.Now())

		switched := tm
		switched.SwitchMember(20)

		if err := r.Teams.Update(ctx, advanced, EventStageAdvanced); err != nil {
			t.Fatalf("advance: %v", err)
		}
		// switched still carries the old stage; it must not roll the advance back
		if err := r.Teams.Update(ctx, switched, EventMemberSwitched); err != nil {
			t.Fatalf("switch: %v", err)
		}

		for name, got := range map[string]models.Team{
			"cache":   mustGet(t, r, tm.ID),
			"backend": mustBackend(t, b, tm.ID),
		} {
			if got.CurStage != 2 || got.Score != 1 || got.CurMemberID != 20 {
				t.Fatalf("%s: unexpected team %+v", name, got)
			}
		}
	})

	t.Run("missing team", func(t *testing.T) {
		if err := r.Teams.Update(ctx, models.Team{ID: 999}, EventMemberSwitched); !errors.Is(err, errs.ErrTeamNotFound) {
			t.Fatalf("want ErrTeamNotFound, got %v", err)
		}
	})
}

func mustGet(t *testing.T, r *Repo, id int64) models.Team {
	t.Helper()
	tm, err := r.Teams.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return tm
}

func mustBackend(t *testing.T, b *memstore.Store, id int64) models.Team {
	t.Helper()
	tm, err := b.GetTeam(context.Background(), id)
	if err != nil {
		t.Fatalf("backend get: %v", err)
	}
	return tm
}

func TestTeamListOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t, 4)
	base := time.Now()
	_, _ = r.Teams.Insert(ctx, models.Team{Name: "late", Score: 2, StageEnteredAt: base.Add(time.Minute)})
	_, _ = r.Teams.Insert(ctx, models.Team{Name: "early", Score: 2, StageEnteredAt: base})
	_, _ = r.Teams.Insert(ctx, models.Team{Name: "leader", Score: 5, StageEnteredAt: base.Add(time.Hour)})

	list, err := r.Teams.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, tm := range list {
		names = append(names, tm.Name)
	}
	want := []string{"leader", "early", "late"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("want %v, got %v", want, names)
		}
	}
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	r, b := newRepo(t, 2)

	ok, err := r.Members.Exists(ctx, 5)
	if err != nil || ok {
		t.Fatalf("exists before insert: %v %v", ok, err)
	}
	if err := r.Members.Insert(ctx, models.Member{ID: 5, Name: "Аня", TeamID: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	before := b.CallCount("GetMember")
	m, err := r.Members.Get(ctx, 5)
	if err != nil || m.Name != "Аня" {
		t.Fatalf("get: %+v %v", m, err)
	}
	if b.CallCount("GetMember") != before {
		t.Fatal("inserted member should be served from cache")
	}
	if _, err := r.Members.Get(ctx, 6); !errors.Is(err, errs.ErrMemberNotFound) {
		t.Fatalf("want ErrMemberNotFound, got %v", err)
	}
	list, err := r.Members.ListByTeam(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("list by team: %+v %v", list, err)
	}
}

func TestRiddlePayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t, 2)
	if err := r.Riddles.Put(ctx, models.Riddle{ID: 1, Kind: models.RiddleText, Messages: []models.Message{{Text: "hello"}}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := r.Riddles.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Messages[0].Text = "mutated"
	got.Messages[0].RecipientID = 42

	again, _ := r.Riddles.Get(ctx, 1)
	if again.Messages[0].Text != "hello" || again.Messages[0].RecipientID != 0 {
		t.Fatalf("cached riddle was mutated through a returned copy: %+v", again.Messages[0])
	}
	if _, err := r.Riddles.Get(ctx, 2); !errors.Is(err, errs.ErrRiddleNotFound) {
		t.Fatalf("want ErrRiddleNotFound, got %v", err)
	}
}
