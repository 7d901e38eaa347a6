package maze

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/content"
	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/quest"
	"quest-bot/internal/repo"
	"quest-bot/internal/session"
	"quest-bot/internal/store/memstore"
)

const player = 7

type fixture struct {
	svc      *Service
	contexts *session.Memory[Context]
	repo     *repo.Repo
	team     models.Team
}

func newFixture(t *testing.T, slide int) fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.ForTests()
	cfg.StageCount = 2
	r, err := repo.New(memstore.New(), cfg)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	_ = r.Riddles.Put(ctx, models.Riddle{ID: 1, Kind: models.RiddleMaze, Messages: []models.Message{{Text: "лес"}}})
	_ = r.Riddles.Put(ctx, models.Riddle{ID: 2, Kind: models.RiddleText, Answer: "x", Messages: []models.Message{{Text: "дальше"}}})
	team, err := r.Teams.Insert(ctx, models.Team{Name: "Олени", CurStage: 1, CurMemberID: player})
	if err != nil {
		t.Fatalf("team: %v", err)
	}
	contexts := session.NewMemory[Context]()
	texts := content.MazeTexts{DeerImage: "maze/deer.jpg", SleighImage: "maze/sleigh.jpg", Deer: []string{"олени"}, Sleigh: []string{"сани"}}
	svc := New(contexts, quest.New(r, cfg, zap.NewNop()), texts, zap.NewNop()).
		WithRand(func(int) int { return slide })
	return fixture{svc: svc, contexts: contexts, repo: r, team: team}
}

func (f fixture) send(t *testing.T, text string) []models.Message {
	t.Helper()
	out, err := f.svc.Handle(context.Background(), f.team, models.Message{SenderID: player, Text: text})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return out
}

func (f fixture) at(t *testing.T) string {
	t.Helper()
	mc, ok, _ := f.contexts.Get(context.Background(), player)
	if !ok {
		t.Fatal("no maze context")
	}
	return mc.pos().String()
}

func texts(msgs []models.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func has(msgs []models.Message, text string) bool {
	for _, m := range msgs {
		if m.Text == text {
			return true
		}
	}
	return false
}

func TestStartCoordinate(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
		want  string
	}{
		{"B4", true, "B4"},
		{" e5 ", true, "E5"},
		{"Z9", false, ""},
		{"A6", false, ""},
		{"Б4", false, ""},
		{"B", false, ""},
		{"вверх", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f := newFixture(t, 0)
			out := f.send(t, tt.in)
			if !tt.valid {
				if len(out) != 1 || out[0].Text != textBadCoord {
					t.Fatalf("want format hint, got %v", texts(out))
				}
				if f.contexts.Len() != 0 {
					t.Fatal("invalid start must not create a context")
				}
				return
			}
			if out[0].Text != "Вы приземлились в клетку "+tt.want+"." {
				t.Fatalf("unexpected landing %q", out[0].Text)
			}
			if got := f.at(t); got != tt.want {
				t.Fatalf("want position %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMovesBlocked(t *testing.T) {
	tests := []struct {
		name  string
		start string
		dir   string
	}{
		{"wall D1 to D2", "D1", "вниз"},
		{"wall D2 to D1", "D2", "вверх"},
		{"wall E3 to E4", "E3", "вниз"},
		{"wall B4 to B5", "B4", "вниз"},
		{"east edge", "E5", "вправо"},
		{"north edge", "E1", "вверх"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.send(t, "E1")
			p, _ := parsePoint(tt.start)
			mc, _, _ := f.contexts.Get(context.Background(), player)
			mc.moveTo(p)
			_ = f.contexts.Save(context.Background(), player, mc)

			out := f.send(t, tt.dir)
			if len(out) != 1 || out[0].Text != textTrees {
				t.Fatalf("want trees, got %v", texts(out))
			}
			if got := f.at(t); got != tt.start {
				t.Fatalf("blocked move changed position to %s", got)
			}
		})
	}
}

func TestBadDirection(t *testing.T) {
	f := newFixture(t, 0)
	f.send(t, "E1")
	out := f.send(t, "туда")
	if len(out) != 1 || out[0].Text != textBadDirection {
		t.Fatalf("unexpected reply %v", texts(out))
	}
	if f.at(t) != "E1" {
		t.Fatal("bad direction moved the player")
	}
}

func TestPortalDoesNotChain(t *testing.T) {
	f := newFixture(t, 0)
	f.send(t, "B1")
	out := f.send(t, "влево")
	if len(out) != 1 || out[0].Text != textPortal {
		t.Fatalf("unexpected reply %v", texts(out))
	}
	// A1 leads to B2, which is a portal too
	if got := f.at(t); got != "B2" {
		t.Fatalf("want B2, got %s", got)
	}
}

func TestRiverSlide(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		dir     string
		slide   int
		want    string
		stopped bool
	}{
		{"one step", "D3", "вверх", 0, "C2", false},
		{"two steps", "D3", "вверх", 1, "C3", false},
		{"stops on end cell", "D4", "влево", 1, "B4", true},
		{"entering an end cell", "B3", "вниз", 1, "B4", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.slide)
			f.send(t, tt.start)
			out := f.send(t, tt.dir)
			if out[0].Text != textIce {
				t.Fatalf("want ice warning, got %v", texts(out))
			}
			if has(out, textSlideEnd) != tt.stopped {
				t.Fatalf("slide end text mismatch: %v", texts(out))
			}
			if got := f.at(t); got != tt.want {
				t.Fatalf("want %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLandingOnRiver(t *testing.T) {
	f := newFixture(t, 1)
	out := f.send(t, "A3")
	want := []string{"Вы приземлились в клетку A3.", textIce, textSlideEnd}
	if got := texts(out); len(got) != len(want) || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("want %v, got %v", want, got)
	}
	if f.at(t) != "A2" {
		t.Fatalf("want A2, got %s", f.at(t))
	}
}

func TestObjectivesFoundOnce(t *testing.T) {
	f := newFixture(t, 0)
	out := f.send(t, "D4")
	if !has(out, textDeer) {
		t.Fatalf("deer not found: %v", texts(out))
	}
	if len(out[1].Files) != 1 || out[1].Files[0].Ref != "obj://maze/deer.jpg" {
		t.Fatalf("deer image missing: %+v", out[1])
	}
	if !has(out, "олени") {
		t.Fatal("deer lines missing")
	}

	f.send(t, "вверх")
	out = f.send(t, "вниз")
	if len(out) != 1 || out[0].Text != textEmpty {
		t.Fatalf("revisited objective should be an empty glade, got %v", texts(out))
	}
}

func TestExitNeedsBothObjectives(t *testing.T) {
	tests := []struct {
		name         string
		deer, sleigh bool
	}{
		{"none", false, false},
		{"deer only", true, false},
		{"sleigh only", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			_ = f.contexts.Save(context.Background(), player, Context{
				UserID: player, TeamID: f.team.ID, Stage: 1, Step: StepPlaying,
				X: 0, Y: 4, Deer: tt.deer, Sleigh: tt.sleigh,
			})
			out := f.send(t, "влево")
			if len(out) != 1 || out[0].Text != textNeedBoth {
				t.Fatalf("want need-both, got %v", texts(out))
			}
			tm, _ := f.repo.Teams.Get(context.Background(), f.team.ID)
			if tm.CurStage != 1 {
				t.Fatalf("team advanced without both objectives: %+v", tm)
			}
		})
	}
}

func TestFullRunAdvancesOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.send(t, "D4")    // deer
	f.send(t, "влево") // C4 slides to B4
	if out := f.send(t, "вверх"); !has(out, textSleigh) {
		t.Fatalf("sleigh not found: %v", texts(out))
	}
	f.send(t, "вниз")  // back to B4
	f.send(t, "влево") // A4
	f.send(t, "вниз")  // A5

	out := f.send(t, "влево")
	if out[0].Text != textEscaped {
		t.Fatalf("want escape, got %v", texts(out))
	}
	if !has(out, "дальше") {
		t.Fatalf("next riddle missing: %v", texts(out))
	}
	for _, m := range out[1:] {
		if m.RecipientID != player {
			t.Fatalf("engine reply not addressed to the player: %+v", m)
		}
	}
	if f.contexts.Len() != 0 {
		t.Fatal("context must be dropped after the exit")
	}

	tm, _ := f.repo.Teams.Get(ctx, f.team.ID)
	if tm.CurStage != 2 || tm.Score != 1 {
		t.Fatalf("want one advance, got %+v", tm)
	}

	// a repeated exit command starts from scratch and cannot advance again
	f.team = tm
	if out := f.send(t, "влево"); out[0].Text != textBadCoord {
		t.Fatalf("unexpected reply after completion %v", texts(out))
	}
	tm, _ = f.repo.Teams.Get(ctx, f.team.ID)
	if tm.Score != 1 {
		t.Fatalf("maze advanced twice: %+v", tm)
	}
}

func TestStaleContextDropped(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.send(t, "E1")

	moved := f.team
	moved.CurStage = 2
	active, err := f.svc.Active(ctx, player, moved)
	if err != nil || active {
		t.Fatalf("stale context reported active: %v %v", active, err)
	}
	if f.contexts.Len() != 0 {
		t.Fatal("stale context kept")
	}
}

func TestUnknownStep(t *testing.T) {
	f := newFixture(t, 0)
	_ = f.contexts.Save(context.Background(), player, Context{UserID: player, TeamID: f.team.ID, Stage: 1, Step: "FLYING"})
	_, err := f.svc.Handle(context.Background(), f.team, models.Message{SenderID: player, Text: "вверх"})
	if !errs.IsInvariant(err) {
		t.Fatalf("want invariant error, got %v", err)
	}
}
