package admin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/models"
	"quest-bot/internal/repo"
	"quest-bot/internal/store/memstore"
)

type fakeExporter struct {
	teams   []models.Team
	members map[int64][]models.Member
	err     error
}

func (f *fakeExporter) ExportLeaderboard(_ context.Context, teams []models.Team) error {
	f.teams = teams
	return f.err
}

func (f *fakeExporter) ExportMembers(_ context.Context, _ []models.Team, members map[int64][]models.Member) error {
	f.members = members
	return nil
}

func (f *fakeExporter) SpreadsheetID() string { return "sheet-1" }

func newService(t *testing.T, exp Exporter) (*Service, *repo.Repo) {
	t.Helper()
	ctx := context.Background()
	cfg := config.ForTests(42)
	cfg.BasePublicURL = "https://quest.example"
	r, err := repo.New(memstore.New(), cfg)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	deer, _ := r.Teams.Insert(ctx, models.Team{Name: "Олени", CurStage: 4, Score: 3, CurMemberID: 7})
	_, _ = r.Teams.Insert(ctx, models.Team{Name: "Сани", CurStage: 2, Score: 1})
	_ = r.Members.Insert(ctx, models.Member{ID: 7, Nickname: "@rudolf", Name: "Рудольф", TeamID: deer.ID})
	_ = r.Members.Insert(ctx, models.Member{ID: 8, Name: "Вихрь", TeamID: deer.ID})
	return New(r, cfg, exp, zap.NewNop()), r
}

func run(t *testing.T, s *Service, text string) string {
	t.Helper()
	out, err := s.Handle(context.Background(), models.Message{SenderID: 42, Text: text})
	if err != nil {
		t.Fatalf("%s: %v", text, err)
	}
	if len(out) != 1 {
		t.Fatalf("%s: want one reply, got %d", text, len(out))
	}
	if out[0].RecipientID != 0 {
		t.Fatalf("%s: admin replies are addressed by the router", text)
	}
	return out[0].Text
}

func TestCommands(t *testing.T) {
	s, _ := newService(t, nil)
	tests := []struct {
		in   string
		want []string
	}{
		{"/info Олени", []string{"Команда Олени", "Этап: 4", "Очки: 3", "@rudolf (активный)", "Вихрь"}},
		{"/INFO@quest_bot Олени", []string{"Команда Олени"}},
		{"/info Никто", []string{"не найдена"}},
		{"/info", []string{textInfoUsage}},
		{"/info_all", []string{"1. Олени", "2. Сани"}},
		{"/scoring_system", []string{"+1 этап"}},
		{"/help", []string{"/info_all", "/csv"}},
		{"/export", []string{textExportOff}},
		{"/csv", []string{"https://quest.example/export/leaderboard.csv?token="}},
		{"/delete_everything", []string{textUnknown}},
		{"привет", []string{textUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := run(t, s, tt.in)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("reply %q does not contain %q", got, w)
				}
			}
		})
	}
}

func TestInfoAllEmpty(t *testing.T) {
	r, _ := repo.New(memstore.New(), config.ForTests())
	s := New(r, config.ForTests(), nil, zap.NewNop())
	if got := run(t, s, "/info_all"); got != textNoTeams {
		t.Fatalf("unexpected %q", got)
	}
}

func TestCSVWithoutPublicURL(t *testing.T) {
	r, _ := repo.New(memstore.New(), config.ForTests())
	s := New(r, config.ForTests(), nil, zap.NewNop())
	if got := run(t, s, "/csv"); got != textCSVOff {
		t.Fatalf("unexpected %q", got)
	}
}

func TestExport(t *testing.T) {
	exp := &fakeExporter{}
	s, _ := newService(t, exp)
	got := run(t, s, "/export")
	if !strings.Contains(got, "sheet-1") {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(exp.teams) != 2 || exp.teams[0].Name != "Олени" {
		t.Fatalf("exported teams not in standings order: %+v", exp.teams)
	}
	if len(exp.members[exp.teams[0].ID]) != 2 {
		t.Fatalf("members not exported: %+v", exp.members)
	}

	exp.err = errors.New("quota")
	if got := run(t, s, "/export"); got != textExportFailed {
		t.Fatalf("export failure should be a reply, got %q", got)
	}
}
