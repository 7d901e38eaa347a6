package registration

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/models"
	"quest-bot/internal/quest"
	"quest-bot/internal/repo"
	"quest-bot/internal/session"
	"quest-bot/internal/store/memstore"
)

type fixture struct {
	svc   *Service
	repo  *repo.Repo
	ctxs  *session.Memory[Context]
	names *session.MemoryReservations
	team  models.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.ForTests(42)
	r, err := repo.New(memstore.New(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Riddles.Put(ctx, models.Riddle{ID: 1, Kind: models.RiddleText, Answer: "a", Messages: []models.Message{{Text: "первая загадка"}}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Riddles.Put(ctx, models.Riddle{ID: 3, Kind: models.RiddleText, Answer: "c", Messages: []models.Message{{Text: "третья загадка"}}}); err != nil {
		t.Fatal(err)
	}
	hash, err := models.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	team, err := r.Teams.Insert(ctx, models.Team{Name: "Олени", PasswordHash: hash, CurStage: 3, CurMemberID: 100})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		repo:  r,
		ctxs:  session.NewMemory[Context](),
		names: session.NewMemoryReservations(cfg.RegistrationTimeout),
		team:  team,
	}
	engine := quest.New(r, cfg, zap.NewNop())
	f.svc = New(f.ctxs, f.names, r, engine, cfg.RegistrationTimeout, zap.NewNop())
	return f
}

func (f *fixture) send(t *testing.T, user int64, text string) []models.Message {
	t.Helper()
	msg := models.Message{SenderID: user, Text: text}
	msg.SetMeta(models.MetaUsername, "player")
	replies, err := f.svc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return replies
}

func (f *fixture) step(t *testing.T, user int64) string {
	t.Helper()
	rc, ok, _ := f.ctxs.Get(context.Background(), user)
	if !ok {
		return ""
	}
	return rc.Step
}

func lastText(msgs []models.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

func TestJoinExistingTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	replies := f.send(t, 7, "/riddle")
	if len(replies) != 2 || replies[1].Text != textRolePrompt {
		t.Fatalf("first input must greet and ask for a role, got %+v", replies)
	}
	if f.step(t, 7) != StepAskRole {
		t.Fatalf("want %s, got %s", StepAskRole, f.step(t, 7))
	}

	if got := lastText(f.send(t, 7, "3")); got != textBadRole {
		t.Fatalf("bad role reply %q", got)
	}
	if f.step(t, 7) != StepAskRole {
		t.Fatal("bad role must not advance")
	}

	f.send(t, 7, "1")
	if got := lastText(f.send(t, 7, "Нет такой")); got != textTeamNotFound {
		t.Fatalf("unknown team reply %q", got)
	}
	f.send(t, 7, "Олени")
	if f.step(t, 7) != StepAskPassword {
		t.Fatalf("want %s, got %s", StepAskPassword, f.step(t, 7))
	}
	if got := lastText(f.send(t, 7, "wrong")); got != textBadPassword {
		t.Fatalf("wrong password reply %q", got)
	}

	replies = f.send(t, 7, "secret")
	if f.step(t, 7) != "" {
		t.Fatal("context must be removed after joining")
	}
	if !strings.Contains(replies[0].Text, "Олени") || lastText(replies) != "третья загадка" {
		t.Fatalf("join replies must greet and include the current riddle, got %+v", replies)
	}

	m, err := f.repo.Members.Get(ctx, 7)
	if err != nil || m.TeamID != f.team.ID || m.Nickname != "player" {
		t.Fatalf("member not created: %+v %v", m, err)
	}
	tm, _ := f.repo.Teams.Get(ctx, f.team.ID)
	if tm.CurMemberID != 7 {
		t.Fatalf("active member not switched: %+v", tm)
	}
}

func TestCreateTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, 8, "hi")
	f.send(t, 8, "2")
	if got := lastText(f.send(t, 8, "Олени")); got != textNameTaken {
		t.Fatalf("persisted name must be rejected, got %q", got)
	}
	if got := lastText(f.send(t, 8, "Сани")); !strings.Contains(got, "«Сани»") {
		t.Fatalf("confirmation prompt %q", got)
	}
	if got := lastText(f.send(t, 8, "может")); got != textYesNo {
		t.Fatalf("yes/no reply %q", got)
	}
	f.send(t, 8, "ДА")
	f.send(t, 8, "pass1")
	if f.step(t, 8) != StepAskPasswordRepeat {
		t.Fatalf("want %s, got %s", StepAskPasswordRepeat, f.step(t, 8))
	}
	if got := lastText(f.send(t, 8, "pass2")); got != textMismatch {
		t.Fatalf("mismatch reply %q", got)
	}
	if f.step(t, 8) != StepAskPasswordRepeat {
		t.Fatal("mismatch must re-prompt the repeat step only")
	}

	replies := f.send(t, 8, "pass1")
	if f.step(t, 8) != "" {
		t.Fatal("context must be removed after creating")
	}
	if lastText(replies) != "первая загадка" {
		t.Fatalf("create replies must include the first riddle, got %+v", replies)
	}
	if f.names.Held("Сани") {
		t.Fatal("reservation must be cleared once the team is persisted")
	}

	tm, err := f.repo.Teams.GetByName(ctx, "Сани")
	if err != nil {
		t.Fatalf("team not persisted: %v", err)
	}
	if tm.CurStage != 1 || tm.Score != 0 || tm.CurMemberID != 8 || !tm.VerifyPassword("pass1") {
		t.Fatalf("unexpected new team %+v", tm)
	}
	if m, err := f.repo.Members.Get(ctx, 8); err != nil || m.TeamID != tm.ID {
		t.Fatalf("member not created: %+v %v", m, err)
	}
}

func TestReservedNameBlocksSecondCreator(t *testing.T) {
	f := newFixture(t)

	for _, user := range []int64{8, 9} {
		f.send(t, user, "hi")
		f.send(t, user, "2")
	}
	f.send(t, 8, "Сани")
	f.send(t, 8, "да")
	if got := lastText(f.send(t, 9, "Сани")); got != textNameTaken {
		t.Fatalf("second creator got %q", got)
	}

	// the first creator restarts; the name becomes free
	f.send(t, 8, "/start")
	if f.step(t, 8) != StepAskRole {
		t.Fatalf("restart must return to %s", StepAskRole)
	}
	if f.names.Held("Сани") {
		t.Fatal("restart must release the reservation")
	}
	if got := lastText(f.send(t, 9, "Сани")); !strings.Contains(got, "«Сани»") {
		t.Fatalf("freed name should be reservable, got %q", got)
	}
}

func TestRejectingNameReleasesIt(t *testing.T) {
	f := newFixture(t)
	f.send(t, 8, "hi")
	f.send(t, 8, "2")
	f.send(t, 8, "Сани")
	if got := lastText(f.send(t, 8, "нет")); got != textAskNameAgain {
		t.Fatalf("reject reply %q", got)
	}
	if f.step(t, 8) != StepAskTeamName {
		t.Fatalf("want %s, got %s", StepAskTeamName, f.step(t, 8))
	}
	if f.names.Held("Сани") {
		t.Fatal("rejected name must be released")
	}
}

func TestStaleContextRestarts(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	f.send(t, 8, "hi")
	f.send(t, 8, "2")
	f.send(t, 8, "Сани")

	now = now.Add(time.Hour)
	replies := f.send(t, 8, "да")
	if lastText(replies) != textRolePrompt {
		t.Fatalf("stale context must restart, got %+v", replies)
	}
	if f.names.Held("Сани") {
		t.Fatal("stale context must release its reservation")
	}
}

func TestUnknownStepIsInvariant(t *testing.T) {
	f := newFixture(t)
	_ = f.ctxs.Save(context.Background(), 5, Context{UserID: 5, Step: "BOGUS", UpdatedAt: time.Now()})
	if _, err := f.svc.Handle(context.Background(), models.Message{SenderID: 5, Text: "x"}); err == nil {
		t.Fatal("expected invariant error")
	}
}

func TestActiveCreatorKeepsNameClaim(t *testing.T) {
	f := newFixture(t)
	const ttl = 200 * time.Millisecond
	f.names = session.NewMemoryReservations(ttl)
	f.svc = New(f.ctxs, f.names, f.repo, quest.New(f.repo, config.ForTests(42), zap.NewNop()), ttl, zap.NewNop())

	f.send(t, 1, "start")
	f.send(t, 1, "2")
	f.send(t, 1, "Ёлки")
	time.Sleep(ttl * 6 / 10)
	f.send(t, 1, "да")
	time.Sleep(ttl * 6 / 10)
	if f.step(t, 1) != StepAskPassword {
		t.Fatalf("creator should still be registering, step %q", f.step(t, 1))
	}

	f.send(t, 2, "start")
	f.send(t, 2, "2")
	if got := lastText(f.send(t, 2, "Ёлки")); got != textNameTaken {
		t.Fatalf("name of an active creator must stay taken, got %q", got)
	}
}

func TestCreatorLosesNameClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, 1, "start")
	f.send(t, 1, "2")
	f.send(t, 1, "Ёлки")

	// the claim lapsed and someone else took it
	_ = f.names.Release(ctx, "Ёлки", 1)
	if ok, _ := f.names.Reserve(ctx, "Ёлки", 2); !ok {
		t.Fatal("reserve for the second user")
	}

	if got := lastText(f.send(t, 1, "да")); got != textNameTaken {
		t.Fatalf("lost claim reply %q", got)
	}
	if f.step(t, 1) != StepAskTeamName {
		t.Fatalf("want %s, got %s", StepAskTeamName, f.step(t, 1))
	}
}

func TestTeamNameIsEscaped(t *testing.T) {
	f := newFixture(t)

	f.send(t, 1, "start")
	f.send(t, 1, "2")
	got := lastText(f.send(t, 1, "Tom & <Jerry>"))
	if !strings.Contains(got, "«Tom &amp; &lt;Jerry&gt;»") {
		t.Fatalf("team name must be escaped for HTML, got %q", got)
	}

	f.send(t, 1, "да")
	f.send(t, 1, "pw")
	replies := f.send(t, 1, "pw")
	if len(replies) == 0 || !strings.Contains(replies[0].Text, "Tom &amp; &lt;Jerry&gt;") {
		t.Fatalf("created reply must be escaped, got %+v", replies)
	}
	if tm, err := f.repo.Teams.GetByName(context.Background(), "Tom & <Jerry>"); err != nil || tm.Name != "Tom & <Jerry>" {
		t.Fatalf("stored name must stay raw: %+v %v", tm, err)
	}
}

func TestRetryAfterTeamStoredWithoutMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, 9, "start")
	f.send(t, 9, "2")
	f.send(t, 9, "Ёлки")
	f.send(t, 9, "да")
	f.send(t, 9, "pw")

	// an earlier attempt stored the team and failed before the member
	rc, _, _ := f.ctxs.Get(ctx, 9)
	orphan, err := f.repo.Teams.Insert(ctx, models.Team{Name: "Ёлки", PasswordHash: rc.PasswordHash, CurStage: 1, CurMemberID: 9})
	if err != nil {
		t.Fatal(err)
	}

	replies := f.send(t, 9, "pw")
	if len(replies) == 0 || !strings.Contains(replies[0].Text, "Ёлки") || strings.Contains(replies[0].Text, "занято") {
		t.Fatalf("retry must finish the user's own team, got %+v", replies)
	}
	m, err := f.repo.Members.Get(ctx, 9)
	if err != nil || m.TeamID != orphan.ID {
		t.Fatalf("member not attached to the stored team: %+v %v", m, err)
	}
	if f.step(t, 9) != "" {
		t.Fatal("registration must be finished")
	}
}

func TestConflictWithForeignTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, 9, "start")
	f.send(t, 9, "2")
	f.send(t, 9, "Ёлки")
	f.send(t, 9, "да")
	f.send(t, 9, "pw")

	hash, _ := models.HashPassword("other")
	if _, err := f.repo.Teams.Insert(ctx, models.Team{Name: "Ёлки", PasswordHash: hash, CurStage: 1, CurMemberID: 50}); err != nil {
		t.Fatal(err)
	}
	if got := lastText(f.send(t, 9, "pw")); got != textNameTaken {
		t.Fatalf("foreign team reply %q", got)
	}
	if f.step(t, 9) != StepAskTeamName {
		t.Fatalf("want %s, got %s", StepAskTeamName, f.step(t, 9))
	}
}
