// Package admin answers the organisers' commands: team lookups, standings and exports.
package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/repo"
	"quest-bot/internal/server"
)

const (
	CmdInfo          = "/info"
	CmdInfoAll       = "/info_all"
	CmdScoringSystem = "/scoring_system"
	CmdHelp          = "/help"
	CmdExport        = "/export"
	CmdCSV           = "/csv"
)

const (
	textUnknown      = "Неизвестная админ-команда"
	textInfoUsage    = "Использование: /info <название команды>"
	textTeamNotFound = "Команда «%s» не найдена."
	textNoTeams      = "Команды пока не зарегистрированы."
	textScoring      = "Система подсчёта очков:\n- Каждая разгаданная загадка: +1 этап и +1 очко\n- При равенстве очков выше та команда, что раньше вышла на этап"
	textExportOff    = "Экспорт в Google Sheets не настроен."
	textExportDone   = "Таблица обновлена: https://docs.google.com/spreadsheets/d/%s"
	textExportFailed = "Не удалось обновить таблицу, подробности в логах."
	textCSVOff       = "BASE_PUBLIC_URL не задан, ссылку на CSV собрать нельзя."
	textHelp         = `Команды администратора:
/info <команда> - состояние команды и её участники
/info_all - таблица лидеров
/scoring_system - как начисляются очки
/export - выгрузить таблицу лидеров в Google Sheets
/csv - ссылка на CSV с таблицей лидеров
/help - эта справка

Чтобы принять или отклонить ответ, нажмите кнопку под ним. Фидбек отправляется ответом на сообщение бота.`
)

// Exporter writes standings to an external spreadsheet.
type Exporter interface {
	ExportLeaderboard(ctx context.Context, teams []models.Team) error
	ExportMembers(ctx context.Context, teams []models.Team, members map[int64][]models.Member) error
	SpreadsheetID() string
}

type Service struct {
	repo     *repo.Repo
	cfg      config.Config
	exporter Exporter
	log      *zap.Logger
}

// New builds the admin service; exporter may be nil when Sheets is not configured.
func New(r *repo.Repo, cfg config.Config, exporter Exporter, log *zap.Logger) *Service {
	return &Service{repo: r, cfg: cfg, exporter: exporter, log: log}
}

// Handle runs one admin command. Unknown input gets a reply, never an error.
func (s *Service) Handle(ctx context.Context, msg models.Message) ([]models.Message, error) {
	cmd, arg := splitCommand(msg.Text)
	switch cmd {
	case CmdInfo:
		return s.info(ctx, arg)
	case CmdInfoAll:
		return s.infoAll(ctx)
	case CmdScoringSystem:
		return reply(textScoring), nil
	case CmdHelp:
		return reply(textHelp), nil
	case CmdExport:
		return s.export(ctx)
	case CmdCSV:
		if s.cfg.BasePublicURL == "" {
			return reply(textCSVOff), nil
		}
		return reply(server.LeaderboardURL(s.cfg)), nil
	}
	return reply(textUnknown), nil
}

// splitCommand lowercases the command, drops a @botname suffix and keeps the argument as typed.
func splitCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	cmd, arg, _ = strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, strings.TrimSpace(arg)
}

func (s *Service) info(ctx context.Context, name string) ([]models.Message, error) {
	if name == "" {
		return reply(textInfoUsage), nil
	}
	team, err := s.repo.Teams.GetByName(ctx, name)
	if errors.Is(err, errs.ErrTeamNotFound) {
		return reply(fmt.Sprintf(textTeamNotFound, name)), nil
	}
	if err != nil {
		return nil, err
	}
	members, err := s.repo.Members.ListByTeam(ctx, team.ID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Команда %s (id=%d)\n", team.Name, team.ID)
	fmt.Fprintf(&b, "Этап: %d\n", team.CurStage)
	fmt.Fprintf(&b, "Очки: %d\n", team.Score)
	if !team.StageEnteredAt.IsZero() {
		fmt.Fprintf(&b, "На этапе с: %s\n", team.StageEnteredAt.Format("02.01 15:04"))
	}
	b.WriteString("Участники: ")
	names := make([]string, 0, len(members))
	for _, m := range members {
		n := m.Nickname
		if n == "" {
			n = m.Name
		}
		if m.ID == team.CurMemberID {
			n += " (активный)"
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		b.WriteString("-")
	}
	b.WriteString(strings.Join(names, ", "))
	return reply(b.String()), nil
}

func (s *Service) infoAll(ctx context.Context) ([]models.Message, error) {
	teams, err := s.repo.Teams.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return reply(textNoTeams), nil
	}
	lines := make([]string, 0, len(teams)+1)
	lines = append(lines, "Все команды:")
	for i, t := range teams {
		lines = append(lines, fmt.Sprintf("%d. %s (id=%d) - этап %d - очки %d", i+1, t.Name, t.ID, t.CurStage, t.Score))
	}
	return reply(strings.Join(lines, "\n")), nil
}

func (s *Service) export(ctx context.Context) ([]models.Message, error) {
	if s.exporter == nil {
		return reply(textExportOff), nil
	}
	teams, err := s.repo.Teams.List(ctx)
	if err != nil {
		return nil, err
	}
	members := make(map[int64][]models.Member, len(teams))
	for _, t := range teams {
		ms, err := s.repo.Members.ListByTeam(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		members[t.ID] = ms
	}
	if err := s.exporter.ExportLeaderboard(ctx, teams); err != nil {
		s.log.Error("sheets export failed", zap.Error(err))
		return reply(textExportFailed), nil
	}
	if err := s.exporter.ExportMembers(ctx, teams, members); err != nil {
		s.log.Error("sheets members export failed", zap.Error(err))
		return reply(textExportFailed), nil
	}
	s.log.Info("leaderboard exported", zap.Int("teams", len(teams)))
	return reply(fmt.Sprintf(textExportDone, s.exporter.SpreadsheetID())), nil
}

// reply leaves the recipient unset; the router addresses admin replies to the admin chat.
func reply(text string) []models.Message {
	m := models.Text(text)
	m.Raw = true
	return []models.Message{m}
}
