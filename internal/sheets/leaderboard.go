package sheets

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"quest-bot/internal/models"
)

const (
	SheetLeaderboard = "Leaderboard"
	SheetMembers     = "Members"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	leaderboardHeader = []string{"Место", "Команда", "Этап", "Очки", "На этапе с"}
	membersHeader     = []string{"Команда", "Telegram ID", "Ник", "Имя"}
)

// LeaderboardTable renders teams, already ordered, as rows with a header.
func LeaderboardTable(teams []models.Team) [][]string {
	rows := [][]string{leaderboardHeader}
	for i, t := range teams {
		entered := ""
		if !t.StageEnteredAt.IsZero() {
			entered = t.StageEnteredAt.Format(timeLayout)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			t.Name,
			strconv.Itoa(t.CurStage),
			strconv.Itoa(t.Score),
			entered,
		})
	}
	return rows
}

// MembersTable lists every member under the team name.
func MembersTable(teams []models.Team, members map[int64][]models.Member) [][]string {
	rows := [][]string{membersHeader}
	for _, t := range teams {
		for _, m := range members[t.ID] {
			rows = append(rows, []string{t.Name, strconv.FormatInt(m.ID, 10), m.Nickname, m.Name})
		}
	}
	return rows
}

// ExportLeaderboard replaces the Leaderboard sheet contents.
func (c *Client) ExportLeaderboard(ctx context.Context, teams []models.Team) error {
	return c.replace(ctx, SheetLeaderboard, LeaderboardTable(teams))
}

// ExportMembers replaces the Members sheet contents.
func (c *Client) ExportMembers(ctx context.Context, teams []models.Team, members map[int64][]models.Member) error {
	return c.replace(ctx, SheetMembers, MembersTable(teams, members))
}

func (c *Client) replace(ctx context.Context, sheet string, rows [][]string) error {
	rng := sheet + "!A:Z"
	if _, err := c.srv.Spreadsheets.Values.Clear(c.spreadsheetID, rng, &sheetsv4.ClearValuesRequest{}).
		Context(ctx).
		Do(); err != nil {
		return errors.Wrapf(err, "clear %s", sheet)
	}
	vr := &sheetsv4.ValueRange{Values: cells(rows)}
	_, err := c.srv.Spreadsheets.Values.Update(c.spreadsheetID, sheet+"!A1", vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return errors.Wrapf(err, "update %s", sheet)
}

func cells(rows [][]string) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, row := range rows {
		out[i] = make([]interface{}, len(row))
		for j, v := range row {
			out[i][j] = v
		}
	}
	return out
}
