// Package store defines the persistent backend contract the repositories sit on.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"quest-bot/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type TeamStore interface {
	GetTeam(ctx context.Context, id int64) (models.Team, error)
	GetTeamByName(ctx context.Context, name string) (models.Team, error)
	// ListTeams returns teams ordered by score descending, then stage entry time ascending.
	ListTeams(ctx context.Context) ([]models.Team, error)
	// InsertTeam ignores t.ID and returns the generated one.
	InsertTeam(ctx context.Context, t models.Team) (int64, error)
	UpdateTeamProgress(ctx context.Context, id int64, stage, score int, enteredAt time.Time) error
	UpdateTeamMember(ctx context.Context, id, memberID int64) error
}

type MemberStore interface {
	GetMember(ctx context.Context, id int64) (models.Member, error)
	ListMembersByTeam(ctx context.Context, teamID int64) ([]models.Member, error)
	InsertMember(ctx context.Context, m models.Member) error
}

type RiddleStore interface {
	GetRiddle(ctx context.Context, id int) (models.Riddle, error)
	// PutRiddle replaces the riddle and its nested payload rows.
	PutRiddle(ctx context.Context, r models.Riddle) error
}

type Backend interface {
	TeamStore
	MemberStore
	RiddleStore
	Close() error
}

// Row forms of nested riddle payloads shared by the SQL backends.
type RiddleMessageRow struct {
	Position int
	Text     string
}

type RiddleFileRow struct {
	MessagePosition int
	Position        int
	FileType        string
	Path            string
	Filename        string
}

// AssembleRiddle rebuilds a riddle from its payload rows. Files reference object storage.
func AssembleRiddle(id int, kind, answer string, msgs []RiddleMessageRow, files []RiddleFileRow) models.Riddle {
	r := models.Riddle{ID: id, Kind: models.RiddleKind(kind), Answer: answer}
	index := map[int]int{}
	for _, m := range msgs {
		index[m.Position] = len(r.Messages)
		r.Messages = append(r.Messages, models.Message{Text: m.Text})
	}
	for _, f := range files {
		i, ok := index[f.MessagePosition]
		if !ok {
			continue
		}
		fe := models.StoredFile(f.Path, 0)
		if f.FileType != "" {
			fe.Type = models.FileType(f.FileType)
		}
		if f.Filename != "" {
			fe.Filename = f.Filename
		}
		r.Messages[i].Files = append(r.Messages[i].Files, fe)
	}
	return r
}

// FlattenRiddle is the inverse of AssembleRiddle.
func FlattenRiddle(r models.Riddle) ([]RiddleMessageRow, []RiddleFileRow) {
	var msgs []RiddleMessageRow
	var files []RiddleFileRow
	for i, m := range r.Messages {
		msgs = append(msgs, RiddleMessageRow{Position: i, Text: m.Text})
		for j, f := range m.Files {
			files = append(files, RiddleFileRow{
				MessagePosition: i,
				Position:        j,
				FileType:        string(f.Type),
				Path:            f.RefPath(),
				Filename:        f.Filename,
			})
		}
	}
	return msgs, files
}
