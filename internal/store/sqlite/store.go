package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"quest-bot/internal/models"
	"quest-bot/internal/store"
)

//go:embed schema.sql
var schema string

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides SQLite-backed persistence for teams, members and riddles.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite store at the provided path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const teamColumns = "id, name, password_hash, cur_stage, score, cur_member_id, stage_entered_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanTeam(row scanner) (models.Team, error) {
	var (
		t       models.Team
		entered int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.PasswordHash, &t.CurStage, &t.Score, &t.CurMemberID, &entered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Team{}, store.ErrNotFound
		}
		return models.Team{}, err
	}
	t.StageEnteredAt = fromMillis(entered)
	return t, nil
}

func (s *Store) GetTeam(ctx context.Context, id int64) (models.Team, error) {
	t, err := scanTeam(s.db.QueryRowContext(ctx, "SELECT "+teamColumns+" FROM team WHERE id = ?", id))
	return t, errors.Wrapf(err, "get team %d", id)
}

func (s *Store) GetTeamByName(ctx context.Context, name string) (models.Team, error) {
	t, err := scanTeam(s.db.QueryRowContext(ctx, "SELECT "+teamColumns+" FROM team WHERE name = ?", name))
	return t, errors.Wrapf(err, "get team by name %q", name)
}

func (s *Store) ListTeams(ctx context.Context) ([]models.Team, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+teamColumns+" FROM team ORDER BY score DESC, stage_entered_at ASC, id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "list teams")
	}
	defer rows.Close()

	var out []models.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan team")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "list teams")
}

func (s *Store) InsertTeam(ctx context.Context, t models.Team) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO team (name, password_hash, cur_stage, score, cur_member_id, stage_entered_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		t.Name, t.PasswordHash, t.CurStage, t.Score, t.CurMemberID, toMillis(t.StageEnteredAt),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrapf(store.ErrConflict, "insert team %q", t.Name)
		}
		return 0, errors.Wrapf(err, "insert team %q", t.Name)
	}
	return id, nil
}

func (s *Store) UpdateTeamProgress(ctx context.Context, id int64, stage, score int, enteredAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE team SET cur_stage = ?, score = ?, stage_entered_at = ? WHERE id = ?",
		stage, score, toMillis(enteredAt), id)
	return errors.Wrapf(affectedOne(res, err), "update team %d progress", id)
}

func (s *Store) UpdateTeamMember(ctx context.Context, id, memberID int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE team SET cur_member_id = ? WHERE id = ?", memberID, id)
	return errors.Wrapf(affectedOne(res, err), "update team %d member", id)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id int64) (models.Member, error) {
	var m models.Member
	err := s.db.QueryRowContext(ctx, "SELECT id, nickname, name, team_id FROM member WHERE id = ?", id).
		Scan(&m.ID, &m.Nickname, &m.Name, &m.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}
	return m, errors.Wrapf(err, "get member %d", id)
}

func (s *Store) ListMembersByTeam(ctx context.Context, teamID int64) ([]models.Member, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, nickname, name, team_id FROM member WHERE team_id = ? ORDER BY id", teamID)
	if err != nil {
		return nil, errors.Wrapf(err, "list members of team %d", teamID)
	}
	defer rows.Close()

	var out []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.Nickname, &m.Name, &m.TeamID); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		out = append(out, m)
	}
	return out, errors.Wrapf(rows.Err(), "list members of team %d", teamID)
}

func (s *Store) InsertMember(ctx context.Context, m models.Member) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO member (id, nickname, name, team_id) VALUES (?, ?, ?, ?)",
		m.ID, m.Nickname, m.Name, m.TeamID)
	if isUniqueViolation(err) {
		err = store.ErrConflict
	}
	return errors.Wrapf(err, "insert member %d", m.ID)
}

func (s *Store) GetRiddle(ctx context.Context, id int) (models.Riddle, error) {
	var kind, answer string
	err := s.db.QueryRowContext(ctx, "SELECT kind, answer FROM riddle WHERE id = ?", id).Scan(&kind, &answer)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Riddle{}, errors.Wrapf(store.ErrNotFound, "get riddle %d", id)
	}
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d", id)
	}

	msgRows, err := s.db.QueryContext(ctx, "SELECT position, text FROM riddle_message WHERE riddle_id = ? ORDER BY position", id)
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d messages", id)
	}
	var msgs []store.RiddleMessageRow
	for msgRows.Next() {
		var m store.RiddleMessageRow
		if err := msgRows.Scan(&m.Position, &m.Text); err != nil {
			msgRows.Close()
			return models.Riddle{}, errors.Wrap(err, "scan riddle message")
		}
		msgs = append(msgs, m)
	}
	msgRows.Close()

	fileRows, err := s.db.QueryContext(ctx,
		`SELECT message_position, position, file_type, path, filename FROM riddle_file
		 WHERE riddle_id = ? ORDER BY message_position, position`, id)
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d files", id)
	}
	defer fileRows.Close()
	var files []store.RiddleFileRow
	for fileRows.Next() {
		var f store.RiddleFileRow
		if err := fileRows.Scan(&f.MessagePosition, &f.Position, &f.FileType, &f.Path, &f.Filename); err != nil {
			return models.Riddle{}, errors.Wrap(err, "scan riddle file")
		}
		files = append(files, f)
	}
	if err := fileRows.Err(); err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d files", id)
	}
	return store.AssembleRiddle(id, kind, answer, msgs, files), nil
}

func (s *Store) PutRiddle(ctx context.Context, r models.Riddle) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO riddle (id, kind, answer) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, answer = excluded.answer`,
		r.ID, string(r.Kind), r.Answer); err != nil {
		return errors.Wrapf(err, "put riddle %d", r.ID)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM riddle_file WHERE riddle_id = ?", r.ID); err != nil {
		return errors.Wrapf(err, "clear riddle %d files", r.ID)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM riddle_message WHERE riddle_id = ?", r.ID); err != nil {
		return errors.Wrapf(err, "clear riddle %d messages", r.ID)
	}

	msgs, files := store.FlattenRiddle(r)
	for _, m := range msgs {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO riddle_message (riddle_id, position, text) VALUES (?, ?, ?)",
			r.ID, m.Position, m.Text); err != nil {
			return errors.Wrapf(err, "insert riddle %d message", r.ID)
		}
	}
	for _, f := range files {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO riddle_file (riddle_id, message_position, position, file_type, path, filename)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, f.MessagePosition, f.Position, f.FileType, f.Path, f.Filename); err != nil {
			return errors.Wrapf(err, "insert riddle %d file", r.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ store.Backend = (*Store)(nil)
