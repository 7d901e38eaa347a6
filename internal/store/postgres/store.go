// Package postgres is the PostgreSQL backend, for deployments that share one database
// between several bot replicas.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"quest-bot/internal/models"
	"quest-bot/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const teamColumns = "id, name, password_hash, cur_stage, score, cur_member_id, stage_entered_at"

func scanTeam(row pgx.Row) (models.Team, error) {
	var t models.Team
	err := row.Scan(&t.ID, &t.Name, &t.PasswordHash, &t.CurStage, &t.Score, &t.CurMemberID, &t.StageEnteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Team{}, store.ErrNotFound
	}
	t.StageEnteredAt = t.StageEnteredAt.UTC()
	return t, err
}

func (s *Store) GetTeam(ctx context.Context, id int64) (models.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx, "SELECT "+teamColumns+" FROM team WHERE id = $1", id))
	return t, errors.Wrapf(err, "get team %d", id)
}

func (s *Store) GetTeamByName(ctx context.Context, name string) (models.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx, "SELECT "+teamColumns+" FROM team WHERE name = $1", name))
	return t, errors.Wrapf(err, "get team by name %q", name)
}

func (s *Store) ListTeams(ctx context.Context) ([]models.Team, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+teamColumns+" FROM team ORDER BY score DESC, stage_entered_at ASC, id ASC")
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
	err := s.pool.QueryRow(ctx,
		`INSERT INTO team (name, password_hash, cur_stage, score, cur_member_id, stage_entered_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.Name, t.PasswordHash, t.CurStage, t.Score, t.CurMemberID, t.StageEnteredAt.UTC(),
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errors.Wrapf(store.ErrConflict, "insert team %q", t.Name)
	}
	return id, errors.Wrapf(err, "insert team %q", t.Name)
}

func (s *Store) UpdateTeamProgress(ctx context.Context, id int64, stage, score int, enteredAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE team SET cur_stage = $1, score = $2, stage_entered_at = $3 WHERE id = $4",
		stage, score, enteredAt.UTC(), id)
	return errors.Wrapf(affectedOne(tag, err), "update team %d progress", id)
}

func (s *Store) UpdateTeamMember(ctx context.Context, id, memberID int64) error {
	tag, err := s.pool.Exec(ctx, "UPDATE team SET cur_member_id = $1 WHERE id = $2", memberID, id)
	return errors.Wrapf(affectedOne(tag, err), "update team %d member", id)
}

func affectedOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id int64) (models.Member, error) {
	var m models.Member
	err := s.pool.QueryRow(ctx, "SELECT id, nickname, name, team_id FROM member WHERE id = $1", id).
		Scan(&m.ID, &m.Nickname, &m.Name, &m.TeamID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = store.ErrNotFound
	}
	return m, errors.Wrapf(err, "get member %d", id)
}

func (s *Store) ListMembersByTeam(ctx context.Context, teamID int64) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, nickname, name, team_id FROM member WHERE team_id = $1 ORDER BY id", teamID)
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
	_, err := s.pool.Exec(ctx,
		"INSERT INTO member (id, nickname, name, team_id) VALUES ($1, $2, $3, $4)",
		m.ID, m.Nickname, m.Name, m.TeamID)
	if isUniqueViolation(err) {
		err = store.ErrConflict
	}
	return errors.Wrapf(err, "insert member %d", m.ID)
}

func (s *Store) GetRiddle(ctx context.Context, id int) (models.Riddle, error) {
	var kind, answer string
	err := s.pool.QueryRow(ctx, "SELECT kind, answer FROM riddle WHERE id = $1", id).Scan(&kind, &answer)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Riddle{}, errors.Wrapf(store.ErrNotFound, "get riddle %d", id)
	}
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d", id)
	}

	msgRows, err := s.pool.Query(ctx, "SELECT position, text FROM riddle_message WHERE riddle_id = $1 ORDER BY position", id)
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d messages", id)
	}
	msgs, err := pgx.CollectRows(msgRows, func(row pgx.CollectableRow) (store.RiddleMessageRow, error) {
		var m store.RiddleMessageRow
		err := row.Scan(&m.Position, &m.Text)
		return m, err
	})
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "scan riddle %d messages", id)
	}

	fileRows, err := s.pool.Query(ctx,
		`SELECT message_position, position, file_type, path, filename FROM riddle_file
		 WHERE riddle_id = $1 ORDER BY message_position, position`, id)
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "get riddle %d files", id)
	}
	files, err := pgx.CollectRows(fileRows, func(row pgx.CollectableRow) (store.RiddleFileRow, error) {
		var f store.RiddleFileRow
		err := row.Scan(&f.MessagePosition, &f.Position, &f.FileType, &f.Path, &f.Filename)
		return f, err
	})
	if err != nil {
		return models.Riddle{}, errors.Wrapf(err, "scan riddle %d files", id)
	}
	return store.AssembleRiddle(id, kind, answer, msgs, files), nil
}

func (s *Store) PutRiddle(ctx context.Context, r models.Riddle) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO riddle (id, kind, answer) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, answer = EXCLUDED.answer`,
			r.ID, string(r.Kind), r.Answer); err != nil {
			return errors.Wrapf(err, "put riddle %d", r.ID)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM riddle_file WHERE riddle_id = $1", r.ID); err != nil {
			return errors.Wrapf(err, "clear riddle %d files", r.ID)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM riddle_message WHERE riddle_id = $1", r.ID); err != nil {
			return errors.Wrapf(err, "clear riddle %d messages", r.ID)
		}

		msgs, files := store.FlattenRiddle(r)
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue("INSERT INTO riddle_message (riddle_id, position, text) VALUES ($1, $2, $3)",
				r.ID, m.Position, m.Text)
		}
		for _, f := range files {
			batch.Queue(`INSERT INTO riddle_file (riddle_id, message_position, position, file_type, path, filename)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.ID, f.MessagePosition, f.Position, f.FileType, f.Path, f.Filename)
		}
		if batch.Len() == 0 {
			return nil
		}
		return errors.Wrapf(tx.SendBatch(ctx, batch).Close(), "insert riddle %d payload", r.ID)
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ store.Backend = (*Store)(nil)
