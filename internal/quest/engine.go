// Package quest advances teams through the riddle sequence.
package quest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/errs"
	"quest-bot/internal/metrics"
	"quest-bot/internal/models"
	"quest-bot/internal/repo"
	"quest-bot/internal/util"
)

const (
	textCorrect = "Ответ верный! Переходим на следующий этап."
	textWrong   = "Неправильно — попробуйте ещё раз."
)

// PenaltyPolicy runs after a wrong answer. It must not advance the team.
type PenaltyPolicy interface {
	Apply(ctx context.Context, team models.Team) error
}

type NoPenalty struct{}

func (NoPenalty) Apply(context.Context, models.Team) error { return nil }

type Engine struct {
	repo       *repo.Repo
	stageCount int
	penalty    PenaltyPolicy
	now        func() time.Time
	// teams serializes every stage advance of one team.
	teams *util.KeyedMutex
	log   *zap.Logger
}

type Option func(*Engine)

func WithPenalty(p PenaltyPolicy) Option {
	return func(e *Engine) { e.penalty = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(r *repo.Repo, cfg config.Config, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:       r,
		stageCount: cfg.StageCount,
		penalty:    NoPenalty{},
		now:        time.Now,
		teams:      util.NewKeyedMutex(),
		log:        log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Riddle returns the riddle of the team's current stage together with the team.
func (e *Engine) Riddle(ctx context.Context, teamID int64) (models.Team, models.Riddle, error) {
	team, err := e.repo.Teams.Get(ctx, teamID)
	if err != nil {
		return models.Team{}, models.Riddle{}, err
	}
	rd, err := e.repo.Riddles.Get(ctx, team.CurStage)
	if err != nil {
		return team, models.Riddle{}, err
	}
	return team, rd, nil
}

// GetRiddle returns the payload of the team's current stage.
func (e *Engine) GetRiddle(ctx context.Context, teamID int64) ([]models.Message, error) {
	_, rd, err := e.Riddle(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return rd.Payload(), nil
}

// CheckAnswer compares msg with the current riddle and runs the matching pipeline.
// Replies are addressed to the message sender.
func (e *Engine) CheckAnswer(ctx context.Context, teamID int64, msg models.Message) ([]models.Message, error) {
	unlock := e.teams.Lock(teamID)
	defer unlock()

	team, rd, err := e.Riddle(ctx, teamID)
	if err != nil {
		return nil, err
	}
	ok, err := rd.Check(msg)
	if err != nil {
		return nil, &errs.AnswerValidationError{Stage: team.CurStage, Err: err}
	}
	if ok {
		return e.correct(ctx, team, msg.SenderID)
	}
	return e.wrong(ctx, team, msg.SenderID)
}

// Judge applies a verdict made outside the engine (an admin or a mini-game) for the given stage.
// It is not re-checked. If the team is no longer on that stage nothing changes and
// ErrStageMoved is returned.
func (e *Engine) Judge(ctx context.Context, teamID int64, stage int, correct bool, recipient int64) ([]models.Message, error) {
	unlock := e.teams.Lock(teamID)
	defer unlock()

	team, err := e.repo.Teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.CurStage != stage {
		return nil, errors.Wrapf(errs.ErrStageMoved, "team %d judged for stage %d, now on %d", teamID, stage, team.CurStage)
	}
	if correct {
		return e.correct(ctx, team, recipient)
	}
	return e.wrong(ctx, team, recipient)
}

func (e *Engine) correct(ctx context.Context, team models.Team, recipient int64) ([]models.Message, error) {
	from := team.CurStage
	team.NextStage(e.stageCount, e.now())
	if err := e.repo.Teams.Update(ctx, team, repo.EventStageAdvanced); err != nil {
		return nil, errors.Wrapf(err, "advance team %d", team.ID)
	}
	metrics.StageAdvances.Inc()
	e.log.Info("stage advanced",
		zap.Int64("team_id", team.ID),
		zap.Int("from", from),
		zap.Int("to", team.CurStage),
		zap.Int("score", team.Score))

	out := []models.Message{models.TextTo(recipient, textCorrect)}
	rd, err := e.repo.Riddles.Get(ctx, team.CurStage)
	if err != nil {
		// the advance is already persisted; the player can ask for /riddle later
		e.log.Error("next riddle unavailable", zap.Int64("team_id", team.ID), zap.Int("stage", team.CurStage), zap.Error(err))
		return out, nil
	}
	return append(out, addressed(rd.Payload(), recipient)...), nil
}

func (e *Engine) wrong(ctx context.Context, team models.Team, recipient int64) ([]models.Message, error) {
	if err := e.penalty.Apply(ctx, team); err != nil {
		e.log.Warn("penalty policy failed", zap.Int64("team_id", team.ID), zap.Error(err))
	}
	return []models.Message{models.TextTo(recipient, textWrong)}, nil
}

func addressed(msgs []models.Message, recipient int64) []models.Message {
	for i := range msgs {
		msgs[i].RecipientID = recipient
	}
	return msgs
}
