// Package maze runs the winter forest mini-game: find the deer and the sleigh,
// then leave through the exit.
package maze

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/content"
	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/quest"
	"quest-bot/internal/session"
)

const StepPlaying = "PLAYING"

const (
	textBadCoord      = "Неверный формат. Используйте английскую букву (A-E) и цифру (1-5). Например: B4"
	textLanded        = "Вы приземлились в клетку %s."
	textBadDirection  = "Непонятное направление. Используйте: вверх, вниз, влево, вправо."
	textTrees         = "Вы уперлись в деревья! Густые ёлки не пускают вас."
	textNeedBoth      = "Вы нашли выход! Но уходить рано. Нужно найти и оленей, и сани."
	textEscaped       = "Ура, вы выбрались из леса с оленями и санями!"
	textPortal        = "Ой! Вы провалились в магический сугроб и очутились в другом!"
	textIce           = "Осторожно, лёд! Вы скользите..."
	textSlideEnd      = "Вы проскользили до конца ледяной горки."
	textEmpty         = "Вы стоите на обычной лесной полянке."
	textDeer          = "Ура! Вы нашли Оленей (🦌)!"
	textSleigh        = "Отлично! Вы нашли Сани (🛷)! Только они, кажется, сломанные..."
	textStageLeft     = "Ваша команда уже прошла этот этап."
)

// Context is the player's position. Stage pins it to the maze stage it was started on.
type Context struct {
	UserID int64  `json:"user_id"`
	TeamID int64  `json:"team_id"`
	Stage  int    `json:"stage"`
	Step   string `json:"step"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Deer   bool   `json:"deer"`
	Sleigh bool   `json:"sleigh"`
}

func (c Context) pos() point { return point{c.X, c.Y} }

func (c *Context) moveTo(p point) { c.X, c.Y = p.X, p.Y }

type Service struct {
	contexts session.Store[Context]
	engine   *quest.Engine
	texts    content.MazeTexts
	// intn returns a value in [0, n); tests replace it to pin river slides.
	intn func(n int) int
	log  *zap.Logger
}

func New(contexts session.Store[Context], engine *quest.Engine, texts content.MazeTexts, log *zap.Logger) *Service {
	return &Service{contexts: contexts, engine: engine, texts: texts, intn: rand.IntN, log: log}
}

// WithRand replaces the slide distance source.
func (s *Service) WithRand(intn func(n int) int) *Service {
	s.intn = intn
	return s
}

// Active reports whether the user is playing the maze of the team's current stage.
// A context left over from an earlier stage is discarded.
func (s *Service) Active(ctx context.Context, userID int64, team models.Team) (bool, error) {
	mc, ok, err := s.contexts.Get(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	if mc.Stage != team.CurStage || mc.TeamID != team.ID {
		s.log.Info("stale maze context dropped", zap.Int64("user_id", userID), zap.Int("stage", mc.Stage))
		return false, s.contexts.Delete(ctx, userID)
	}
	return true, nil
}

// Handle processes one input: a start coordinate when there is no context, a move otherwise.
func (s *Service) Handle(ctx context.Context, team models.Team, msg models.Message) ([]models.Message, error) {
	active, err := s.Active(ctx, msg.SenderID, team)
	if err != nil {
		return nil, errors.Wrap(err, "load maze context")
	}
	if !active {
		return s.start(ctx, team, msg)
	}
	mc, _, err := s.contexts.Get(ctx, msg.SenderID)
	if err != nil {
		return nil, errors.Wrap(err, "load maze context")
	}
	switch mc.Step {
	case StepPlaying:
		return s.move(ctx, mc, msg.Text)
	default:
		return nil, errs.Invariantf("unexpected maze step %q for user %d", mc.Step, mc.UserID)
	}
}

func (s *Service) start(ctx context.Context, team models.Team, msg models.Message) ([]models.Message, error) {
	p, ok := parsePoint(msg.Text)
	if !ok {
		return []models.Message{models.Text(textBadCoord)}, nil
	}
	mc := Context{UserID: msg.SenderID, TeamID: team.ID, Stage: team.CurStage, Step: StepPlaying}
	mc.moveTo(p)

	out := []models.Message{models.Text(fmt.Sprintf(textLanded, p))}
	out = append(out, s.enter(&mc)...)
	if err := s.contexts.Save(ctx, mc.UserID, mc); err != nil {
		return nil, errors.Wrap(err, "save maze context")
	}
	return out, nil
}

func (s *Service) move(ctx context.Context, mc Context, text string) ([]models.Message, error) {
	d, ok := parseDirection(text)
	if !ok {
		return []models.Message{models.Text(textBadDirection)}, nil
	}

	cur := mc.pos()
	if c := cellAt(cur); c.kind == cellExit && c.dir == d {
		return s.exit(ctx, mc)
	}

	next := cur.add(d)
	if !next.inBounds() || blocked(cur, next) {
		return []models.Message{models.Text(textTrees)}, nil
	}
	mc.moveTo(next)
	out := s.enter(&mc)
	if err := s.contexts.Save(ctx, mc.UserID, mc); err != nil {
		return nil, errors.Wrap(err, "save maze context")
	}
	return out, nil
}

func (s *Service) exit(ctx context.Context, mc Context) ([]models.Message, error) {
	if !mc.Deer || !mc.Sleigh {
		return []models.Message{models.Text(textNeedBoth)}, nil
	}
	if err := s.contexts.Delete(ctx, mc.UserID); err != nil {
		return nil, errors.Wrap(err, "delete maze context")
	}
	s.log.Info("maze completed", zap.Int64("user_id", mc.UserID), zap.Int64("team_id", mc.TeamID))
	replies, err := s.engine.Judge(ctx, mc.TeamID, mc.Stage, true, mc.UserID)
	if errors.Is(err, errs.ErrStageMoved) {
		s.log.Info("maze exit after the stage was passed", zap.Int64("team_id", mc.TeamID), zap.Int("stage", mc.Stage))
		return []models.Message{models.Text(textStageLeft)}, nil
	}
	if err != nil {
		return nil, err
	}
	return append([]models.Message{models.Text(textEscaped)}, replies...), nil
}

// enter resolves the effect of the cell the player has just stepped on. Effects do not chain:
// a portal destination or a river stop cell is not resolved again in the same turn.
func (s *Service) enter(mc *Context) []models.Message {
	c := cellAt(mc.pos())
	switch c.kind {
	case cellDeer:
		if !mc.Deer {
			mc.Deer = true
			return s.found(textDeer, s.texts.DeerImage, s.texts.Deer)
		}
	case cellSleigh:
		if !mc.Sleigh {
			mc.Sleigh = true
			return s.found(textSleigh, s.texts.SleighImage, s.texts.Sleigh)
		}
	case cellPortal:
		mc.moveTo(c.next)
		return []models.Message{models.Text(textPortal)}
	case cellRiver:
		return s.slide(mc)
	}
	return []models.Message{models.Text(textEmpty)}
}

func (s *Service) found(text, image string, lines []string) []models.Message {
	first := models.Text(text)
	if image != "" {
		first.Files = []models.FileExtension{models.StoredFile(image, 0)}
	}
	out := []models.Message{first}
	for _, l := range lines {
		out = append(out, models.Text(l))
	}
	return out
}

// slide carries the player 1 or 2 cells, each step following the flow of the cell
// it starts from, and stops early on an end cell.
func (s *Service) slide(mc *Context) []models.Message {
	out := []models.Message{models.Text(textIce)}
	steps := 1 + s.intn(2)
	c := cellAt(mc.pos())
	for i := 0; i < steps && !c.end; i++ {
		next := mc.pos().add(c.dir)
		if !next.inBounds() {
			break
		}
		mc.moveTo(next)
		c = cellAt(next)
	}
	if c.end {
		out = append(out, models.Text(textSlideEnd))
	}
	return out
}
