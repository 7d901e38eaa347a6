// Package verification hands answers that need a human judge to the admin chat
// and applies the admin's verdict.
package verification

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/errs"
	"quest-bot/internal/models"
	"quest-bot/internal/quest"
	"quest-bot/internal/repo"
	"quest-bot/internal/session"
	"quest-bot/internal/util"
)

const (
	StepAskAdmin    = "ASK_ADMIN"
	StepAskFeedback = "ASK_FEEDBACK"
	StepDone        = "DONE"
)

const (
	evWantFeedback = "want_feedback"
	evFinalize     = "finalize"
)

var transitions = fsm.Events{
	{Name: evWantFeedback, Src: []string{StepAskAdmin}, Dst: StepAskFeedback},
	{Name: evFinalize, Src: []string{StepAskAdmin, StepAskFeedback}, Dst: StepDone},
}

// CallbackPrefix marks inline keyboard payloads of the verdict prompt:
// verify:<user id>:<yes|no>:<yes|no> (verdict, then whether feedback follows).
const CallbackPrefix = "verify:"

const (
	textSubmitted      = "Ответ отправлен на проверку. Дождитесь решения ведущего."
	textStillPending   = "Ваш прошлый ответ ещё на проверке. Дождитесь решения ведущего."
	textAskAdmin       = "Принять ответ команды %s? (#%d)"
	textAskFeedback    = "Ответьте на это сообщение, чтобы отправить фидбек команде %s. (#%d)"
	textFeedbackSent   = "Фидбек отправлен команде %s."
	textVerdictApplied = "Вердикт для команды %s: %s."
	textAccepted       = "принят"
	textRejected       = "отклонён"
	textGone           = "Эта проверка уже завершена."
	textStale          = "Команда %s уже ушла с этапа %d, вердикт не применён."
	textNoFeedback     = "Фидбек по этой проверке не ожидается."
	textBadCallback    = "Не удалось разобрать вердикт."
)

var feedbackRef = regexp.MustCompile(`\(#(\d+)\)\s*$`)

// Context is one pending submission, keyed by the submitting member.
type Context struct {
	UserID     int64          `json:"user_id"`
	TeamID     int64          `json:"team_id"`
	Stage      int            `json:"stage"`
	Step       string         `json:"step"`
	Submission models.Message `json:"submission"`
	Verdict    bool           `json:"verdict"`
	Feedback   bool           `json:"feedback"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Service struct {
	contexts session.Store[Context]
	// byTeam maps a team id to the member whose submission is pending.
	byTeam    session.Store[int64]
	repo      *repo.Repo
	engine    *quest.Engine
	adminChat int64
	timeout   time.Duration
	now       func() time.Time
	// teams orders submissions and verdicts of one team; several admins may press at once.
	teams *util.KeyedMutex
	log   *zap.Logger
}

func New(contexts session.Store[Context], byTeam session.Store[int64], r *repo.Repo, engine *quest.Engine, adminChat int64, timeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		contexts:  contexts,
		byTeam:    byTeam,
		repo:      r,
		engine:    engine,
		adminChat: adminChat,
		timeout:   timeout,
		now:       time.Now,
		teams:     util.NewKeyedMutex(),
		log:       log,
	}
}

// Pending reports whether the team has a submission waiting for a verdict.
func (s *Service) Pending(ctx context.Context, teamID int64) (bool, error) {
	_, ok, err := s.pendingFor(ctx, teamID)
	return ok, err
}

func (s *Service) pendingFor(ctx context.Context, teamID int64) (Context, bool, error) {
	userID, ok, err := s.byTeam.Get(ctx, teamID)
	if err != nil || !ok {
		return Context{}, false, err
	}
	vc, ok, err := s.contexts.Get(ctx, userID)
	if err != nil {
		return Context{}, false, err
	}
	if !ok {
		_ = s.byTeam.Delete(ctx, teamID)
		return Context{}, false, nil
	}
	return vc, true, nil
}

// IsVerdict reports whether an admin message is a press on the verdict keyboard.
func IsVerdict(msg models.Message) bool {
	return strings.HasPrefix(msg.MetaValue(models.MetaCallback), CallbackPrefix)
}

// IsFeedback reports whether an admin message replies to a feedback prompt.
func IsFeedback(msg models.Message) bool {
	return feedbackRef.MatchString(msg.MetaValue(models.MetaReplyText))
}

// Submit forwards a player's answer to the admin chat.
func (s *Service) Submit(ctx context.Context, team models.Team, msg models.Message) ([]models.Message, error) {
	unlock := s.teams.Lock(team.ID)
	defer unlock()

	prev, ok, err := s.pendingFor(ctx, team.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load pending verification")
	}
	if ok {
		if s.timeout <= 0 || s.now().Sub(prev.CreatedAt) < s.timeout {
			return []models.Message{models.TextTo(msg.SenderID, textStillPending)}, nil
		}
		s.log.Info("verification expired, accepting resubmission",
			zap.Int64("team_id", team.ID), zap.Int64("user_id", prev.UserID))
		if err := s.drop(ctx, prev); err != nil {
			return nil, err
		}
	}

	vc := Context{
		UserID:     msg.SenderID,
		TeamID:     team.ID,
		Stage:      team.CurStage,
		Step:       StepAskAdmin,
		Submission: msg.Copy(),
		CreatedAt:  s.now(),
	}
	if err := s.contexts.Save(ctx, vc.UserID, vc); err != nil {
		return nil, errors.Wrap(err, "save verification context")
	}
	if err := s.byTeam.Save(ctx, team.ID, vc.UserID); err != nil {
		return nil, errors.Wrap(err, "index verification context")
	}

	forward := msg.Copy()
	forward.RecipientID = s.adminChat
	forward.Raw = true
	forward.Keyboard = nil

	prompt := models.TextTo(s.adminChat, fmt.Sprintf(textAskAdmin, team.Name, vc.UserID))
	prompt.Raw = true
	prompt.Keyboard = verdictKeyboard(vc.UserID)

	s.log.Info("answer sent for verification", zap.Int64("team_id", team.ID), zap.Int("stage", team.CurStage))
	return []models.Message{forward, prompt, models.TextTo(msg.SenderID, textSubmitted)}, nil
}

func verdictKeyboard(userID int64) [][]models.Button {
	data := func(verdict, feedback string) string {
		return CallbackPrefix + strconv.FormatInt(userID, 10) + ":" + verdict + ":" + feedback
	}
	return [][]models.Button{
		{
			{Text: "✅ Да", Data: data("yes", "no")},
			{Text: "❌ Нет", Data: data("no", "no")},
		},
		{
			{Text: "✅💬 Да + фидбек", Data: data("yes", "yes")},
			{Text: "❌💬 Нет + фидбек", Data: data("no", "yes")},
		},
	}
}

func parseCallback(data string) (userID int64, verdict, feedback bool, err error) {
	parts := strings.Split(strings.TrimPrefix(data, CallbackPrefix), ":")
	if len(parts) != 3 {
		return 0, false, false, fmt.Errorf("malformed verdict %q", data)
	}
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false, false, fmt.Errorf("malformed verdict user %q", parts[0])
	}
	return userID, parts[1] == "yes", parts[2] == "yes", nil
}

// HandleVerdict applies a keyboard press from the admin chat.
func (s *Service) HandleVerdict(ctx context.Context, msg models.Message) ([]models.Message, error) {
	userID, verdict, feedback, err := parseCallback(msg.MetaValue(models.MetaCallback))
	if err != nil {
		s.log.Warn("bad verdict callback", zap.Error(err))
		return s.toAdmin(textBadCallback), nil
	}
	vc, ok, unlock, err := s.claim(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.toAdmin(textGone), nil
	}
	defer unlock()
	team, stale, err := s.checkStale(ctx, vc)
	if err != nil || stale != nil {
		return stale, err
	}

	vc.Verdict, vc.Feedback = verdict, feedback
	if !feedback {
		return s.finalize(ctx, vc, team)
	}

	if vc.Step == StepAskAdmin {
		m := fsm.NewFSM(vc.Step, transitions, nil)
		if err := m.Event(ctx, evWantFeedback); err != nil {
			return nil, errs.Invariantf("verification %s on step %s: %v", evWantFeedback, vc.Step, err)
		}
		vc.Step = m.Current()
	}
	if err := s.contexts.Save(ctx, vc.UserID, vc); err != nil {
		return nil, errors.Wrap(err, "save verification context")
	}
	return s.toAdmin(fmt.Sprintf(textAskFeedback, team.Name, vc.UserID)), nil
}

// HandleFeedback delivers the admin's free text to the player and then applies the verdict.
func (s *Service) HandleFeedback(ctx context.Context, msg models.Message) ([]models.Message, error) {
	match := feedbackRef.FindStringSubmatch(msg.MetaValue(models.MetaReplyText))
	if match == nil {
		return s.toAdmin(textNoFeedback), nil
	}
	userID, _ := strconv.ParseInt(match[1], 10, 64)

	vc, ok, unlock, err := s.claim(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.toAdmin(textGone), nil
	}
	defer unlock()
	if vc.Step != StepAskFeedback {
		return s.toAdmin(textNoFeedback), nil
	}
	team, stale, err := s.checkStale(ctx, vc)
	if err != nil || stale != nil {
		return stale, err
	}

	toPlayer := models.TextTo(vc.UserID, msg.Text)
	toPlayer.Raw = true
	toPlayer.Files = append([]models.FileExtension(nil), msg.Files...)
	out := []models.Message{toPlayer, models.TextTo(s.adminChat, fmt.Sprintf(textFeedbackSent, team.Name))}

	rest, err := s.finalize(ctx, vc, team)
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

// claim loads the pending submission of userID and locks its team. The context is read
// again under the lock, so a verdict that lost the race sees it gone. unlock is set only when ok.
func (s *Service) claim(ctx context.Context, userID int64) (Context, bool, func(), error) {
	vc, ok, err := s.contexts.Get(ctx, userID)
	if err != nil || !ok {
		return Context{}, false, nil, errors.Wrap(err, "load verification context")
	}
	unlock := s.teams.Lock(vc.TeamID)
	cur, ok, err := s.contexts.Get(ctx, userID)
	if err != nil || !ok || cur.TeamID != vc.TeamID {
		unlock()
		return Context{}, false, nil, errors.Wrap(err, "load verification context")
	}
	return cur, true, unlock, nil
}

// checkStale drops the context when the team has already left the submission's stage.
// A non-nil reply means the verdict must not be applied.
func (s *Service) checkStale(ctx context.Context, vc Context) (models.Team, []models.Message, error) {
	team, err := s.repo.Teams.Get(ctx, vc.TeamID)
	if err != nil {
		return models.Team{}, nil, err
	}
	if team.CurStage == vc.Stage {
		return team, nil, nil
	}
	s.log.Warn("stale verification dropped",
		zap.Int64("team_id", team.ID), zap.Int("submitted_stage", vc.Stage), zap.Int("current_stage", team.CurStage))
	if err := s.drop(ctx, vc); err != nil {
		return team, nil, err
	}
	return team, s.toAdmin(fmt.Sprintf(textStale, team.Name, vc.Stage)), nil
}

func (s *Service) finalize(ctx context.Context, vc Context, team models.Team) ([]models.Message, error) {
	m := fsm.NewFSM(vc.Step, transitions, nil)
	if err := m.Event(ctx, evFinalize); err != nil {
		return nil, errs.Invariantf("verification %s on step %s: %v", evFinalize, vc.Step, err)
	}
	if err := s.drop(ctx, vc); err != nil {
		return nil, err
	}

	word := textRejected
	if vc.Verdict {
		word = textAccepted
	}
	s.log.Info("verification finalized", zap.Int64("team_id", team.ID), zap.Bool("verdict", vc.Verdict))

	replies, err := s.engine.Judge(ctx, team.ID, vc.Stage, vc.Verdict, vc.UserID)
	if errors.Is(err, errs.ErrStageMoved) {
		s.log.Warn("verdict for a passed stage ignored", zap.Int64("team_id", team.ID), zap.Int("stage", vc.Stage))
		return s.toAdmin(fmt.Sprintf(textStale, team.Name, vc.Stage)), nil
	}
	if err != nil {
		return nil, err
	}
	return append(s.toAdmin(fmt.Sprintf(textVerdictApplied, team.Name, word)), replies...), nil
}

func (s *Service) drop(ctx context.Context, vc Context) error {
	if err := s.contexts.Delete(ctx, vc.UserID); err != nil {
		return errors.Wrap(err, "delete verification context")
	}
	if cur, ok, _ := s.byTeam.Get(ctx, vc.TeamID); ok && cur == vc.UserID {
		if err := s.byTeam.Delete(ctx, vc.TeamID); err != nil {
			return errors.Wrap(err, "delete verification index")
		}
	}
	return nil
}

func (s *Service) toAdmin(text string) []models.Message {
	m := models.TextTo(s.adminChat, text)
	m.Raw = true
	return []models.Message{m}
}

// ActiveFor reports whether userID has a pending submission for the team's current stage.
// A submission left behind by an earlier stage is dropped.
func (s *Service) ActiveFor(ctx context.Context, userID int64, team models.Team) (bool, error) {
	unlock := s.teams.Lock(team.ID)
	defer unlock()

	vc, ok, err := s.contexts.Get(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	if vc.TeamID == team.ID && vc.Stage == team.CurStage {
		return true, nil
	}
	s.log.Info("stale verification context dropped", zap.Int64("user_id", userID), zap.Int("stage", vc.Stage))
	return false, s.drop(ctx, vc)
}
