// Package registration walks a new player through joining or creating a team.
package registration

import (
	"context"
	"fmt"
	"html"
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
	"quest-bot/internal/store"
	"quest-bot/internal/util"
)

const (
	StepAskRole           = "ASK_ROLE"
	StepAskTeamName       = "ASK_TEAM_NAME"
	StepConfirmTeamName   = "CONFIRM_TEAM_NAME"
	StepAskPassword       = "ASK_PASSWORD"
	StepAskPasswordRepeat = "ASK_PASSWORD_REPEAT"
	StepDone              = "DONE"
)

const (
	ModeJoin   = "join"
	ModeCreate = "create"
)

const (
	evRoleChosen    = "role_chosen"
	evTeamFound     = "team_found"
	evNameReserved  = "name_reserved"
	evNameConfirmed = "name_confirmed"
	evNameRejected  = "name_rejected"
	evPasswordSet   = "password_set"
	evJoined        = "joined"
	evCreated       = "created"
	evNameLost      = "name_lost"
)

// Re-prompts do not fire events; only real step changes go through the table.
var transitions = fsm.Events{
	{Name: evRoleChosen, Src: []string{StepAskRole}, Dst: StepAskTeamName},
	{Name: evTeamFound, Src: []string{StepAskTeamName}, Dst: StepAskPassword},
	{Name: evNameReserved, Src: []string{StepAskTeamName}, Dst: StepConfirmTeamName},
	{Name: evNameConfirmed, Src: []string{StepConfirmTeamName}, Dst: StepAskPassword},
	{Name: evNameRejected, Src: []string{StepConfirmTeamName}, Dst: StepAskTeamName},
	{Name: evPasswordSet, Src: []string{StepAskPassword}, Dst: StepAskPasswordRepeat},
	{Name: evJoined, Src: []string{StepAskPassword}, Dst: StepDone},
	{Name: evCreated, Src: []string{StepAskPasswordRepeat}, Dst: StepDone},
	{Name: evNameLost, Src: []string{StepConfirmTeamName, StepAskPassword, StepAskPasswordRepeat}, Dst: StepAskTeamName},
}

const (
	textGreeting = "Привет! Добро пожаловать в игру.\n\n" +
		"Сразу небольшая методичка по пользованию ботом:\n" +
		"Бот умеет принимать на вход сообщения с текстом, фото, видео, файлами, " +
		"а также кружочки, голосовые сообщения и стикеры. Остальные сообщения он, к сожалению, " +
		"не распознает, так что не стоит пытаться их отправлять.\n" +
		"/riddle - попросить условие загадки.\n" +
		"/start - перезапустить регистрацию (если вы допустили ошибку при ней; работает " +
		"только во время регистрации).\n" +
		"/[имя персонажа] - поговорить с персонажем квеста (пример: /Санта)."
	textRolePrompt = "Всё понятно? Тогда давай приступать к игре!\n" +
		"Ты хочешь <b><u>присоединиться к существующей команде (1)</u></b> или " +
		"<b><u>зарегистрировать новую команду (2)</u></b> ?\n" +
		"Ответь: 1 или 2."
	textBadRole        = "Пожалуйста, ответь 1 или 2"
	textAskJoinName    = "Хорошо! Тогда введите имя команды, пожалуйста:"
	textAskCreateName  = "Отлично!\nНовую команду нужно как-нибудь назвать. Придумай ей какое-нибудь прикольное новогоднее имя, чтобы сразу всё стало чуть более праздничным! Чем необычнее имя, тем веселее :)"
	textEmptyName      = "Имя команды не может быть пустым. Попробуй ещё раз:"
	textTeamNotFound   = "Команда с таким именем не найдена. Попробуй ещё раз:"
	textNameTaken      = "К сожалению, это имя уже занято. Попробуй какое-нибудь другое."
	textConfirmName    = "Подтверди имя команды: «%s»? (да / нет)"
	textYesNo          = "Ответь «да» или «нет», пожалуйста"
	textAskNameAgain   = "Тогда введи имя команды ещё раз, пожалуйста:"
	textAskPassword    = "Введи пароль:"
	textEmptyPassword  = "Пароль не может быть пустым. Введи пароль:"
	textBadPassword    = "Неверный пароль. Попробуй ещё раз:"
	textRepeatPassword = "Повтори пароль:"
	textMismatch       = "Пароли не совпадают. Введи пароль ещё раз:"
	textJoined         = "Ты успешно вошел в команду %s!"
	textCreated        = "Команда %s успешно зарегистрирована!"
)

const CommandStart = "/start"

// Context is the per-user registration scratchpad. It is stored as JSON by the Redis store.
type Context struct {
	UserID       int64     `json:"user_id"`
	Step         string    `json:"step"`
	Mode         string    `json:"mode,omitempty"`
	TeamName     string    `json:"team_name,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Nickname     string    `json:"nickname,omitempty"`
	Name         string    `json:"name,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Service struct {
	contexts     session.Store[Context]
	reservations session.Reservations
	repo         *repo.Repo
	engine       *quest.Engine
	timeout      time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func New(contexts session.Store[Context], reservations session.Reservations, r *repo.Repo, engine *quest.Engine, timeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		contexts:     contexts,
		reservations: reservations,
		repo:         r,
		engine:       engine,
		timeout:      timeout,
		now:          time.Now,
		log:          log,
	}
}

// Active reports whether the user is in the middle of registration.
func (s *Service) Active(ctx context.Context, userID int64) (bool, error) {
	_, ok, err := s.contexts.Get(ctx, userID)
	return ok, err
}

// Handle consumes one input from an unregistered user. A missing, stale or
// restarted context begins again at ASK_ROLE.
func (s *Service) Handle(ctx context.Context, msg models.Message) ([]models.Message, error) {
	userID := msg.SenderID
	text := strings.TrimSpace(msg.Text)

	rc, ok, err := s.contexts.Get(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load registration context")
	}
	if !ok || strings.EqualFold(text, CommandStart) || s.expired(rc) {
		if ok {
			s.releaseReservation(ctx, rc)
		}
		return s.start(ctx, msg)
	}

	held, err := s.holdName(ctx, rc)
	if err != nil {
		return nil, err
	}
	if !held {
		replies, err := s.nameLost(ctx, &rc)
		if err != nil {
			return nil, err
		}
		rc.UpdatedAt = s.now()
		if err := s.contexts.Save(ctx, userID, rc); err != nil {
			return nil, errors.Wrap(err, "save registration context")
		}
		return replies, nil
	}

	var replies []models.Message
	switch rc.Step {
	case StepAskRole:
		replies, err = s.handleRole(ctx, &rc, text)
	case StepAskTeamName:
		replies, err = s.handleTeamName(ctx, &rc, text)
	case StepConfirmTeamName:
		replies, err = s.handleConfirm(ctx, &rc, text)
	case StepAskPassword:
		replies, err = s.handlePassword(ctx, &rc, text)
	case StepAskPasswordRepeat:
		replies, err = s.handlePasswordRepeat(ctx, &rc, text)
	default:
		return nil, errs.Invariantf("unexpected registration step %q for user %d", rc.Step, userID)
	}

	if v, ok := errs.IsValidation(err); ok {
		// the context stays where it was
		rc.UpdatedAt = s.now()
		if err := s.contexts.Save(ctx, userID, rc); err != nil {
			return nil, errors.Wrap(err, "save registration context")
		}
		return []models.Message{models.Text(v.Reply)}, nil
	}
	if err != nil {
		return nil, err
	}

	if rc.Step == StepDone {
		if err := s.contexts.Delete(ctx, userID); err != nil {
			return nil, errors.Wrap(err, "delete registration context")
		}
		return replies, nil
	}
	rc.UpdatedAt = s.now()
	if err := s.contexts.Save(ctx, userID, rc); err != nil {
		return nil, errors.Wrap(err, "save registration context")
	}
	return replies, nil
}

func (s *Service) expired(rc Context) bool {
	return s.timeout > 0 && !rc.UpdatedAt.IsZero() && s.now().Sub(rc.UpdatedAt) > s.timeout
}

func (s *Service) start(ctx context.Context, msg models.Message) ([]models.Message, error) {
	rc := Context{
		UserID:    msg.SenderID,
		Step:      StepAskRole,
		Nickname:  msg.MetaValue(models.MetaUsername),
		Name:      msg.MetaValue(models.MetaFullName),
		UpdatedAt: s.now(),
	}
	if err := s.contexts.Save(ctx, msg.SenderID, rc); err != nil {
		return nil, errors.Wrap(err, "save registration context")
	}
	return []models.Message{models.Text(textGreeting), models.Text(textRolePrompt)}, nil
}

func (s *Service) releaseReservation(ctx context.Context, rc Context) {
	if rc.Mode != ModeCreate || rc.TeamName == "" {
		return
	}
	if err := s.reservations.Release(ctx, rc.TeamName, rc.UserID); err != nil {
		s.log.Warn("release team name", zap.String("team", rc.TeamName), zap.Int64("user_id", rc.UserID), zap.Error(err))
	}
}

// holdName renews the creator's claim on the team name for as long as the registration
// is alive. It reports false when someone else took the name meanwhile.
func (s *Service) holdName(ctx context.Context, rc Context) (bool, error) {
	if rc.Mode != ModeCreate || rc.TeamName == "" {
		return true, nil
	}
	switch rc.Step {
	case StepConfirmTeamName, StepAskPassword, StepAskPasswordRepeat:
	default:
		return true, nil
	}
	ok, err := s.reservations.Reserve(ctx, rc.TeamName, rc.UserID)
	if err != nil {
		return false, errors.Wrap(err, "renew team name")
	}
	return ok, nil
}

// nameLost sends the creator back to choosing a name.
func (s *Service) nameLost(ctx context.Context, rc *Context) ([]models.Message, error) {
	s.log.Info("team name claim lost", zap.String("team", rc.TeamName), zap.Int64("user_id", rc.UserID))
	s.releaseReservation(ctx, *rc)
	rc.TeamName, rc.PasswordHash = "", ""
	if err := advance(ctx, rc, evNameLost); err != nil {
		return nil, err
	}
	return []models.Message{models.Text(textNameTaken)}, nil
}

// advance validates the step change against the transition table.
func advance(ctx context.Context, rc *Context, event string) error {
	m := fsm.NewFSM(rc.Step, transitions, nil)
	if err := m.Event(ctx, event); err != nil {
		return errs.Invariantf("registration %s on step %s: %v", event, rc.Step, err)
	}
	rc.Step = m.Current()
	return nil
}

func (s *Service) handleRole(ctx context.Context, rc *Context, text string) ([]models.Message, error) {
	var reply string
	switch text {
	case "1":
		rc.Mode, reply = ModeJoin, textAskJoinName
	case "2":
		rc.Mode, reply = ModeCreate, textAskCreateName
	default:
		return nil, errs.Invalid("role", textBadRole)
	}
	if err := advance(ctx, rc, evRoleChosen); err != nil {
		return nil, err
	}
	return []models.Message{models.Text(reply)}, nil
}

func (s *Service) handleTeamName(ctx context.Context, rc *Context, name string) ([]models.Message, error) {
	if name == "" {
		return nil, errs.Invalid("team name", textEmptyName)
	}

	_, err := s.repo.Teams.GetByName(ctx, name)
	exists := err == nil
	if err != nil && !errors.Is(err, errs.ErrTeamNotFound) {
		return nil, err
	}

	if rc.Mode == ModeJoin {
		if !exists {
			return nil, errs.Invalid("team name", textTeamNotFound)
		}
		rc.TeamName = name
		if err := advance(ctx, rc, evTeamFound); err != nil {
			return nil, err
		}
		return []models.Message{models.Text(textAskPassword)}, nil
	}

	if exists {
		return nil, errs.Invalid("team name", textNameTaken)
	}
	won, err := s.reservations.Reserve(ctx, name, rc.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "reserve team name")
	}
	if !won {
		return nil, errs.Invalid("team name", textNameTaken)
	}
	rc.TeamName = name
	if err := advance(ctx, rc, evNameReserved); err != nil {
		return nil, err
	}
	return []models.Message{models.Text(fmt.Sprintf(textConfirmName, html.EscapeString(name)))}, nil
}

func (s *Service) handleConfirm(ctx context.Context, rc *Context, text string) ([]models.Message, error) {
	yes, ok := util.ParseYesNo(text)
	if !ok {
		return nil, errs.Invalid("confirmation", textYesNo)
	}
	if !yes {
		s.releaseReservation(ctx, *rc)
		rc.TeamName = ""
		if err := advance(ctx, rc, evNameRejected); err != nil {
			return nil, err
		}
		return []models.Message{models.Text(textAskNameAgain)}, nil
	}
	if err := advance(ctx, rc, evNameConfirmed); err != nil {
		return nil, err
	}
	return []models.Message{models.Text(textAskPassword)}, nil
}

func (s *Service) handlePassword(ctx context.Context, rc *Context, password string) ([]models.Message, error) {
	if password == "" {
		return nil, errs.Invalid("password", textEmptyPassword)
	}
	if rc.Mode == ModeJoin {
		return s.join(ctx, rc, password)
	}

	hash, err := models.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	rc.PasswordHash = hash
	if err := advance(ctx, rc, evPasswordSet); err != nil {
		return nil, err
	}
	return []models.Message{models.Text(textRepeatPassword)}, nil
}

func (s *Service) join(ctx context.Context, rc *Context, password string) ([]models.Message, error) {
	team, err := s.repo.Teams.GetByName(ctx, rc.TeamName)
	if err != nil {
		return nil, err
	}
	if !team.VerifyPassword(password) {
		return nil, errs.Invalid("password", textBadPassword)
	}

	if err := s.createMember(ctx, rc, team.ID); err != nil {
		return nil, err
	}
	if team.SwitchMember(rc.UserID) {
		if err := s.repo.Teams.Update(ctx, team, repo.EventMemberSwitched); err != nil {
			return nil, err
		}
	}
	if err := advance(ctx, rc, evJoined); err != nil {
		return nil, err
	}
	s.log.Info("member joined team", zap.Int64("user_id", rc.UserID), zap.Int64("team_id", team.ID))
	return s.withRiddle(ctx, team.ID, fmt.Sprintf(textJoined, html.EscapeString(team.Name))), nil
}

func (s *Service) handlePasswordRepeat(ctx context.Context, rc *Context, password string) ([]models.Message, error) {
	pending := models.Team{PasswordHash: rc.PasswordHash}
	if !pending.VerifyPassword(password) {
		return nil, errs.Invalid("password", textMismatch)
	}

	team, err := s.repo.Teams.Insert(ctx, models.Team{
		Name:           rc.TeamName,
		PasswordHash:   rc.PasswordHash,
		CurStage:       1,
		CurMemberID:    rc.UserID,
		StageEnteredAt: s.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		team, err = s.orphan(ctx, rc)
		if err != nil {
			return nil, err
		}
		if team.ID == 0 {
			// another replica persisted the name first
			return s.nameLost(ctx, rc)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.createMember(ctx, rc, team.ID); err != nil {
		return nil, err
	}
	s.releaseReservation(ctx, *rc)
	if err := advance(ctx, rc, evCreated); err != nil {
		return nil, err
	}
	s.log.Info("team created", zap.Int64("team_id", team.ID), zap.String("name", team.Name), zap.Int64("user_id", rc.UserID))
	return s.withRiddle(ctx, team.ID, fmt.Sprintf(textCreated, html.EscapeString(team.Name))), nil
}

// orphan finds a team this user inserted on an earlier attempt whose member was never
// stored. A zero team means the name belongs to someone else.
func (s *Service) orphan(ctx context.Context, rc *Context) (models.Team, error) {
	team, err := s.repo.Teams.GetByName(ctx, rc.TeamName)
	if errors.Is(err, errs.ErrTeamNotFound) {
		return models.Team{}, nil
	}
	if err != nil {
		return models.Team{}, err
	}
	if team.CurMemberID != rc.UserID || team.PasswordHash != rc.PasswordHash {
		return models.Team{}, nil
	}
	members, err := s.repo.Members.ListByTeam(ctx, team.ID)
	if err != nil {
		return models.Team{}, err
	}
	if len(members) > 0 {
		return models.Team{}, nil
	}
	s.log.Info("resuming team created without its member", zap.Int64("team_id", team.ID), zap.Int64("user_id", rc.UserID))
	return team, nil
}

func (s *Service) createMember(ctx context.Context, rc *Context, teamID int64) error {
	return s.repo.Members.Insert(ctx, models.Member{
		ID:       rc.UserID,
		Nickname: rc.Nickname,
		Name:     rc.Name,
		TeamID:   teamID,
	})
}

func (s *Service) withRiddle(ctx context.Context, teamID int64, greeting string) []models.Message {
	out := []models.Message{models.Text(greeting)}
	payload, err := s.engine.GetRiddle(ctx, teamID)
	if err != nil {
		s.log.Error("riddle after registration", zap.Int64("team_id", teamID), zap.Error(err))
		return out
	}
	return append(out, payload...)
}
