// Package router decides which flow owns an incoming message and addresses the replies.
package router

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/admin"
	"quest-bot/internal/config"
	"quest-bot/internal/content"
	"quest-bot/internal/errs"
	"quest-bot/internal/maze"
	"quest-bot/internal/metrics"
	"quest-bot/internal/models"
	"quest-bot/internal/quest"
	"quest-bot/internal/registration"
	"quest-bot/internal/repo"
	"quest-bot/internal/verification"
)

const CommandRiddle = "/riddle"

const textFailure = "Что-то пошло не так. Попробуйте ещё раз чуть позже или напишите организаторам."

// Owners label the flow that handled a message.
const (
	OwnerAdmin        = "admin"
	OwnerRegistration = "registration"
	OwnerVerification = "verification"
	OwnerMaze         = "maze"
	OwnerQuest        = "quest"
)

type Flows struct {
	Registration *registration.Service
	Verification *verification.Service
	Maze         *maze.Service
	Admin        *admin.Service
}

type Router struct {
	cfg     config.Config
	repo    *repo.Repo
	engine  *quest.Engine
	flows   Flows
	content content.Content
	intn    func(n int) int
	log     *zap.Logger
}

func New(cfg config.Config, r *repo.Repo, engine *quest.Engine, flows Flows, c content.Content, log *zap.Logger) *Router {
	return &Router{cfg: cfg, repo: r, engine: engine, flows: flows, content: c, intn: rand.IntN, log: log}
}

// Route hands msg to its owner. Every reply comes back with a recipient.
// Referential and programming errors are turned into a generic reply and logged;
// other failures are returned together with that reply.
func (r *Router) Route(ctx context.Context, msg models.Message) ([]models.Message, error) {
	fromAdmin := r.cfg.IsAdmin(msg.SenderID)

	var (
		owner string
		out   []models.Message
		err   error
	)
	if fromAdmin {
		owner, out, err = r.routeAdmin(ctx, msg)
	} else {
		owner, out, err = r.routePlayer(ctx, msg)
	}
	metrics.RoutedMessages.WithLabelValues(owner).Inc()

	if err != nil {
		return r.failure(msg, owner, fromAdmin, err)
	}
	return r.address(out, msg.SenderID, fromAdmin), nil
}

func (r *Router) routeAdmin(ctx context.Context, msg models.Message) (string, []models.Message, error) {
	switch {
	case verification.IsVerdict(msg):
		out, err := r.flows.Verification.HandleVerdict(ctx, msg)
		return OwnerVerification, out, err
	case verification.IsFeedback(msg):
		out, err := r.flows.Verification.HandleFeedback(ctx, msg)
		return OwnerVerification, out, err
	}
	out, err := r.flows.Admin.Handle(ctx, msg)
	return OwnerAdmin, out, err
}

func (r *Router) routePlayer(ctx context.Context, msg models.Message) (string, []models.Message, error) {
	registered, err := r.repo.Members.Exists(ctx, msg.SenderID)
	if err != nil {
		return OwnerQuest, nil, err
	}
	if !registered {
		out, err := r.flows.Registration.Handle(ctx, msg)
		return OwnerRegistration, out, err
	}

	member, err := r.repo.Members.Get(ctx, msg.SenderID)
	if err != nil {
		return OwnerQuest, nil, err
	}
	team, err := r.repo.Teams.Get(ctx, member.TeamID)
	if err != nil {
		return OwnerQuest, nil, err
	}
	if team.SwitchMember(member.ID) {
		if err := r.repo.Teams.Update(ctx, team, repo.EventMemberSwitched); err != nil {
			return OwnerQuest, nil, errors.Wrapf(err, "switch member of team %d", team.ID)
		}
	}

	cmd := command(msg.Text)
	if cmd == CommandRiddle {
		out, err := r.engine.GetRiddle(ctx, team.ID)
		return OwnerQuest, out, err
	}

	team, rd, err := r.engine.Riddle(ctx, team.ID)
	if err != nil {
		return OwnerQuest, nil, err
	}

	active, err := r.flows.Verification.ActiveFor(ctx, msg.SenderID, team)
	if err != nil {
		return OwnerVerification, nil, err
	}
	if active || rd.Kind == models.RiddleVerification {
		out, err := r.flows.Verification.Submit(ctx, team, msg)
		return OwnerVerification, out, err
	}

	active, err = r.flows.Maze.Active(ctx, msg.SenderID, team)
	if err != nil {
		return OwnerMaze, nil, err
	}
	if active || rd.Kind == models.RiddleMaze {
		out, err := r.flows.Maze.Handle(ctx, team, msg)
		return OwnerMaze, out, err
	}

	if line, ok := r.content.Flavor(cmd, r.intn); ok {
		return OwnerQuest, []models.Message{models.Text(line)}, nil
	}
	if rd.Kind == models.RiddleFinale {
		return OwnerQuest, []models.Message{models.Text(r.content.Finale)}, nil
	}
	out, err := r.engine.CheckAnswer(ctx, team.ID, msg)
	return OwnerQuest, out, err
}

// command lowercases the first word and drops a @botname suffix. Non-command text comes back as is.
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	cmd, _, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func (r *Router) address(out []models.Message, sender int64, fromAdmin bool) []models.Message {
	fallback := sender
	if fromAdmin && r.cfg.AdminChatID != 0 {
		fallback = r.cfg.AdminChatID
	}
	for i := range out {
		if out[i].RecipientID == 0 {
			out[i].RecipientID = fallback
		}
	}
	return out
}

func (r *Router) failure(msg models.Message, owner string, fromAdmin bool, err error) ([]models.Message, error) {
	fields := []zap.Field{zap.Int64("user_id", msg.SenderID), zap.String("owner", owner), zap.Error(err)}
	reply := r.address([]models.Message{models.Text(textFailure)}, msg.SenderID, fromAdmin)

	var ave *errs.AnswerValidationError
	switch {
	case errs.IsInvariant(err):
		r.log.DPanic("flow invariant violated", fields...)
		return reply, nil
	case errs.IsReferential(err), errors.As(err, &ave):
		r.log.Error("message handling failed", fields...)
		return reply, nil
	}
	return reply, err
}
