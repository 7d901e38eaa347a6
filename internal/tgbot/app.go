// Package tgbot connects the quest to Telegram: long polling in, replies out.
package tgbot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"quest-bot/internal/aggregator"
	"quest-bot/internal/config"
	"quest-bot/internal/models"
	"quest-bot/internal/storage"
)

// Router answers one logical inbound message.
type Router interface {
	Route(ctx context.Context, msg models.Message) ([]models.Message, error)
}

// Members resolves a player's team for file archiving.
type Members interface {
	Get(ctx context.Context, id int64) (models.Member, error)
}

type App struct {
	cfg     config.Config
	bot     botAPI
	poller  *tgbotapi.BotAPI
	router  Router
	sender  *Sender
	agg     *aggregator.Aggregator
	blobs   storage.Blobs
	members Members
	log     *zap.Logger

	// queues holds each sender's undelivered messages; a key is present while its worker runs.
	mu     sync.Mutex
	queues map[int64][]models.Message

	// base is the handler context; it outlives polling so Shutdown can drain.
	base context.Context
	wg   sync.WaitGroup
}

func New(cfg config.Config, router Router, blobs storage.Blobs, members Members, log *zap.Logger) (*App, error) {
	b, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, err
	}
	b.Debug = false
	log.Info("telegram authorized", zap.String("bot", b.Self.UserName))
	a := newApp(cfg, b, router, blobs, members, log)
	a.poller = b
	return a, nil
}

func newApp(cfg config.Config, bot botAPI, router Router, blobs storage.Blobs, members Members, log *zap.Logger) *App {
	a := &App{
		cfg:     cfg,
		bot:     bot,
		router:  router,
		sender:  NewSender(bot, blobs, log),
		blobs:   blobs,
		members: members,
		queues:  map[int64][]models.Message{},
		log:     log,
		base:    context.Background(),
	}
	a.agg = aggregator.New(cfg.MediaGroupWindow, a.dispatch)
	return a
}

func (a *App) Run(ctx context.Context) error {
	a.base = context.WithoutCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.poller.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.poller.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			a.accept(upd)
		}
	}
}

// accept converts an update and feeds it to the aggregator.
func (a *App) accept(upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		msg := toMessage(upd.Message)
		if empty(msg) {
			return
		}
		a.agg.Add(msg.MetaValue(models.MetaGroupID), msg)
	case upd.CallbackQuery != nil:
		// ack
		if _, err := a.bot.Request(tgbotapi.NewCallback(upd.CallbackQuery.ID, "")); err != nil {
			a.log.Warn("callback ack failed", zap.Error(err))
		}
		a.agg.Add("", fromCallback(upd.CallbackQuery))
	}
}

// dispatch handles distinct senders concurrently and one sender's messages in arrival order.
func (a *App) dispatch(msg models.Message) {
	a.mu.Lock()
	q, running := a.queues[msg.SenderID]
	a.queues[msg.SenderID] = append(q, msg)
	a.mu.Unlock()
	if running {
		return
	}
	a.wg.Add(1)
	go a.drain(msg.SenderID)
}

func (a *App) drain(sender int64) {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		q := a.queues[sender]
		if len(q) == 0 {
			delete(a.queues, sender)
			a.mu.Unlock()
			return
		}
		msg := q[0]
		a.queues[sender] = q[1:]
		a.mu.Unlock()

		a.handle(a.base, msg)
	}
}

func (a *App) handle(ctx context.Context, msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("handler panic", zap.Int64("user_id", msg.SenderID), zap.Any("panic", r))
		}
	}()

	if a.cfg.AutoUpload && len(msg.Files) > 0 && !a.cfg.IsAdmin(msg.SenderID) {
		a.archive(ctx, msg)
	}
	replies, err := a.router.Route(ctx, msg)
	if err != nil {
		a.log.Error("route failed", zap.Int64("user_id", msg.SenderID), zap.Error(err))
	}
	a.sender.SendAll(ctx, replies)
}

// archive copies the player's attachments into team storage. Failures only get logged.
func (a *App) archive(ctx context.Context, msg models.Message) {
	if a.blobs == nil || a.members == nil {
		return
	}
	member, err := a.members.Get(ctx, msg.SenderID)
	if err != nil {
		return
	}
	for _, f := range msg.Files {
		if f.RemoteID == "" {
			continue
		}
		data, err := a.download(ctx, f.RemoteID)
		if err != nil {
			a.log.Warn("archive download failed", zap.Int64("team_id", member.TeamID), zap.Error(err))
			continue
		}
		f.Data = data
		p, err := storage.Archive(ctx, a.blobs, member.TeamID, f)
		if err != nil {
			a.log.Warn("archive upload failed", zap.Int64("team_id", member.TeamID), zap.Error(err))
			continue
		}
		a.log.Info("file archived", zap.Int64("team_id", member.TeamID), zap.String("path", p))
	}
}

func (a *App) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SendText is a plain notification outside any flow.
func (a *App) SendText(ctx context.Context, chatID int64, text string) error {
	return a.sender.Send(ctx, models.TextTo(chatID, text))
}

// Shutdown delivers buffered media groups and waits for in-flight handlers.
func (a *App) Shutdown(ctx context.Context) error {
	a.agg.Flush()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
