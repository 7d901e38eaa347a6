package tgbot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quest-bot/internal/metrics"
	"quest-bot/internal/models"
	"quest-bot/internal/storage"
)

const (
	maxSendAttempts = 3
	albumLimit      = 10
)

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	SendMediaGroup(c tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Sender delivers addressed replies. Deferred attachments are fetched from blobs first.
type Sender struct {
	bot   botAPI
	blobs storage.Blobs
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(bot botAPI, blobs storage.Blobs, log *zap.Logger) *Sender {
	return &Sender{bot: bot, blobs: blobs, log: log, sleep: sleepCtx}
}

// SendAll sends every message in order; a failed message does not stop the rest.
func (s *Sender) SendAll(ctx context.Context, msgs []models.Message) {
	for _, m := range msgs {
		if err := s.Send(ctx, m); err != nil {
			metrics.SendFailures.Inc()
			s.log.Error("send failed", zap.Int64("chat_id", m.RecipientID), zap.Error(err))
		}
	}
}

func (s *Sender) Send(ctx context.Context, m models.Message) error {
	if m.RecipientID == 0 {
		return errors.New("message has no recipient")
	}
	files := s.resolve(ctx, m.Files)

	var album, single []models.FileExtension
	for _, f := range files {
		if models.IsAlbumType(f.Type) {
			album = append(album, f)
		} else {
			single = append(single, f)
		}
	}
	if len(album) < 2 {
		single = append(album, single...)
		album = nil
	}

	text := m.Text
	switch {
	case len(album) > 0:
		for start := 0; start < len(album); start += albumLimit {
			end := min(start+albumLimit, len(album))
			caption := ""
			if start == 0 && len(m.Keyboard) == 0 {
				caption, text = text, ""
			}
			if err := s.sendAlbum(ctx, m.RecipientID, album[start:end], caption, m.Raw); err != nil {
				return err
			}
		}
	case len(single) > 0 && captionable(single[0].Type):
		// the first file carries the text and the keyboard
		if err := s.do(ctx, fileConfig(m.RecipientID, single[0], text, m.Raw, m.Keyboard)); err != nil {
			return err
		}
		text, single = "", single[1:]
		m.Keyboard = nil
	}

	if text != "" || len(m.Keyboard) > 0 {
		msg := tgbotapi.NewMessage(m.RecipientID, text)
		if !m.Raw {
			msg.ParseMode = tgbotapi.ModeHTML
		}
		if len(m.Keyboard) > 0 {
			msg.ReplyMarkup = keyboard(m.Keyboard)
		}
		if err := s.do(ctx, msg); err != nil {
			return err
		}
	}
	for _, f := range single {
		if err := s.do(ctx, fileConfig(m.RecipientID, f, "", m.Raw, nil)); err != nil {
			return err
		}
	}
	return nil
}

// resolve fetches deferred attachments. A file that cannot be fetched is logged and skipped.
func (s *Sender) resolve(ctx context.Context, files []models.FileExtension) []models.FileExtension {
	out := make([]models.FileExtension, 0, len(files))
	for _, f := range files {
		r, err := storage.Resolve(ctx, s.blobs, f)
		if err != nil {
			s.log.Warn("attachment dropped", zap.String("ref", f.Ref), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Sender) sendAlbum(ctx context.Context, chatID int64, files []models.FileExtension, caption string, raw bool) error {
	mode := tgbotapi.ModeHTML
	if raw {
		mode = ""
	}
	media := make([]interface{}, 0, len(files))
	for i, f := range files {
		c := ""
		if i == 0 {
			c = caption
		}
		if f.Type == models.FileVideo {
			v := tgbotapi.NewInputMediaVideo(requestFile(f))
			v.Caption, v.ParseMode = c, mode
			media = append(media, v)
			continue
		}
		p := tgbotapi.NewInputMediaPhoto(requestFile(f))
		p.Caption, p.ParseMode = c, mode
		media = append(media, p)
	}
	cfg := tgbotapi.NewMediaGroup(chatID, media)
	return s.retry(ctx, func() error {
		_, err := s.bot.SendMediaGroup(cfg)
		return err
	})
}

func (s *Sender) do(ctx context.Context, c tgbotapi.Chattable) error {
	return s.retry(ctx, func() error {
		_, err := s.bot.Send(c)
		return err
	})
}

// retry repeats send only when Telegram asks to slow down.
func (s *Sender) retry(ctx context.Context, send func() error) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err = send()
		var apiErr *tgbotapi.Error
		if err == nil || !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
			return err
		}
		s.log.Warn("flood control, waiting", zap.Int("retry_after", apiErr.RetryAfter), zap.Int("attempt", attempt))
		if serr := s.sleep(ctx, time.Duration(apiErr.RetryAfter)*time.Second); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func requestFile(f models.FileExtension) tgbotapi.RequestFileData {
	if len(f.Data) > 0 {
		name := f.Filename
		if name == "" {
			name = "file" + models.DefaultExt(f.Type)
		}
		return tgbotapi.FileBytes{Name: name, Bytes: f.Data}
	}
	return tgbotapi.FileID(f.RemoteID)
}

func captionable(t models.FileType) bool {
	return t != models.FileSticker && t != models.FileVideoNote
}

func fileConfig(chatID int64, f models.FileExtension, caption string, raw bool, kb [][]models.Button) tgbotapi.Chattable {
	mode := tgbotapi.ModeHTML
	if raw {
		mode = ""
	}
	var markup interface{}
	if len(kb) > 0 {
		markup = keyboard(kb)
	}
	file := requestFile(f)
	switch f.Type {
	case models.FilePhoto:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption, c.ParseMode, c.ReplyMarkup = caption, mode, markup
		return c
	case models.FileVideo:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption, c.ParseMode, c.ReplyMarkup = caption, mode, markup
		return c
	case models.FileAudio:
		c := tgbotapi.NewAudio(chatID, file)
		c.Caption, c.ParseMode, c.ReplyMarkup = caption, mode, markup
		return c
	case models.FileVoice:
		c := tgbotapi.NewVoice(chatID, file)
		c.Caption, c.ParseMode, c.ReplyMarkup = caption, mode, markup
		return c
	case models.FileVideoNote:
		return tgbotapi.NewVideoNote(chatID, 0, file)
	case models.FileSticker:
		return tgbotapi.NewSticker(chatID, file)
	default:
		c := tgbotapi.NewDocument(chatID, file)
		c.Caption, c.ParseMode, c.ReplyMarkup = caption, mode, markup
		return c
	}
}

func keyboard(rows [][]models.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}
