package tgbot

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"quest-bot/internal/models"
)

// toMessage converts a Telegram message into the transport-neutral form.
// Only the largest photo size is kept.
func toMessage(m *tgbotapi.Message) models.Message {
	out := models.Message{
		Text:      m.Text,
		CreatedAt: time.Unix(int64(m.Date), 0),
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.From != nil {
		out.SenderID = m.From.ID
		if m.From.UserName != "" {
			out.SetMeta(models.MetaUsername, "@"+m.From.UserName)
		}
		if name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName); name != "" {
			out.SetMeta(models.MetaFullName, name)
		}
	}
	if m.MediaGroupID != "" {
		out.SetMeta(models.MetaGroupID, m.MediaGroupID)
	}
	if r := m.ReplyToMessage; r != nil {
		text := r.Text
		if text == "" {
			text = r.Caption
		}
		if text != "" {
			out.SetMeta(models.MetaReplyText, text)
		}
	}

	file := func(t models.FileType, id, name string) {
		out.Files = append(out.Files, models.FileExtension{Type: t, OwnerID: out.SenderID, RemoteID: id, Filename: name})
	}
	if len(m.Photo) > 0 {
		largest := m.Photo[0]
		for _, p := range m.Photo[1:] {
			if p.FileSize > largest.FileSize || (p.FileSize == largest.FileSize && p.Width*p.Height > largest.Width*largest.Height) {
				largest = p
			}
		}
		file(models.FilePhoto, largest.FileID, "")
	}
	if m.Video != nil {
		file(models.FileVideo, m.Video.FileID, m.Video.FileName)
	}
	if m.Audio != nil {
		file(models.FileAudio, m.Audio.FileID, m.Audio.FileName)
	}
	if m.Voice != nil {
		file(models.FileVoice, m.Voice.FileID, "")
	}
	if m.VideoNote != nil {
		file(models.FileVideoNote, m.VideoNote.FileID, "")
	}
	if m.Document != nil {
		file(models.FileDocument, m.Document.FileID, m.Document.FileName)
	}
	if m.Sticker != nil {
		out.Files = append(out.Files, models.FileExtension{
			Type:     models.FileSticker,
			OwnerID:  out.SenderID,
			RemoteID: m.Sticker.FileID,
			Meta:     m.Sticker.Emoji,
		})
	}
	return out
}

// fromCallback turns a button press into a message carrying the callback data.
func fromCallback(q *tgbotapi.CallbackQuery) models.Message {
	out := models.Message{CreatedAt: time.Now()}
	if q.From != nil {
		out.SenderID = q.From.ID
		if q.From.UserName != "" {
			out.SetMeta(models.MetaUsername, "@"+q.From.UserName)
		}
	}
	out.SetMeta(models.MetaCallback, q.Data)
	return out
}

// empty reports whether there is nothing the flows could act on.
func empty(m models.Message) bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Files) == 0 && m.MetaValue(models.MetaCallback) == ""
}
