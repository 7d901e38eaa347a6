package models

import (
	"path"
	"strings"
	"time"
)

// Meta keys carried between the transport and the flows.
const (
	MetaUsername  = "username"
	MetaFullName  = "full_name"
	MetaReplyText = "reply_text"
	MetaCallback  = "callback"
	// MetaGroupID carries the transport's media group id into the aggregator.
	MetaGroupID = "group_id"
)

// Message is the transport-neutral form of an inbound event or an outbound reply.
// RecipientID 0 means "not addressed yet"; the router fills it in.
type Message struct {
	SenderID    int64
	RecipientID int64
	Text        string
	Files       []FileExtension
	Meta        map[string]string
	Keyboard    [][]Button
	// Raw disables markup parsing for the text (user-provided content).
	Raw       bool
	CreatedAt time.Time
}

type Button struct {
	Text string
	Data string
}

func Text(text string) Message {
	return Message{Text: text, CreatedAt: time.Now()}
}

func TextTo(recipient int64, text string) Message {
	m := Text(text)
	m.RecipientID = recipient
	return m
}

func (m Message) MetaValue(key string) string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta[key]
}

func (m *Message) SetMeta(key, value string) {
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	m.Meta[key] = value
}

// Copy returns a deep copy; attachments bytes are shared since they are never mutated.
func (m Message) Copy() Message {
	out := m
	if m.Files != nil {
		out.Files = append([]FileExtension(nil), m.Files...)
	}
	if m.Meta != nil {
		out.Meta = make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	if m.Keyboard != nil {
		out.Keyboard = make([][]Button, len(m.Keyboard))
		for i, row := range m.Keyboard {
			out.Keyboard[i] = append([]Button(nil), row...)
		}
	}
	return out
}

type FileType string

const (
	FilePhoto     FileType = "photo"
	FileVideo     FileType = "video"
	FileVideoNote FileType = "video_note"
	FileAudio     FileType = "audio"
	FileVoice     FileType = "voice"
	FileDocument  FileType = "document"
	FileSticker   FileType = "sticker"
)

// FileExtension is a typed attachment. Exactly one of Data, Ref or RemoteID is expected:
// raw bytes, a deferred object-storage marker, or a transport file id.
type FileExtension struct {
	Type     FileType
	OwnerID  int64
	Data     []byte
	Ref      string
	RemoteID string
	Filename string
	Meta     string
}

const RefPrefix = "obj://"

// Deferred reports whether the attachment must be fetched from object storage before sending.
func (f FileExtension) Deferred() bool {
	return strings.HasPrefix(f.Ref, RefPrefix)
}

func (f FileExtension) RefPath() string {
	return strings.TrimPrefix(f.Ref, RefPrefix)
}

var extToType = map[string]FileType{
	".jpg":  FilePhoto,
	".jpeg": FilePhoto,
	".png":  FilePhoto,
	".webp": FilePhoto,
	".mp4":  FileVideo,
	".mov":  FileVideo,
	".ogg":  FileAudio,
	".mp3":  FileAudio,
	".pdf":  FileDocument,
	".txt":  FileDocument,
}

var typeToExt = map[FileType]string{
	FilePhoto:     ".jpg",
	FileVideo:     ".mp4",
	FileVideoNote: ".mp4",
	FileAudio:     ".ogg",
	FileVoice:     ".ogg",
	FileDocument:  ".bin",
	FileSticker:   ".webp",
}

// TypeByFilename falls back to a document for unknown extensions.
func TypeByFilename(name string) FileType {
	if t, ok := extToType[strings.ToLower(path.Ext(name))]; ok {
		return t
	}
	return FileDocument
}

func DefaultExt(t FileType) string {
	if e, ok := typeToExt[t]; ok {
		return e
	}
	return ".bin"
}

// StoredFile builds a deferred attachment pointing at an object-storage path.
func StoredFile(p string, owner int64) FileExtension {
	name := path.Base(p)
	return FileExtension{
		Type:     TypeByFilename(name),
		OwnerID:  owner,
		Ref:      RefPrefix + p,
		Filename: name,
	}
}

// IsAlbumType reports whether the file can be grouped into a photo/video album.
func IsAlbumType(t FileType) bool {
	return t == FilePhoto || t == FileVideo
}
