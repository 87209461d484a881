package whatsapp

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// MediaKind selects how an attachment is presented to the recipient.
type MediaKind int

const (
	KindDocument MediaKind = iota
	KindImage
	KindAudio
)

func (k MediaKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return "document"
	}
}

// KindForFile picks the media kind from a file name's extension.
func KindForFile(name string) MediaKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return KindImage
	case ".mp3", ".ogg":
		return KindAudio
	default:
		return KindDocument
	}
}

func (k MediaKind) mediaType() whatsmeow.MediaType {
	switch k {
	case KindImage:
		return whatsmeow.MediaImage
	case KindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// Media is an uploaded attachment that can be sent to any number of chats.
type Media struct {
	Kind     MediaKind
	FileName string
	Mimetype string
	Upload   whatsmeow.UploadResponse
}

func (s *Supervisor) connectedClient() (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Connected || s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// SendText sends a plain text message. to is a phone number or a JID.
func (s *Supervisor) SendText(ctx context.Context, to, text string) error {
	jid, err := ParseJID(to)
	if err != nil {
		return err
	}
	return s.send(ctx, jid, &waProto.Message{Conversation: proto.String(text)})
}

// Upload encrypts and uploads data once so it can be sent with SendMedia.
func (s *Supervisor) Upload(ctx context.Context, data []byte, fileName string) (*Media, error) {
	cli, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	m := &Media{
		Kind:     KindForFile(fileName),
		FileName: filepath.Base(fileName),
	}
	m.Mimetype = mimetypeFor(m.Kind, fileName, data)

	s.log.Infof("Uploading %s %s (%d bytes)", m.Kind, m.FileName, len(data))
	up, err := cli.Upload(ctx, data, m.Kind.mediaType())
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", m.Kind, err)
	}
	m.Upload = up
	return m, nil
}

// SendMedia sends a previously uploaded attachment to jid.
func (s *Supervisor) SendMedia(ctx context.Context, jid types.JID, m *Media, caption string) error {
	return s.send(ctx, jid, mediaMessage(m, caption))
}

func (s *Supervisor) send(ctx context.Context, jid types.JID, msg *waProto.Message) error {
	cli, err := s.connectedClient()
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	s.log.Debugf("Sent message %s to %s", resp.ID, jid)
	return nil
}

// Resolve checks whether number has a WhatsApp account and returns its JID.
func (s *Supervisor) Resolve(ctx context.Context, number string) (types.JID, bool, error) {
	cli, err := s.connectedClient()
	if err != nil {
		return types.EmptyJID, false, err
	}
	phone := normalizePhone(number)
	if phone == "" {
		return types.EmptyJID, false, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return types.EmptyJID, false, err
	}
	resp, err := cli.IsOnWhatsApp([]string{"+" + phone})
	if err != nil {
		return types.EmptyJID, false, fmt.Errorf("failed to check %s: %w", phone, err)
	}
	for _, item := range resp {
		if item.IsIn {
			return item.JID, true, nil
		}
	}
	return types.EmptyJID, false, nil
}

// CheckUsers reports the WhatsApp registration of each phone number.
func (s *Supervisor) CheckUsers(phones []string) ([]types.IsOnWhatsAppResponse, error) {
	cli, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	return cli.IsOnWhatsApp(phones)
}

// PairPhone requests a linking code for phone instead of a QR scan.
func (s *Supervisor) PairPhone(ctx context.Context, phone string) (string, error) {
	s.mu.RLock()
	cli, state := s.client, s.state
	s.mu.RUnlock()
	if cli == nil || (state != Connecting && state != AwaitingScan) {
		return "", fmt.Errorf("%w: pairing needs an unpaired, connecting client", ErrNotConnected)
	}
	return cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

func mediaMessage(m *Media, caption string) *waProto.Message {
	up := m.Upload
	switch m.Kind {
	case KindImage:
		return &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case KindAudio:
		return &waProto.Message{AudioMessage: &waProto.AudioMessage{
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(true),
		}}
	default:
		return &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Title:         proto.String(m.FileName),
			FileName:      proto.String(m.FileName),
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

func mimetypeFor(kind MediaKind, fileName string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch {
	case kind == KindAudio && ext == ".ogg":
		return "audio/ogg; codecs=opus"
	case kind == KindAudio:
		return "audio/mpeg"
	case kind == KindImage:
		return http.DetectContentType(data)
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// ParseJID accepts a bare phone number (optionally with a leading +) or a
// full JID.
func ParseJID(arg string) (types.JID, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "+")
	if arg == "" {
		return types.EmptyJID, fmt.Errorf("empty JID string")
	}
	if !strings.ContainsRune(arg, '@') {
		return types.NewJID(arg, types.DefaultUserServer), nil
	}
	recipient, err := types.ParseJID(arg)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid JID %s: %w", arg, err)
	}
	if recipient.User == "" {
		return types.EmptyJID, fmt.Errorf("invalid JID %s: no user part", arg)
	}
	return recipient, nil
}

// normalizePhone strips a JID server and everything that is not a digit.
func normalizePhone(s string) string {
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
