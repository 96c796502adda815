package whatsapp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/assistant-support/chathub/internal/chatnet"
)

// session adapts a connected whatsmeow client to chatnet.Session. Raw
// events are normalized in the whatsmeow handler goroutine and pushed onto
// the events channel; the owning runner consumes them.
type session struct {
	wc        *whatsmeow.Client
	logger    *zap.Logger
	events    chan chatnet.Event
	handlerID uint32
	done      chan struct{}
	stopOnce  sync.Once

	mu   sync.Mutex
	refs map[string]whatsmeow.DownloadableMessage
}

func newSession(wc *whatsmeow.Client, logger *zap.Logger) *session {
	s := &session{
		wc:     wc,
		logger: logger,
		events: make(chan chatnet.Event, 256),
		done:   make(chan struct{}),
		refs:   make(map[string]whatsmeow.DownloadableMessage),
	}
	s.handlerID = wc.AddEventHandler(s.handle)
	return s
}

func (s *session) handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		msg, dls := parseMessage(evt)
		if msg.MsgID == "" {
			return
		}
		s.mu.Lock()
		for ref, dl := range dls {
			s.refs[ref] = dl
		}
		s.mu.Unlock()
		s.push(chatnet.MessageEvent{Message: msg})
	case *events.LoggedOut:
		s.logger.Warn("logged out by network", zap.String("reason", evt.Reason.String()))
		s.push(chatnet.DisconnectedEvent{Reason: evt.Reason.String()})
	case *events.StreamReplaced:
		s.logger.Warn("stream replaced by another connection")
		s.push(chatnet.DisconnectedEvent{Reason: "stream replaced"})
	case *events.Disconnected:
		// Transient; whatsmeow reconnects on its own.
		s.logger.Info("transient disconnect")
	}
}

func (s *session) push(evt chatnet.Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *session) Profile() chatnet.Profile {
	p := chatnet.Profile{DisplayName: s.wc.Store.PushName}
	if id := s.wc.Store.ID; id != nil {
		p.ExternalUserID = id.String()
		p.PhoneNumber = id.User
	}
	return p
}

func (s *session) Credential() string {
	if s.wc.Store.ID == nil {
		return ""
	}
	blob, _ := json.Marshal(credential{JID: s.wc.Store.ID.String()})
	return string(blob)
}

func (s *session) SendText(ctx context.Context, threadID, text string) (chatnet.Ack, error) {
	to, err := types.ParseJID(threadID)
	if err != nil {
		return chatnet.Ack{}, &chatnet.NetworkError{Op: "parse thread id", Err: err}
	}
	resp, err := s.wc.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return chatnet.Ack{}, &chatnet.NetworkError{Op: "send text", Err: err}
	}
	return chatnet.Ack{MsgID: resp.ID}, nil
}

func (s *session) SendAttachment(ctx context.Context, threadID, name, mime string, data []byte) (chatnet.Ack, error) {
	to, err := types.ParseJID(threadID)
	if err != nil {
		return chatnet.Ack{}, &chatnet.NetworkError{Op: "parse thread id", Err: err}
	}

	mediaType := whatsmeow.MediaDocument
	if strings.HasPrefix(mime, "image/") {
		mediaType = whatsmeow.MediaImage
	}
	up, err := s.wc.Upload(ctx, data, mediaType)
	if err != nil {
		return chatnet.Ack{}, &chatnet.NetworkError{Op: "upload media", Err: err}
	}

	var msg *waE2E.Message
	if mediaType == whatsmeow.MediaImage {
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	} else {
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	}

	resp, err := s.wc.SendMessage(ctx, to, msg)
	if err != nil {
		return chatnet.Ack{}, &chatnet.NetworkError{Op: "send attachment", Err: err}
	}
	return chatnet.Ack{MsgID: resp.ID}, nil
}

func (s *session) Fetch(ctx context.Context, att chatnet.Attachment) ([]byte, error) {
	s.mu.Lock()
	dl, ok := s.refs[att.Ref]
	s.mu.Unlock()
	if !ok {
		return nil, &chatnet.NetworkError{Op: "fetch attachment", Err: errUnknownRef}
	}
	data, err := s.wc.Download(ctx, dl)
	if err != nil {
		return nil, &chatnet.NetworkError{Op: "fetch attachment", Err: err}
	}
	return data, nil
}

func (s *session) Events() <-chan chatnet.Event {
	return s.events
}

func (s *session) Stop() {
	s.stopOnce.Do(func() {
		s.wc.RemoveEventHandler(s.handlerID)
		close(s.done)
		s.wc.Disconnect()
		close(s.events)
	})
}
