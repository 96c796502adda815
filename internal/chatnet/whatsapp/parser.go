package whatsapp

import (
	"errors"
	"strconv"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/assistant-support/chathub/internal/chatnet"
)

var errUnknownRef = errors.New("unknown attachment ref")

// parseMessage normalizes a whatsmeow message event. It returns the
// normalized message plus the downloadables behind each attachment ref so
// the session can serve Fetch later.
func parseMessage(evt *events.Message) (chatnet.IncomingMessage, map[string]whatsmeow.DownloadableMessage) {
	msg := chatnet.IncomingMessage{
		ThreadID:   evt.Info.Chat.String(),
		MsgID:      evt.Info.ID,
		IsSelf:     evt.Info.IsFromMe,
		SenderName: evt.Info.PushName,
		Text:       extractText(evt.Message),
		Ts:         evt.Info.Timestamp.UnixMilli(),
	}

	dls := make(map[string]whatsmeow.DownloadableMessage)
	addAttachment := func(att chatnet.Attachment, dl whatsmeow.DownloadableMessage) {
		att.Ref = msg.MsgID + ":" + strconv.Itoa(len(msg.Attachments))
		msg.Attachments = append(msg.Attachments, att)
		dls[att.Ref] = dl
	}

	raw := evt.Message
	switch {
	case raw.GetImageMessage() != nil:
		img := raw.GetImageMessage()
		msg.ContentType = chatnet.ContentImage
		if msg.Text == "" {
			msg.Text = img.GetCaption()
		}
		addAttachment(chatnet.Attachment{
			Name: msg.MsgID + extForMime(img.GetMimetype()),
			Mime: img.GetMimetype(),
			Size: int64(img.GetFileLength()),
			URL:  img.GetURL(),
		}, img)
	case raw.GetStickerMessage() != nil:
		st := raw.GetStickerMessage()
		msg.ContentType = chatnet.ContentSticker
		addAttachment(chatnet.Attachment{
			Name: msg.MsgID + extForMime(st.GetMimetype()),
			Mime: st.GetMimetype(),
			Size: int64(st.GetFileLength()),
			URL:  st.GetURL(),
		}, st)
	case raw.GetDocumentMessage() != nil:
		doc := raw.GetDocumentMessage()
		msg.ContentType = chatnet.ContentFile
		addAttachment(chatnet.Attachment{
			Name: doc.GetFileName(),
			Mime: doc.GetMimetype(),
			Size: int64(doc.GetFileLength()),
			URL:  doc.GetURL(),
		}, doc)
	case raw.GetVideoMessage() != nil:
		vid := raw.GetVideoMessage()
		msg.ContentType = chatnet.ContentFile
		if msg.Text == "" {
			msg.Text = vid.GetCaption()
		}
		addAttachment(chatnet.Attachment{
			Name: msg.MsgID + extForMime(vid.GetMimetype()),
			Mime: vid.GetMimetype(),
			Size: int64(vid.GetFileLength()),
			URL:  vid.GetURL(),
		}, vid)
	case raw.GetAudioMessage() != nil:
		aud := raw.GetAudioMessage()
		msg.ContentType = chatnet.ContentFile
		addAttachment(chatnet.Attachment{
			Name: msg.MsgID + extForMime(aud.GetMimetype()),
			Mime: aud.GetMimetype(),
			Size: int64(aud.GetFileLength()),
			URL:  aud.GetURL(),
		}, aud)
	default:
		msg.ContentType = chatnet.ContentText
	}

	return msg, dls
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg; codecs=opus":
		return ".ogg"
	default:
		return ".bin"
	}
}
