package runner

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/store"
)

const hostTimeout = 2 * time.Minute

// consume is the listener loop: it drains the session's event channel
// until the session stops or the network drops it.
func (r *Runner) consume(sess chatnet.Session) {
	for evt := range sess.Events() {
		switch e := evt.(type) {
		case chatnet.MessageEvent:
			r.handleIncoming(sess, e.Message)
		case chatnet.DisconnectedEvent:
			r.handleDisconnect(sess, e.Reason)
			return
		}
	}
}

func (r *Runner) handleDisconnect(sess chatnet.Session, reason string) {
	r.mu.Lock()
	// A logout or a newer login may already have replaced the session.
	if r.session != sess {
		r.mu.Unlock()
		return
	}
	r.epoch++
	r.session = nil
	r.status = StatusOffline
	id := r.id
	r.mu.Unlock()

	sess.Stop()
	r.logger.Warn("session lost", zap.String("reason", reason))
	r.bus.Publish(bus.Event{
		Room:    bus.RoomAccounts,
		Name:    bus.EventOffline,
		Payload: OfflinePayload{ID: id, Reason: reason},
	})
}

// handleIncoming normalizes one wire message, persists it idempotently,
// updates the thread summary and buffers, and broadcasts. Attachment
// hosting runs asynchronously: the message is usable immediately via the
// network's transient URL, and durable object-storage links are patched in
// later.
func (r *Runner) handleIncoming(sess chatnet.Session, msg chatnet.IncomingMessage) {
	id := r.ID()

	direction := store.DirectionIn
	if msg.IsSelf {
		direction = store.DirectionOut
	}

	// Redelivered messages patch the stored row but must not inflate the
	// unread counter again.
	var seen *store.Message
	if msg.MsgID != "" {
		var err error
		seen, err = r.db.GetMessage(id, msg.MsgID, "")
		if err != nil {
			r.logger.Error("look up incoming message", zap.Error(err), zap.String("msg_id", msg.MsgID))
			return
		}
	}

	atts := make([]store.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, store.Attachment{
			Name: a.Name,
			Mime: a.Mime,
			Size: a.Size,
			URL:  a.URL,
			Path: a.Path,
			Type: attachmentType(msg.ContentType),
		})
	}

	// Attachments start as uploading and flip to delivered once the
	// durable copy lands in object storage. A redelivery of an
	// already-hosted message keeps its links instead of re-hosting.
	host := len(atts) > 0 && r.uploader != nil
	if host && seen != nil && len(seen.Attachments) > 0 && seen.Attachments[0].DriveID != "" {
		atts = seen.Attachments
		host = false
	}
	status := store.StatusDelivered
	if host {
		status = store.StatusUploading
	}

	sm := store.Message{
		AccountID:   id,
		ThreadID:    msg.ThreadID,
		MsgID:       msg.MsgID,
		Direction:   direction,
		IsSelf:      msg.IsSelf,
		ContentType: msg.ContentType,
		Body:        msg.Text,
		Attachments: atts,
		Status:      status,
		Ts:          msg.Ts,
	}
	if err := r.db.UpsertMessage(&sm); err != nil {
		r.logger.Error("persist incoming message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		return
	}

	unreadDelta := 0
	senderName := ""
	if direction == store.DirectionIn {
		if seen == nil {
			unreadDelta = 1
		}
		senderName = msg.SenderName
	}
	if err := r.db.TouchThread(&store.Thread{
		AccountID:       id,
		ThreadID:        msg.ThreadID,
		Name:            senderName,
		LastMessageAt:   msg.Ts,
		LastMessageText: preview(&sm),
		LastMessageType: msg.ContentType,
		LastMessageFrom: direction,
	}, unreadDelta); err != nil {
		r.logger.Error("update thread summary", zap.Error(err), zap.String("thread", msg.ThreadID))
	}

	r.bufferPush(sm)

	room := bus.AccountRoom(id)
	r.bus.Publish(bus.Event{Room: room, Name: bus.EventMessage, Payload: MessagePayload{ID: id, Data: sm}})
	r.bus.Publish(bus.Event{Room: room, Name: bus.EventThreadsUpdate, Payload: ThreadsUpdatePayload{AccountID: id, ThreadID: msg.ThreadID}})

	if host {
		go r.hostIncoming(sess, msg, sm)
	}
}

// hostIncoming re-uploads each inbound attachment from the network's
// transient location to object storage, then patches the stored message to
// delivered. Failures are logged and leave the message in uploading status
// with only the transient links.
func (r *Runner) hostIncoming(sess chatnet.Session, msg chatnet.IncomingMessage, sm store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), hostTimeout)
	defer cancel()

	for i, a := range msg.Attachments {
		data, err := sess.Fetch(ctx, a)
		if err != nil {
			r.logger.Error("fetch attachment", zap.Error(err), zap.String("msg_id", msg.MsgID))
			return
		}
		obj, err := r.uploader.Upload(ctx, a.Name, a.Mime, data)
		if err != nil {
			r.logger.Error("host attachment", zap.Error(err), zap.String("msg_id", msg.MsgID))
			return
		}
		sm.Attachments[i].DriveID = obj.ID
		sm.Attachments[i].ViewLink = obj.ViewLink
		sm.Attachments[i].DownloadLink = obj.DownloadLink
	}

	sm.Status = store.StatusDelivered

	id := r.ID()
	if err := r.db.PatchMessageUpload(id, sm.MsgID, sm.CliMsgID, sm.Attachments, sm.Status); err != nil {
		r.logger.Error("patch hosted attachments", zap.Error(err), zap.String("msg_id", msg.MsgID))
		return
	}
	r.bufferPatch(sm.ThreadID, sm.MsgID, sm.CliMsgID, func(m *store.Message) {
		m.Attachments = sm.Attachments
		m.Status = sm.Status
	})
	r.bus.Publish(bus.Event{
		Room:    bus.AccountRoom(id),
		Name:    bus.EventMessageUpdate,
		Payload: MessageUpdatePayload{ID: id, ThreadID: sm.ThreadID, Data: sm},
	})
}

func attachmentType(contentType string) string {
	if contentType == store.ContentImage || contentType == store.ContentSticker {
		return "image"
	}
	return "file"
}

// preview is the denormalized one-line summary shown in thread lists.
func preview(m *store.Message) string {
	if m.Body != "" {
		if len(m.Body) > 100 {
			// Back up to a rune start so the cut never splits a
			// multi-byte character.
			cut := 100
			for cut > 0 && !utf8.RuneStart(m.Body[cut]) {
				cut--
			}
			return m.Body[:cut]
		}
		return m.Body
	}
	switch m.ContentType {
	case store.ContentImage:
		return "[image]"
	case store.ContentSticker:
		return "[sticker]"
	case store.ContentFile:
		if len(m.Attachments) > 0 {
			return "[file] " + m.Attachments[0].Name
		}
		return "[file]"
	}
	return ""
}
