package runner

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/store"
)

// SendText sends a plain text message. Requires online; the persisted
// message is returned with the network id already reconciled.
func (r *Runner) SendText(ctx context.Context, threadID, text string) (*store.Message, error) {
	sess, id, err := r.liveSession()
	if err != nil {
		return nil, err
	}

	cli := uuid.NewString()
	ack, err := sess.SendText(ctx, threadID, text)
	if err != nil {
		return nil, err
	}

	sm := store.Message{
		AccountID:   id,
		ThreadID:    threadID,
		MsgID:       ack.MsgID,
		CliMsgID:    cli,
		Direction:   store.DirectionOut,
		IsSelf:      true,
		ContentType: store.ContentText,
		Body:        text,
		Status:      store.StatusDelivered,
		Ts:          time.Now().UnixMilli(),
	}
	r.persistAndBroadcast(&sm)
	return &sm, nil
}

// SendAttachments sends local files. A placeholder message with status
// uploading is persisted and broadcast before the network call so the UI
// shows immediate feedback; object-storage hosting then runs
// asynchronously and patches the message to delivered. A hosting failure
// leaves the message in uploading status; the files were already
// transmitted over the network, so the send itself has succeeded.
func (r *Runner) SendAttachments(ctx context.Context, threadID string, paths []string) (*store.Message, error) {
	sess, id, err := r.liveSession()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no attachment paths given")
	}

	atts := make([]store.Attachment, 0, len(paths))
	contentType := store.ContentImage
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat attachment: %w", err)
		}
		m := mime.TypeByExtension(filepath.Ext(p))
		if m == "" {
			m = "application/octet-stream"
		}
		attType := "image"
		if !strings.HasPrefix(m, "image/") {
			contentType = store.ContentFile
			attType = "file"
		}
		atts = append(atts, store.Attachment{
			Name: filepath.Base(p),
			Mime: m,
			Size: info.Size(),
			Path: p,
			Type: attType,
		})
	}

	cli := uuid.NewString()
	sm := store.Message{
		AccountID:   id,
		ThreadID:    threadID,
		CliMsgID:    cli,
		Direction:   store.DirectionOut,
		IsSelf:      true,
		ContentType: contentType,
		Attachments: atts,
		Status:      store.StatusUploading,
		Ts:          time.Now().UnixMilli(),
	}
	// Optimistic write before the network call.
	r.persistAndBroadcast(&sm)

	var ackID string
	for _, att := range atts {
		data, err := os.ReadFile(att.Path)
		if err == nil {
			var ack chatnet.Ack
			ack, err = sess.SendAttachment(ctx, threadID, att.Name, att.Mime, data)
			if err == nil {
				ackID = ack.MsgID
			}
		}
		if err != nil {
			r.failPending(&sm)
			return nil, err
		}
	}

	// Reconcile the network id onto the optimistic row.
	if ackID != "" {
		sm.MsgID = ackID
		if err := r.db.UpsertMessage(&sm); err != nil {
			r.logger.Error("reconcile outbound message", zap.Error(err), zap.String("cli_msg_id", cli))
		}
		r.bufferPatch(threadID, "", cli, func(m *store.Message) { m.MsgID = ackID })
	}

	go r.hostOutgoing(sm)
	return &sm, nil
}

func (r *Runner) persistAndBroadcast(sm *store.Message) {
	if err := r.db.UpsertMessage(sm); err != nil {
		r.logger.Error("persist outbound message", zap.Error(err), zap.String("cli_msg_id", sm.CliMsgID))
	}
	if err := r.db.TouchThread(&store.Thread{
		AccountID:       sm.AccountID,
		ThreadID:        sm.ThreadID,
		LastMessageAt:   sm.Ts,
		LastMessageText: preview(sm),
		LastMessageType: sm.ContentType,
		LastMessageFrom: store.DirectionOut,
	}, 0); err != nil {
		r.logger.Error("update thread summary", zap.Error(err), zap.String("thread", sm.ThreadID))
	}
	r.bufferPush(*sm)

	room := bus.AccountRoom(sm.AccountID)
	r.bus.Publish(bus.Event{Room: room, Name: bus.EventMessage, Payload: MessagePayload{ID: sm.AccountID, Data: *sm}})
	r.bus.Publish(bus.Event{Room: room, Name: bus.EventThreadsUpdate, Payload: ThreadsUpdatePayload{AccountID: sm.AccountID, ThreadID: sm.ThreadID}})
}

func (r *Runner) failPending(sm *store.Message) {
	sm.Status = store.StatusFailed
	if err := r.db.PatchMessageUpload(sm.AccountID, sm.MsgID, sm.CliMsgID, sm.Attachments, store.StatusFailed); err != nil {
		r.logger.Error("mark message failed", zap.Error(err), zap.String("cli_msg_id", sm.CliMsgID))
	}
	r.bufferPatch(sm.ThreadID, sm.MsgID, sm.CliMsgID, func(m *store.Message) {
		m.Status = store.StatusFailed
	})
	r.bus.Publish(bus.Event{
		Room:    bus.AccountRoom(sm.AccountID),
		Name:    bus.EventMessageUpdate,
		Payload: MessageUpdatePayload{ID: sm.AccountID, ThreadID: sm.ThreadID, Data: *sm},
	})
}

// hostOutgoing uploads the sent files to object storage and patches the
// message to delivered. With no uploader configured the message is marked
// delivered as-is.
func (r *Runner) hostOutgoing(sm store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), hostTimeout)
	defer cancel()

	if r.uploader != nil {
		for i, att := range sm.Attachments {
			data, err := os.ReadFile(att.Path)
			if err != nil {
				r.logger.Error("read attachment for hosting", zap.Error(err), zap.String("path", att.Path))
				return
			}
			obj, err := r.uploader.Upload(ctx, att.Name, att.Mime, data)
			if err != nil {
				// Leaves the message in uploading status for a manual retry.
				r.logger.Error("host attachment", zap.Error(err), zap.String("cli_msg_id", sm.CliMsgID))
				return
			}
			sm.Attachments[i].DriveID = obj.ID
			sm.Attachments[i].ViewLink = obj.ViewLink
			sm.Attachments[i].DownloadLink = obj.DownloadLink
		}
	}

	sm.Status = store.StatusDelivered
	if err := r.db.PatchMessageUpload(sm.AccountID, sm.MsgID, sm.CliMsgID, sm.Attachments, store.StatusDelivered); err != nil {
		r.logger.Error("patch hosted attachments", zap.Error(err), zap.String("cli_msg_id", sm.CliMsgID))
		return
	}
	r.bufferPatch(sm.ThreadID, sm.MsgID, sm.CliMsgID, func(m *store.Message) {
		m.Status = store.StatusDelivered
		m.Attachments = sm.Attachments
	})
	r.bus.Publish(bus.Event{
		Room:    bus.AccountRoom(sm.AccountID),
		Name:    bus.EventMessageUpdate,
		Payload: MessageUpdatePayload{ID: sm.AccountID, ThreadID: sm.ThreadID, Data: sm},
	})
}
