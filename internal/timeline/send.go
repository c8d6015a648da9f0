package timeline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/zap"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// SendRequest is an outbound message. Attachments switch the request to multipart.
type SendRequest struct {
	ConversationID int64
	Content        string
	Attachments    []Attachment
}

// SendResult is the payload of send ack and send failure events.
type SendResult struct {
	LocalID string
	Message model.Message
	Err     error
}

const localPrefix = "local-"

// Send inserts an optimistic copy of the message under a local id, posts it
// and swaps the local copy for the server's. On failure the local copy stays
// in the timeline marked failed.
func (c *Cache) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	local := model.Message{
		ID:             localPrefix + uuid.NewString(),
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Type:           model.MessageText,
		Direction:      model.Outbound,
		Status:         model.StatusSending,
		Timestamp:      c.cfg.Now(),
	}
	if len(req.Attachments) > 0 {
		a := req.Attachments[0]
		local.Type = wire.AttachmentType("", a.MimeType)
		local.Media = &model.Media{Filename: a.Filename, Size: int64(len(a.Data)), MimeType: a.MimeType}
	}
	c.Append(local)

	sent, err := c.api.SendMessage(ctx, req)
	if err != nil {
		c.UpdateStatus(local.ID, model.StatusFailed)
		local.Status = model.StatusFailed
		c.bus.Emit(bus.MessageSendFail, SendResult{LocalID: local.ID, Message: local, Err: err})
		c.logger.Warn("send failed", zap.Int64("conversation_id", req.ConversationID), zap.Error(err))
		return local, fmt.Errorf("send message to %d: %w", req.ConversationID, err)
	}
	if sent.ConversationID == 0 {
		sent.ConversationID = req.ConversationID
	}
	sent = c.Reconcile(local.ID, sent)
	c.bus.Emit(bus.MessageSendAck, SendResult{LocalID: local.ID, Message: sent})
	return sent, nil
}

// Reconcile replaces the local copy of a sent message with the server's copy.
// The server copy may already be present if its push arrived first; then only
// the local copy is dropped and the status takes the furthest of both. The
// sink swaps the local copy out of the conversation summary either way.
func (c *Cache) Reconcile(localID string, sent model.Message) model.Message {
	c.mu.Lock()
	th := c.threadLocked(sent.ConversationID)
	if i := indexOf(th.msgs, localID); i >= 0 {
		th.msgs = slices.Delete(th.msgs, i, i+1)
	}
	inserted := false
	if i := indexOf(th.msgs, sent.ID); i >= 0 {
		sent.Status = th.msgs[i].Status.Advance(sent.Status)
		th.msgs[i] = sent
		slices.SortStableFunc(th.msgs, byTimestamp)
	} else {
		th.msgs = insertSorted(th.msgs, sent)
		inserted = true
	}
	c.mu.Unlock()

	if c.sink != nil && !c.sink.ReplaceMessage(localID, sent) && inserted {
		c.sink.ApplyMessage(sent)
	}
	return sent
}

// IsLocal reports whether id was assigned locally to a message not yet acknowledged.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
