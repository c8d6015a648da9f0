package sync

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/zap"
)

func (e *Engine) onMessageNew(data json.RawMessage) {
	var env struct {
		Message *wire.PushMessage `json:"message"`
	}
	var w wire.PushMessage
	if err := json.Unmarshal(data, &env); err == nil && env.Message != nil {
		w = *env.Message
	} else if err := json.Unmarshal(data, &w); err != nil {
		e.logger.Warn("undecodable message:new", zap.Error(err))
		return
	}
	e.ingestShape(w)
}

func (e *Engine) onProviderMessage(data json.RawMessage) {
	var w wire.ProviderEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		e.logger.Warn("undecodable whatsapp:message", zap.Error(err))
		return
	}
	e.ingestShape(w)
}

func (e *Engine) ingestShape(w wire.MessageShape) {
	msg, err := wire.NormalizeMessage(w)
	if err != nil {
		e.logger.Warn("skipping pushed message", zap.Error(err))
		return
	}
	if msg.ConversationID == 0 {
		e.logger.Warn("skipping pushed message without conversation", zap.String("message_id", msg.ID))
		return
	}
	e.Ingest(msg)
}

func (e *Engine) onMessageStatus(data json.RawMessage) {
	var u wire.StatusUpdate
	if err := json.Unmarshal(data, &u); err != nil || u.MessageID == "" {
		e.logger.Warn("undecodable message:read", zap.Error(err))
		return
	}
	status := model.StatusRead
	if u.Status != "" {
		status = wire.MapStatus(u.Status, model.Outbound)
	}
	e.cache.UpdateStatus(u.MessageID.String(), status)
}

func (e *Engine) onConversationNew(data json.RawMessage) {
	var env wire.NewConversationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.logger.Warn("undecodable conversation:new", zap.Error(err))
		return
	}
	e.dir.ApplyRealtimeNewConversation(env.Conversation, env.Message)
}

// onConversationChanged handles assignment and status pushes, which carry the
// full conversation either bare or under a "conversation" key.
func (e *Engine) onConversationChanged(data json.RawMessage) {
	var env struct {
		Conversation *wire.PushConversation `json:"conversation"`
	}
	var w wire.PushConversation
	if err := json.Unmarshal(data, &env); err == nil && env.Conversation != nil {
		w = *env.Conversation
	} else if err := json.Unmarshal(data, &w); err != nil {
		e.logger.Warn("undecodable conversation update", zap.Error(err))
		return
	}
	c, err := wire.NormalizeConversation(w)
	if err != nil {
		e.logger.Warn("skipping conversation update", zap.Error(err))
		return
	}
	e.dir.ApplyRealtimeUpdate(c)
}

func (e *Engine) onConversationRead(data json.RawMessage) {
	var r wire.ReadBroadcast
	if err := json.Unmarshal(data, &r); err != nil {
		e.logger.Warn("undecodable conversation:read", zap.Error(err))
		return
	}
	id, ok := r.ConversationID.Int64()
	if !ok {
		return
	}
	n, _ := r.UnreadCount.Int64()
	e.dir.ApplyReadState(id, int(n))
}

func (e *Engine) onTyping(data json.RawMessage) {
	var t wire.TypingEvent
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}
	if id, ok := t.ConversationID.Int64(); ok {
		e.dir.SetTyping(id, t.IsTyping)
	}
}

// onReconnect catches up on whatever was pushed while the channel was down.
func (e *Engine) onReconnect(json.RawMessage) {
	e.background(func(ctx context.Context) {
		if err := e.dir.Reload(ctx); err != nil {
			e.logger.Warn("reload after reconnect", zap.Error(err))
		}
	})
}
