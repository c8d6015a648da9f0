package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/draft"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"go.uber.org/zap"
)

// Realtime is the part of the connection manager the engine consumes.
type Realtime interface {
	On(event string, h realtime.Handler) realtime.HandlerID
	Off(event string, id realtime.HandlerID)
	JoinRoom(conversationID int64) error
	LeaveRoom(conversationID int64) error
}

// Engine routes realtime events through the normalization gate into the
// directory and the timeline cache, and runs the user-facing flows that span
// both (opening a conversation, sending).
type Engine struct {
	rt     Realtime
	dir    *directory.Directory
	cache  *timeline.Cache
	drafts *draft.Writer
	logger *zap.Logger

	mu       stdsync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	handlers map[string]realtime.HandlerID
	active   int64
	wg       stdsync.WaitGroup
}

// NewEngine wires the engine. drafts may be nil.
func NewEngine(rt Realtime, dir *directory.Directory, cache *timeline.Cache, drafts *draft.Writer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rt:       rt,
		dir:      dir,
		cache:    cache,
		drafts:   drafts,
		logger:   logger,
		handlers: make(map[string]realtime.HandlerID),
	}
}

// Start registers realtime handlers and starts the directory's polling backstop.
// It is a no-op while the engine is already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.ctx != nil && e.ctx.Err() == nil {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.Attach()
	e.dir.StartPolling(runCtx)
}

// Stop detaches handlers, stops polling, waits for background fetches and
// flushes pending drafts.
func (e *Engine) Stop() {
	e.detach()
	e.dir.StopPolling()
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	if e.drafts != nil {
		if err := e.drafts.Flush(); err != nil {
			e.logger.Warn("flush drafts", zap.Error(err))
		}
	}
}

// Attach (re)registers every realtime handler. The connection manager drops
// all handlers on Disconnect, so this runs again before each new session.
func (e *Engine) Attach() {
	e.detach()
	routes := map[string]realtime.Handler{
		realtime.EventMessageNew:         e.onMessageNew,
		realtime.EventWhatsAppMessage:    e.onProviderMessage,
		realtime.EventMessageRead:        e.onMessageStatus,
		realtime.EventConversationNew:    e.onConversationNew,
		realtime.EventConversationAssign: e.onConversationChanged,
		realtime.EventConversationStatus: e.onConversationChanged,
		realtime.EventConversationRead:   e.onConversationRead,
		realtime.EventConversationTyping: e.onTyping,
		realtime.EventReconnect:          e.onReconnect,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for event, h := range routes {
		e.handlers[event] = e.rt.On(event, h)
	}
}

func (e *Engine) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for event, id := range e.handlers {
		e.rt.Off(event, id)
	}
	clear(e.handlers)
}

// OpenConversation makes id the active conversation: it moves the room
// subscription, loads the timeline if stale and marks the conversation read.
func (e *Engine) OpenConversation(ctx context.Context, id int64) error {
	e.mu.Lock()
	prev := e.active
	e.active = id
	e.mu.Unlock()

	if prev != 0 && prev != id {
		if err := e.rt.LeaveRoom(prev); err != nil {
			e.logger.Debug("leave room", zap.Int64("conversation_id", prev), zap.Error(err))
		}
	}
	e.dir.SetActive(id)
	e.cache.SetActive(id)
	if err := e.rt.JoinRoom(id); err != nil {
		e.logger.Debug("join room", zap.Int64("conversation_id", id), zap.Error(err))
	}

	if err := e.cache.EnsureLoaded(ctx, id); err != nil {
		return err
	}
	if c, ok := e.dir.Get(id); ok && c.UnreadCount > 0 {
		if err := e.dir.MarkRead(ctx, id); err != nil {
			e.logger.Warn("mark read on open", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	prev := e.active
	e.active = 0
	e.mu.Unlock()
	if prev != 0 {
		_ = e.rt.LeaveRoom(prev)
	}
	e.dir.SetActive(0)
	e.cache.SetActive(0)
}

// SetView switches the directory to v. Changing the view clears the
// directory's active conversation, so the open conversation is closed first.
func (e *Engine) SetView(ctx context.Context, v directory.View) error {
	if !e.dir.View().Equal(v) {
		e.CloseConversation()
	}
	_, err := e.dir.Load(ctx, v, 1)
	return err
}

// Active returns the id of the open conversation, or zero.
func (e *Engine) Active() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// LoadOlder pages backward in the open conversation.
func (e *Engine) LoadOlder(ctx context.Context) error {
	id := e.Active()
	if id == 0 {
		return ErrNoActive
	}
	return e.cache.LoadOlder(ctx, id)
}

// ErrNoActive is returned by operations that need an open conversation.
var ErrNoActive = errors.New("no conversation open")

// Send posts a message and clears the conversation's draft once the server accepted it.
func (e *Engine) Send(ctx context.Context, req timeline.SendRequest) (model.Message, error) {
	if req.ConversationID == 0 {
		return model.Message{}, fmt.Errorf("send: conversation id required")
	}
	m, err := e.cache.Send(ctx, req)
	if err != nil {
		return m, err
	}
	if e.drafts != nil {
		if err := e.drafts.Clear(req.ConversationID); err != nil {
			e.logger.Warn("clear draft after send", zap.Int64("conversation_id", req.ConversationID), zap.Error(err))
		}
	}
	return m, nil
}

// Ingest applies one inbound or outbound message from any source. A message
// for a conversation the directory does not hold triggers a fetch of that
// conversation; a message landing in the open conversation marks it read.
func (e *Engine) Ingest(msg model.Message) {
	_, known := e.dir.Get(msg.ConversationID)
	if !e.cache.Append(msg) {
		return
	}
	switch {
	case !known:
		e.background(func(ctx context.Context) {
			if _, _, err := e.dir.Fetch(ctx, msg.ConversationID); err != nil {
				e.logger.Warn("fetch unknown conversation", zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
			}
		})
	case msg.Direction == model.Inbound && msg.ConversationID == e.Active():
		e.background(func(ctx context.Context) {
			if err := e.dir.MarkRead(ctx, msg.ConversationID); err != nil {
				e.logger.Warn("mark read", zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
			}
		})
	}
}

// background runs fn off the realtime read loop. It is dropped once the engine stopped.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx := e.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	e.wg.Go(func() { fn(ctx) })
}
