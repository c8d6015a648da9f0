package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MessageAPI is the REST collaborator for messages. Pages come newest first.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID int64, page, limit int) (model.Page[model.Message], error)
	SendMessage(ctx context.Context, req SendRequest) (model.Message, error)
}

// Sink receives every message newly added to a timeline so the conversation
// summary (last message, activity time, unread count) can follow. It is also
// told when a local message is swapped for the server's copy and when a
// status changes.
type Sink interface {
	ApplyMessage(msg model.Message) bool
	ReplaceMessage(localID string, msg model.Message) bool
	ApplyStatus(conversationID int64, messageID string, status model.MessageStatus) bool
}

// Freshness tracks when a conversation's messages were last fetched.
type Freshness struct {
	LastRefreshedAt time.Time
	Loaded          bool
}

// PageCursor tracks backward pagination for one conversation.
type PageCursor struct {
	Page         int
	HasMore      bool
	LoadingOlder bool
}

// StatusChange is the payload of message status events.
type StatusChange struct {
	ConversationID int64
	MessageID      string
	Status         model.MessageStatus
}

// Config tunes the cache.
type Config struct {
	PageSize int
	TTL      time.Duration
	Now      func() time.Time
}

type thread struct {
	msgs   []model.Message
	fresh  Freshness
	cursor PageCursor
	// reloads counts windows replaced by EnsureLoaded; an older page fetched
	// across a reload is dropped.
	reloads uint64
}

// Cache holds per-conversation message timelines. Each timeline has unique
// message ids and is sorted ascending by timestamp after every operation.
type Cache struct {
	api    MessageAPI
	sink   Sink
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	// mu guards the threads' contents; the thread store has its own lock.
	mu      sync.Mutex
	threads geche.Geche[int64, *thread]
	active  int64
	gen     uint64

	loads singleflight.Group
}

// New creates an empty cache. sink may be nil.
func New(api MessageAPI, sink Sink, cfg Config, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		api:     api,
		sink:    sink,
		cfg:     cfg,
		bus:     b,
		logger:  logger,
		threads: geche.NewMapCache[int64, *thread](),
	}
}

// SetActive records the conversation being viewed. Fetches issued before the
// switch drop their results.
func (c *Cache) SetActive(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == conversationID {
		return
	}
	c.active = conversationID
	c.gen++
}

// EnsureLoaded fetches the newest page unless the conversation was loaded
// within the TTL. The fetched page replaces the cached window; messages still
// being sent and messages newer than the page are kept.
func (c *Cache) EnsureLoaded(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	th := c.threadLocked(conversationID)
	if th.fresh.Loaded && c.cfg.Now().Sub(th.fresh.LastRefreshedAt) <= c.cfg.TTL {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.loads.Do(strconv.FormatInt(conversationID, 10), func() (any, error) {
		return c.api.ListMessages(ctx, conversationID, 1, c.cfg.PageSize)
	})
	if err != nil {
		return fmt.Errorf("list messages for %d: %w", conversationID, err)
	}
	page := v.(model.Page[model.Message])

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.logger.Debug("discarding stale message page", zap.Int64("conversation_id", conversationID))
		return nil
	}
	th = c.threadLocked(conversationID)
	th.msgs = replaceWindow(th.msgs, page.Items)
	th.fresh = Freshness{LastRefreshedAt: c.cfg.Now(), Loaded: true}
	th.reloads++
	th.cursor.Page = 1
	th.cursor.HasMore = page.HasMore
	c.bus.Emit(bus.MessagesLoaded, conversationID)
	return nil
}

// LoadOlder fetches the page after the cursor and merges it in. It is a no-op
// while another backward load runs or when the server has no more pages.
func (c *Cache) LoadOlder(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	th := c.threadLocked(conversationID)
	if !th.fresh.Loaded {
		c.mu.Unlock()
		return c.EnsureLoaded(ctx, conversationID)
	}
	if th.cursor.LoadingOlder || !th.cursor.HasMore {
		c.mu.Unlock()
		return nil
	}
	th.cursor.LoadingOlder = true
	next := th.cursor.Page + 1
	gen, reloads := c.gen, th.reloads
	c.mu.Unlock()

	page, err := c.api.ListMessages(ctx, conversationID, next, c.cfg.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	th.cursor.LoadingOlder = false
	if err != nil {
		return fmt.Errorf("list messages for %d page %d: %w", conversationID, next, err)
	}
	if gen != c.gen {
		c.logger.Debug("discarding stale older page", zap.Int64("conversation_id", conversationID), zap.Int("page", next))
		return nil
	}
	if reloads != th.reloads {
		c.logger.Debug("discarding older page fetched across a reload", zap.Int64("conversation_id", conversationID), zap.Int("page", next))
		return nil
	}
	th.msgs = merge(th.msgs, page.Items)
	th.cursor.Page = next
	th.cursor.HasMore = page.HasMore
	c.bus.Emit(bus.MessagesLoaded, conversationID)
	return nil
}

// Append adds a single message. A message id already in the timeline is
// ignored. Returns whether the message was added.
func (c *Cache) Append(msg model.Message) bool {
	if msg.ID == "" || msg.ConversationID == 0 {
		return false
	}
	c.mu.Lock()
	th := c.threadLocked(msg.ConversationID)
	if indexOf(th.msgs, msg.ID) >= 0 {
		c.mu.Unlock()
		return false
	}
	th.msgs = insertSorted(th.msgs, msg)
	c.mu.Unlock()

	c.bus.Emit(bus.MessageAppended, msg)
	if c.sink != nil {
		c.sink.ApplyMessage(msg)
	}
	return true
}

// UpdateStatus moves a message forward to status wherever it is cached.
// Unknown ids and backward moves are ignored.
func (c *Cache) UpdateStatus(messageID string, status model.MessageStatus) bool {
	c.mu.Lock()
	change, ok := c.updateStatusLocked(messageID, status)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.bus.Emit(bus.MessageStatus, change)
	if c.sink != nil {
		c.sink.ApplyStatus(change.ConversationID, change.MessageID, change.Status)
	}
	return true
}

func (c *Cache) updateStatusLocked(messageID string, status model.MessageStatus) (StatusChange, bool) {
	for id, th := range c.threads.Snapshot() {
		i := indexOf(th.msgs, messageID)
		if i < 0 {
			continue
		}
		cur := th.msgs[i].Status
		next := cur.Advance(status)
		if next == cur {
			return StatusChange{}, false
		}
		th.msgs[i].Status = next
		return StatusChange{ConversationID: id, MessageID: messageID, Status: next}, true
	}
	return StatusChange{}, false
}

// Messages returns a copy of a conversation's timeline.
func (c *Cache) Messages(conversationID int64) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, err := c.threads.Get(conversationID)
	if err != nil {
		return nil
	}
	return slices.Clone(th.msgs)
}

// Freshness returns the freshness marker of a conversation.
func (c *Cache) Freshness(conversationID int64) Freshness {
	c.mu.Lock()
	defer c.mu.Unlock()
	if th, err := c.threads.Get(conversationID); err == nil {
		return th.fresh
	}
	return Freshness{}
}

// Cursor returns the backward pagination cursor of a conversation.
func (c *Cache) Cursor(conversationID int64) PageCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if th, err := c.threads.Get(conversationID); err == nil {
		return th.cursor
	}
	return PageCursor{}
}

var errUnknownMessage = errors.New("message not cached")

// Message looks up one message by id in a conversation.
func (c *Cache) Message(conversationID int64, messageID string) (model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if th, err := c.threads.Get(conversationID); err == nil {
		if i := indexOf(th.msgs, messageID); i >= 0 {
			return th.msgs[i], nil
		}
	}
	return model.Message{}, errUnknownMessage
}

func (c *Cache) threadLocked(conversationID int64) *thread {
	th, err := c.threads.Get(conversationID)
	if err != nil {
		th = &thread{}
		c.threads.Set(conversationID, th)
	}
	return th
}

func indexOf(msgs []model.Message, id string) int {
	return slices.IndexFunc(msgs, func(m model.Message) bool { return m.ID == id })
}

func byTimestamp(a, b model.Message) int {
	return a.Timestamp.Compare(b.Timestamp)
}

// insertSorted places msg after every message with an equal or earlier timestamp.
func insertSorted(msgs []model.Message, msg model.Message) []model.Message {
	i := len(msgs)
	for i > 0 && msgs[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	return slices.Insert(msgs, i, msg)
}

// merge is a dedup-by-id union followed by a stable ascending sort. For an id
// present on both sides the incoming copy wins, except that status never moves back.
func merge(existing, incoming []model.Message) []model.Message {
	out := slices.Clone(existing)
	pos := make(map[string]int, len(out))
	for i, m := range out {
		pos[m.ID] = i
	}
	for _, m := range incoming {
		if i, ok := pos[m.ID]; ok {
			m.Status = out[i].Status.Advance(m.Status)
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortStableFunc(out, byTimestamp)
	return out
}

// replaceWindow swaps the cached messages for a fresh newest page, keeping
// local pending sends and anything at or after the page's oldest timestamp
// that the page does not carry yet.
func replaceWindow(existing, page []model.Message) []model.Message {
	var keep []model.Message
	if len(page) == 0 {
		keep = existing
	} else {
		oldest := page[0].Timestamp
		for _, m := range page[1:] {
			if m.Timestamp.Before(oldest) {
				oldest = m.Timestamp
			}
		}
		for _, m := range existing {
			if m.Status == model.StatusSending || m.Status == model.StatusFailed || !m.Timestamp.Before(oldest) {
				keep = append(keep, m)
			}
		}
	}
	return merge(keep, page)
}
