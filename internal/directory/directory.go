package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/zap"
)

// API is the REST collaborator for conversations.
type API interface {
	ListConversations(ctx context.Context, q Query) (model.Page[model.Conversation], error)
	GetConversation(ctx context.Context, id int64) (model.Conversation, error)
	MarkRead(ctx context.Context, id int64) error
	MarkUnread(ctx context.Context, id int64) error
	Assign(ctx context.Context, id int64) (model.Conversation, error)
	Unassign(ctx context.Context, id int64) (model.Conversation, error)
}

// ReadChannel is the realtime path for read receipts.
type ReadChannel interface {
	Connected() bool
	MarkConversationRead(ctx context.Context, conversationID int64) error
}

var errChannelDown = errors.New("realtime channel not connected")

// Config tunes the directory.
type Config struct {
	PageSize     int
	PollInterval time.Duration
	Viewer       wire.Viewer
}

// Directory owns the ordered conversation list. Every source (REST pages,
// realtime pushes, optimistic edits, polling) merges through its methods.
type Directory struct {
	api    API
	rt     ReadChannel
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	view     View
	items    []model.Conversation
	activeID int64
	page     int
	hasMore  bool
	inFlight int
	gen      uint64
	// resets counts page-1 responses applied; a later page issued before the
	// latest reset no longer extends the list it was requested for.
	resets uint64

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates an empty directory on the default view.
func New(api API, rt ReadChannel, cfg Config, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	return &Directory{
		api:    api,
		rt:     rt,
		cfg:    cfg,
		bus:    b,
		logger: logger,
		view:   DefaultView(),
	}
}

// Load fetches one page for view. Page 1 replaces the list; later pages append.
// A view different from the current one is adopted first, clearing the list.
// Responses that arrive after the view changed are discarded.
func (d *Directory) Load(ctx context.Context, view View, page int) (model.Page[model.Conversation], error) {
	if page < 1 {
		page = 1
	}
	d.mu.Lock()
	if !d.view.Equal(view) {
		d.resetLocked(view)
	}
	q := d.view.query(page, d.cfg.PageSize)
	gen, resets := d.gen, d.resets
	d.inFlight++
	d.mu.Unlock()

	return d.fetch(ctx, q, gen, resets)
}

// Reload fetches page 1 of the current view.
func (d *Directory) Reload(ctx context.Context) error {
	_, err := d.Load(ctx, d.View(), 1)
	return err
}

// LoadMore fetches the next page when the last one reported more and nothing is loading.
func (d *Directory) LoadMore(ctx context.Context) error {
	d.mu.Lock()
	if !d.hasMore || d.inFlight > 0 {
		d.mu.Unlock()
		return nil
	}
	q := d.view.query(d.page+1, d.cfg.PageSize)
	gen, resets := d.gen, d.resets
	d.inFlight++
	d.mu.Unlock()

	_, err := d.fetch(ctx, q, gen, resets)
	return err
}

func (d *Directory) fetch(ctx context.Context, q Query, gen, resets uint64) (model.Page[model.Conversation], error) {
	res, err := d.api.ListConversations(ctx, q)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--
	if err != nil {
		return res, fmt.Errorf("list conversations: %w", err)
	}
	if gen != d.gen {
		d.logger.Debug("discarding conversation page for stale view", zap.Int("page", q.Page))
		return res, nil
	}
	if q.Page > 1 && (resets != d.resets || q.Page != d.page+1) {
		d.logger.Debug("discarding conversation page overtaken by a reload", zap.Int("page", q.Page), zap.Int("current_page", d.page))
		return res, nil
	}
	if q.Page <= 1 {
		d.resets++
	}
	d.mergePageLocked(q.Page, res.Items)
	d.page = q.Page
	d.hasMore = res.HasMore
	d.bus.Emit(bus.ConversationsReloaded, q.Page)
	return res, nil
}

// mergePageLocked merges a server page. For an entry already held locally the
// more recently updated copy wins, so a page fetched before a realtime push
// cannot roll that push back.
func (d *Directory) mergePageLocked(page int, incoming []model.Conversation) {
	local := make(map[int64]model.Conversation, len(d.items))
	for _, c := range d.items {
		local[c.ID] = c
	}
	pick := func(srv model.Conversation) model.Conversation {
		cur, ok := local[srv.ID]
		if !ok {
			return srv
		}
		if cur.UpdatedAt.After(srv.UpdatedAt) {
			return cur
		}
		srv.IsTyping = cur.IsTyping
		return srv
	}

	if page <= 1 {
		items := make([]model.Conversation, 0, len(incoming))
		seen := make(map[int64]struct{}, len(incoming))
		for _, srv := range incoming {
			if _, dup := seen[srv.ID]; dup {
				continue
			}
			seen[srv.ID] = struct{}{}
			items = append(items, pick(srv))
		}
		d.items = items
	} else {
		for _, srv := range incoming {
			if i := d.indexLocked(srv.ID); i >= 0 {
				d.items[i] = pick(srv)
				continue
			}
			d.items = append(d.items, srv)
		}
	}
	d.sortLocked()
}

// SetFilters, SetSort, SetSearch and SetTab change the view: the list and the
// active conversation are cleared and page 1 is fetched again.
func (d *Directory) SetFilters(ctx context.Context, f Filters) error {
	v := d.View()
	v.Filters = f
	return d.switchView(ctx, v)
}

func (d *Directory) SetSort(ctx context.Context, s Sort) error {
	v := d.View()
	v.Sort = s
	return d.switchView(ctx, v)
}

func (d *Directory) SetSearch(ctx context.Context, search string) error {
	v := d.View()
	v.Filters.Search = search
	return d.switchView(ctx, v)
}

func (d *Directory) SetTab(ctx context.Context, tab Tab) error {
	v := d.View()
	v.Tab = tab
	return d.switchView(ctx, v)
}

func (d *Directory) switchView(ctx context.Context, v View) error {
	d.mu.Lock()
	d.resetLocked(v)
	d.mu.Unlock()
	_, err := d.Load(ctx, v, 1)
	return err
}

func (d *Directory) resetLocked(v View) {
	d.view = v
	d.items = nil
	d.activeID = 0
	d.page = 1
	d.hasMore = false
	d.gen++
	d.bus.Emit(bus.ConversationsReloaded, 0)
}

// ApplyRealtimeNewConversation admits a pushed conversation through the gate and
// inserts it at the head. Duplicate pushes are ignored.
func (d *Directory) ApplyRealtimeNewConversation(w wire.PushConversation, m *wire.PushMessage) bool {
	c, err := wire.NormalizeConversation(w)
	if err != nil {
		d.logger.Warn("skipping pushed conversation", zap.Error(err))
		return false
	}
	if !wire.Admit(c, d.cfg.Viewer) {
		d.logger.Debug("pushed conversation not admitted", zap.Int64("conversation_id", c.ID), zap.String("contact_type", string(c.Contact.ContactType)))
		return false
	}
	if m != nil {
		msg, err := wire.NormalizeMessage(*m)
		if err == nil {
			if msg.ConversationID == 0 {
				msg.ConversationID = c.ID
			}
			c.LastMessage = &msg
			if msg.Timestamp.After(c.UpdatedAt) {
				c.UpdatedAt = msg.Timestamp
			}
		}
	}
	return d.Insert(c)
}

// Insert adds a conversation at the head and re-sorts. No-op if the id is present.
func (d *Directory) Insert(c model.Conversation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexLocked(c.ID) >= 0 {
		return false
	}
	d.items = slices.Insert(d.items, 0, c)
	d.sortLocked()
	d.bus.Emit(bus.ConversationAdded, c.ID)
	return true
}

// ApplyRealtimeUpdate replaces the entry with the same id and re-sorts.
func (d *Directory) ApplyRealtimeUpdate(c model.Conversation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(c.ID)
	if i < 0 {
		return false
	}
	if !c.IsTyping {
		c.IsTyping = d.items[i].IsTyping
	}
	d.items[i] = c
	d.sortLocked()
	d.bus.Emit(bus.ConversationUpdated, c.ID)
	return true
}

// ApplyReadState applies a read broadcast. Returns false when nothing changed.
func (d *Directory) ApplyReadState(id int64, unread int) bool {
	if unread < 0 {
		unread = 0
	}
	_, changed := d.setUnread(id, unread)
	return changed
}

// SetTyping toggles the transient typing flag.
func (d *Directory) SetTyping(id int64, typing bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 || d.items[i].IsTyping == typing {
		return false
	}
	d.items[i].IsTyping = typing
	d.bus.Emit(bus.ConversationUpdated, id)
	return true
}

// ApplyMessage derives last message, activity time and unread count from a
// message newly added to a timeline. Returns false if the conversation is unknown.
func (d *Directory) ApplyMessage(msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := &d.items[i]
	if c.LastMessage == nil || !msg.Timestamp.Before(c.LastMessage.Timestamp) {
		m := msg
		c.LastMessage = &m
	}
	if msg.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msg.Timestamp
	}
	if msg.Direction == model.Inbound {
		c.UnreadCount++
		if msg.Timestamp.After(c.LastContactMessageAt) {
			c.LastContactMessageAt = msg.Timestamp
		}
	}
	d.sortLocked()
	d.bus.Emit(bus.ConversationUpdated, msg.ConversationID)
	return true
}

// ReplaceMessage swaps a locally assigned last message for the server's copy,
// whatever their timestamps. Returns false when the conversation's last
// message is not localID.
func (d *Directory) ReplaceMessage(localID string, msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := &d.items[i]
	if c.LastMessage == nil || c.LastMessage.ID != localID {
		return false
	}
	m := msg
	c.LastMessage = &m
	if msg.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msg.Timestamp
	}
	d.sortLocked()
	d.bus.Emit(bus.ConversationUpdated, msg.ConversationID)
	return true
}

// ApplyStatus moves the status of a conversation's last message forward when
// messageID is that message.
func (d *Directory) ApplyStatus(conversationID int64, messageID string, status model.MessageStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	c := &d.items[i]
	if c.LastMessage == nil || c.LastMessage.ID != messageID {
		return false
	}
	next := c.LastMessage.Status.Advance(status)
	if next == c.LastMessage.Status {
		return false
	}
	m := *c.LastMessage
	m.Status = next
	c.LastMessage = &m
	d.bus.Emit(bus.ConversationUpdated, conversationID)
	return true
}

// Fetch loads a single conversation the directory does not hold yet, typically
// because a message arrived for it. The gate applies since the trigger was a push.
func (d *Directory) Fetch(ctx context.Context, id int64) (model.Conversation, bool, error) {
	c, err := d.api.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("get conversation %d: %w", id, err)
	}
	if !wire.Admit(c, d.cfg.Viewer) {
		return c, false, nil
	}
	return c, d.Insert(c), nil
}

// MarkRead zeroes the unread count before any network call, then tells the
// server over the realtime channel, falling back to REST.
func (d *Directory) MarkRead(ctx context.Context, id int64) error {
	prev, _ := d.setUnread(id, 0)

	var rtErr error
	if d.rt != nil && d.rt.Connected() {
		if rtErr = d.rt.MarkConversationRead(ctx, id); rtErr == nil {
			return nil
		}
		d.logger.Warn("realtime mark read failed, falling back to REST", zap.Int64("conversation_id", id), zap.Error(rtErr))
	} else {
		rtErr = errChannelDown
	}

	d.setUnread(id, 0)
	if err := d.api.MarkRead(ctx, id); err != nil {
		d.rollbackUnread(id, 0, prev)
		return errors.Join(rtErr, fmt.Errorf("mark read %d: %w", id, err))
	}
	return nil
}

// MarkUnread bumps the unread count before the REST call.
func (d *Directory) MarkUnread(ctx context.Context, id int64) error {
	d.mu.Lock()
	prev := 0
	if i := d.indexLocked(id); i >= 0 {
		prev = d.items[i].UnreadCount
	}
	d.mu.Unlock()
	target := max(1, prev+1)

	d.setUnread(id, target)
	if err := d.api.MarkUnread(ctx, id); err != nil {
		d.rollbackUnread(id, target, prev)
		return fmt.Errorf("mark unread %d: %w", id, err)
	}
	return nil
}

// AssignToMe assigns the conversation to the viewer. The server's copy is authoritative.
func (d *Directory) AssignToMe(ctx context.Context, id int64) (model.Conversation, error) {
	c, err := d.api.Assign(ctx, id)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("assign %d: %w", id, err)
	}
	d.ApplyRealtimeUpdate(c)
	return c, nil
}

// Unassign releases the conversation back to the queue.
func (d *Directory) Unassign(ctx context.Context, id int64) (model.Conversation, error) {
	c, err := d.api.Unassign(ctx, id)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("unassign %d: %w", id, err)
	}
	d.ApplyRealtimeUpdate(c)
	return c, nil
}

func (d *Directory) setUnread(id int64, n int) (prev int, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return 0, false
	}
	prev = d.items[i].UnreadCount
	if prev == n {
		return prev, false
	}
	d.items[i].UnreadCount = n
	d.bus.Emit(bus.ConversationUpdated, id)
	return prev, true
}

// rollbackUnread restores prev unless another source already moved the count.
func (d *Directory) rollbackUnread(id int64, optimistic, prev int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 || d.items[i].UnreadCount != optimistic {
		return
	}
	d.items[i].UnreadCount = prev
	d.bus.Emit(bus.ConversationUpdated, id)
}

// SetActive marks the conversation the user is viewing. Zero clears it.
func (d *Directory) SetActive(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeID == id {
		return
	}
	d.activeID = id
	d.bus.Emit(bus.ConversationActive, id)
}

// Active returns the conversation being viewed.
func (d *Directory) Active() (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeID == 0 {
		return model.Conversation{}, false
	}
	i := d.indexLocked(d.activeID)
	if i < 0 {
		return model.Conversation{}, false
	}
	return d.items[i], true
}

// ActiveID returns the id of the conversation being viewed, or zero.
func (d *Directory) ActiveID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

// Conversations returns a copy of the ordered list.
func (d *Directory) Conversations() []model.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.items)
}

// Get returns one conversation by id.
func (d *Directory) Get(id int64) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	return d.items[i], true
}

// View returns the current view.
func (d *Directory) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.view
	v.Filters.TagIDs = slices.Clone(v.Filters.TagIDs)
	return v
}

// HasMore reports whether the server indicated another page.
func (d *Directory) HasMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasMore
}

func (d *Directory) indexLocked(id int64) int {
	return slices.IndexFunc(d.items, func(c model.Conversation) bool { return c.ID == id })
}

func (d *Directory) sortLocked() {
	s := d.view.Sort
	slices.SortStableFunc(d.items, s.compare)
}
