package draft

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/store"
	"go.uber.org/zap"
)

// Store is the durable side of the draft cache.
type Store interface {
	SaveDraft(conversationID int64, body string) error
	GetDraft(conversationID int64) (*store.Draft, error)
	DeleteDraft(conversationID int64) error
}

// Change is the payload of draft events.
type Change struct {
	ConversationID int64
	Text           string
}

// Writer keeps one draft per conversation in memory and writes it through to
// the store after the text has been idle for the debounce interval.
type Writer struct {
	store    Store
	debounce time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	cache geche.Geche[int64, string]

	mu      sync.Mutex
	pending map[int64]*time.Timer
}

// NewWriter creates a draft writer.
func NewWriter(s Store, debounce time.Duration, b *bus.Bus, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Writer{
		store:    s,
		debounce: debounce,
		bus:      b,
		logger:   logger,
		cache:    geche.NewMapCache[int64, string](),
		pending:  make(map[int64]*time.Timer),
	}
}

// Set records the current draft text and schedules a write.
func (w *Writer) Set(conversationID int64, text string) {
	w.cache.Set(conversationID, text)

	w.mu.Lock()
	if t, ok := w.pending[conversationID]; ok {
		t.Stop()
	}
	w.pending[conversationID] = time.AfterFunc(w.debounce, func() { w.fire(conversationID) })
	w.mu.Unlock()

	w.bus.Emit(bus.DraftChanged, Change{ConversationID: conversationID, Text: text})
}

// Get returns the draft for a conversation, reading through to the store on a miss.
func (w *Writer) Get(conversationID int64) (string, error) {
	if text, err := w.cache.Get(conversationID); err == nil {
		return text, nil
	}
	d, err := w.store.GetDraft(conversationID)
	if err != nil {
		return "", fmt.Errorf("load draft %d: %w", conversationID, err)
	}
	if d == nil {
		return "", nil
	}
	w.cache.Set(conversationID, d.Body)
	return d.Body, nil
}

// Clear drops the draft, typically after the message was sent.
func (w *Writer) Clear(conversationID int64) error {
	w.mu.Lock()
	if t, ok := w.pending[conversationID]; ok {
		t.Stop()
		delete(w.pending, conversationID)
	}
	w.mu.Unlock()

	_ = w.cache.Del(conversationID)
	w.bus.Emit(bus.DraftChanged, Change{ConversationID: conversationID})
	if err := w.store.DeleteDraft(conversationID); err != nil {
		return fmt.Errorf("delete draft %d: %w", conversationID, err)
	}
	return nil
}

// Flush writes every pending draft immediately.
func (w *Writer) Flush() error {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.pending))
	for id, t := range w.pending {
		t.Stop()
		ids = append(ids, id)
	}
	clear(w.pending)
	w.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := w.persist(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending reports how many drafts are waiting for their debounce to elapse.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) fire(conversationID int64) {
	w.mu.Lock()
	delete(w.pending, conversationID)
	w.mu.Unlock()
	if err := w.persist(conversationID); err != nil {
		w.logger.Warn("draft write failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

func (w *Writer) persist(conversationID int64) error {
	text, err := w.cache.Get(conversationID)
	if err != nil {
		// Cleared before the debounce elapsed.
		return nil
	}
	if err := w.store.SaveDraft(conversationID, text); err != nil {
		return fmt.Errorf("save draft %d: %w", conversationID, err)
	}
	return nil
}
