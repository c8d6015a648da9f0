package draft

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*store.DB
	mu    sync.Mutex
	saves int
}

func (s *countingStore) SaveDraft(id int64, body string) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.DB.SaveDraft(id, body)
}

func (s *countingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func testStore(t *testing.T) *countingStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &countingStore{DB: db}
}

func TestSetIsDebounced(t *testing.T) {
	s := testStore(t)
	w := NewWriter(s, 30*time.Millisecond, bus.New(), nil)

	w.Set(1, "o")
	w.Set(1, "ol")
	w.Set(1, "olá")

	text, err := w.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "olá", text, "reads are served from memory before the write")

	assert.Eventually(t, func() bool { return w.Pending() == 0 && s.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	d, err := s.GetDraft(1)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "olá", d.Body)
}

func TestGetReadsThroughToStore(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.DB.SaveDraft(4, "saved earlier"))

	w := NewWriter(s, time.Hour, nil, nil)
	text, err := w.Get(4)
	require.NoError(t, err)
	assert.Equal(t, "saved earlier", text)

	text, err = w.Get(5)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestClearCancelsPendingWrite(t *testing.T) {
	s := testStore(t)
	w := NewWriter(s, 20*time.Millisecond, nil, nil)

	w.Set(2, "never sent")
	require.NoError(t, w.Clear(2))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, s.saveCount())
	d, err := s.GetDraft(2)
	require.NoError(t, err)
	assert.Nil(t, d)
	text, _ := w.Get(2)
	assert.Empty(t, text)
}

func TestFlushWritesImmediately(t *testing.T) {
	s := testStore(t)
	w := NewWriter(s, time.Hour, nil, nil)

	w.Set(1, "a")
	w.Set(2, "b")
	w.Set(3, "")
	require.NoError(t, w.Flush())
	assert.Zero(t, w.Pending())

	drafts, err := s.ListDrafts()
	require.NoError(t, err)
	assert.Len(t, drafts, 2, "empty text removes the draft")
}

func TestSetPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.DraftChanged, 1)
	defer unsub()

	w := NewWriter(testStore(t), time.Hour, b, nil)
	w.Set(9, "hey")

	select {
	case evt := <-ch:
		assert.Equal(t, Change{ConversationID: 9, Text: "hey"}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for draft event")
	}
}
