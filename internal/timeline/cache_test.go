package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeMessages struct {
	mu    sync.Mutex
	pages map[int]model.Page[model.Message]
	calls []int
	hook  func(page int)
	send  func(req SendRequest) (model.Message, error)
}

func (f *fakeMessages) ListMessages(_ context.Context, _ int64, page, _ int) (model.Page[model.Message], error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	hook := f.hook
	p := f.pages[page]
	f.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	return p, nil
}

func (f *fakeMessages) SendMessage(_ context.Context, req SendRequest) (model.Message, error) {
	return f.send(req)
}

func (f *fakeMessages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	applied  []model.Message
	replaced []string
	statuses []model.MessageStatus
}

func (s *fakeSink) ApplyMessage(m model.Message) bool {
	s.applied = append(s.applied, m)
	return true
}

func (s *fakeSink) ReplaceMessage(localID string, _ model.Message) bool {
	s.replaced = append(s.replaced, localID)
	return false
}

func (s *fakeSink) ApplyStatus(_ int64, _ string, status model.MessageStatus) bool {
	s.statuses = append(s.statuses, status)
	return true
}

func msg(id string, minute int) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: 1,
		Direction:      model.Inbound,
		Status:         model.StatusDelivered,
		Timestamp:      t0.Add(time.Duration(minute) * time.Minute),
	}
}

func page(hasMore bool, msgs ...model.Message) model.Page[model.Message] {
	return model.Page[model.Message]{Items: msgs, HasMore: hasMore}
}

func msgIDs(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func newCache(api MessageAPI, sink Sink, now *time.Time) *Cache {
	cfg := Config{}
	if now != nil {
		cfg.Now = func() time.Time { return *now }
	}
	return New(api, sink, cfg, bus.New(), nil)
}

func TestAppendIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	c := newCache(&fakeMessages{}, sink, nil)

	m := msg("m1", 1)
	assert.True(t, c.Append(m))
	first := c.Messages(1)

	assert.False(t, c.Append(m))
	assert.Equal(t, first, c.Messages(1))
	assert.Len(t, sink.applied, 1, "duplicate must not reach the directory")
}

func TestAppendKeepsAscendingOrder(t *testing.T) {
	c := newCache(&fakeMessages{}, nil, nil)
	for _, m := range []model.Message{msg("c", 3), msg("a", 1), msg("d", 3), msg("b", 2)} {
		c.Append(m)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, msgIDs(c.Messages(1)))
}

func TestAppendRejectsMissingIdentity(t *testing.T) {
	c := newCache(&fakeMessages{}, nil, nil)
	assert.False(t, c.Append(model.Message{ConversationID: 1}))
	assert.False(t, c.Append(model.Message{ID: "x"}))
}

func TestEnsureLoadedRespectsTTL(t *testing.T) {
	now := t0
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{1: page(false, msg("m2", 2), msg("m1", 1))}}
	c := newCache(api, nil, &now)
	ctx := context.Background()

	require.NoError(t, c.EnsureLoaded(ctx, 1))
	assert.Equal(t, []string{"m1", "m2"}, msgIDs(c.Messages(1)))
	assert.True(t, c.Freshness(1).Loaded)

	now = now.Add(4 * time.Minute)
	require.NoError(t, c.EnsureLoaded(ctx, 1))
	assert.Equal(t, 1, api.callCount())

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.EnsureLoaded(ctx, 1))
	assert.Equal(t, 2, api.callCount())
}

func TestEnsureLoadedOnEmptyConversationDoesNotRefetch(t *testing.T) {
	api := &fakeMessages{}
	c := newCache(api, nil, nil)
	require.NoError(t, c.EnsureLoaded(context.Background(), 1))
	require.NoError(t, c.EnsureLoaded(context.Background(), 1))
	assert.Equal(t, 1, api.callCount())
}

func TestReloadKeepsPendingAndNewerMessages(t *testing.T) {
	now := t0.Add(time.Hour)
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{1: page(true, msg("m3", 3), msg("m2", 2))}}
	c := newCache(api, nil, &now)

	old := msg("m0", 0)
	pending := msg("local-1", 0)
	pending.Status = model.StatusSending
	newer := msg("m4", 4)
	c.Append(old)
	c.Append(pending)
	c.Append(newer)

	require.NoError(t, c.EnsureLoaded(context.Background(), 1))
	assert.Equal(t, []string{"local-1", "m2", "m3", "m4"}, msgIDs(c.Messages(1)))
	assert.Equal(t, PageCursor{Page: 1, HasMore: true}, c.Cursor(1))
}

func TestLoadOlderMergesOverlappingPages(t *testing.T) {
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{
		1: page(true, msg("m5", 5), msg("m4", 4), msg("m3", 3)),
		2: page(false, msg("m3", 3), msg("m2", 2), msg("m1", 1)),
	}}
	c := newCache(api, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.EnsureLoaded(ctx, 1))
	require.NoError(t, c.LoadOlder(ctx, 1))

	got := c.Messages(1)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, msgIDs(got))
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	assert.Equal(t, PageCursor{Page: 2, HasMore: false}, c.Cursor(1))

	require.NoError(t, c.LoadOlder(ctx, 1))
	assert.Equal(t, 2, api.callCount(), "no fetch once the server has no more pages")
}

func TestLoadOlderRefusesConcurrentLoads(t *testing.T) {
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{
		1: page(true, msg("m3", 3)),
		2: page(true, msg("m2", 2)),
	}}
	c := newCache(api, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.EnsureLoaded(ctx, 1))

	api.hook = func(p int) {
		if p == 2 {
			assert.True(t, c.Cursor(1).LoadingOlder)
			require.NoError(t, c.LoadOlder(ctx, 1))
		}
	}
	require.NoError(t, c.LoadOlder(ctx, 1))

	assert.Equal(t, []int{1, 2}, api.calls)
	assert.Equal(t, 2, c.Cursor(1).Page)
	assert.False(t, c.Cursor(1).LoadingOlder)
}

func TestReloadDuringLoadOlderDropsTheOlderPage(t *testing.T) {
	now := t0.Add(time.Hour)
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{
		1: page(true, msg("p1b", 6), msg("p1a", 5)),
		2: page(true, msg("p2b", 4), msg("p2a", 3)),
		3: page(false, msg("p3b", 2), msg("p3a", 1)),
	}}
	c := newCache(api, nil, &now)
	ctx := context.Background()

	require.NoError(t, c.EnsureLoaded(ctx, 1))
	require.NoError(t, c.LoadOlder(ctx, 1))
	require.Equal(t, 2, c.Cursor(1).Page)

	api.hook = func(p int) {
		if p == 3 {
			now = now.Add(6 * time.Minute)
			require.NoError(t, c.EnsureLoaded(ctx, 1))
		}
	}
	require.NoError(t, c.LoadOlder(ctx, 1))

	assert.Equal(t, []string{"p1a", "p1b"}, msgIDs(c.Messages(1)))
	assert.Equal(t, PageCursor{Page: 1, HasMore: true}, c.Cursor(1))

	api.hook = nil
	require.NoError(t, c.LoadOlder(ctx, 1))
	assert.Equal(t, []string{"p2a", "p2b", "p1a", "p1b"}, msgIDs(c.Messages(1)), "page 2 is fetched again")
}

func TestSendFailureIsForwardedToSink(t *testing.T) {
	sink := &fakeSink{}
	api := &fakeMessages{send: func(SendRequest) (model.Message, error) { return model.Message{}, errors.New("http 500") }}
	c := newCache(api, sink, nil)

	_, err := c.Send(context.Background(), SendRequest{ConversationID: 1, Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, []model.MessageStatus{model.StatusFailed}, sink.statuses)
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	api := &fakeMessages{pages: map[int]model.Page[model.Message]{1: page(true, msg("m1", 1))}}
	c := newCache(api, nil, nil)
	c.SetActive(1)

	api.hook = func(int) { c.SetActive(2) }
	require.NoError(t, c.EnsureLoaded(context.Background(), 1))

	assert.Empty(t, c.Messages(1))
	assert.False(t, c.Freshness(1).Loaded)
}

func TestUpdateStatusFindsMessageAcrossConversations(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.status", 4)
	defer unsub()
	c := New(&fakeMessages{}, nil, Config{}, b, nil)

	other := msg("x1", 1)
	other.ConversationID = 2
	other.Direction = model.Outbound
	other.Status = model.StatusSent
	c.Append(msg("m1", 1))
	c.Append(other)

	assert.True(t, c.UpdateStatus("x1", model.StatusRead))
	got, err := c.Message(2, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)
	assert.Equal(t, other.Content, got.Content)

	assert.False(t, c.UpdateStatus("x1", model.StatusDelivered), "status never moves back")
	assert.False(t, c.UpdateStatus("missing", model.StatusRead))

	select {
	case evt := <-ch:
		assert.Equal(t, StatusChange{ConversationID: 2, MessageID: "x1", Status: model.StatusRead}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.status event")
	}
}

func TestSendReconcilesLocalCopy(t *testing.T) {
	sink := &fakeSink{}
	api := &fakeMessages{}
	c := newCache(api, sink, nil)

	api.send = func(req SendRequest) (model.Message, error) {
		msgs := c.Messages(1)
		require.Len(t, msgs, 1)
		assert.True(t, IsLocal(msgs[0].ID))
		assert.Equal(t, model.StatusSending, msgs[0].Status)
		return model.Message{ID: "99", ConversationID: 1, Content: req.Content, Direction: model.Outbound, Status: model.StatusSent, Timestamp: t0}, nil
	}

	sent, err := c.Send(context.Background(), SendRequest{ConversationID: 1, Content: "olá"})
	require.NoError(t, err)
	assert.Equal(t, "99", sent.ID)
	assert.Equal(t, []string{"99"}, msgIDs(c.Messages(1)))
	assert.Len(t, sink.applied, 2)
	require.Len(t, sink.replaced, 1)
	assert.True(t, IsLocal(sink.replaced[0]))
}

func TestSendWhenPushArrivesFirst(t *testing.T) {
	api := &fakeMessages{}
	c := newCache(api, nil, nil)

	server := model.Message{ID: "99", ConversationID: 1, Direction: model.Outbound, Status: model.StatusDelivered, Timestamp: t0}
	api.send = func(SendRequest) (model.Message, error) {
		c.Append(server)
		ack := server
		ack.Status = model.StatusSent
		return ack, nil
	}

	sent, err := c.Send(context.Background(), SendRequest{ConversationID: 1, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, sent.Status)
	assert.Equal(t, []string{"99"}, msgIDs(c.Messages(1)))
}

func TestSendFailureMarksLocalCopyFailed(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.send_failed", 1)
	defer unsub()

	boom := errors.New("http 502")
	api := &fakeMessages{send: func(SendRequest) (model.Message, error) { return model.Message{}, boom }}
	c := New(api, nil, Config{}, b, nil)

	local, err := c.Send(context.Background(), SendRequest{ConversationID: 1, Content: "hi", Attachments: []Attachment{{Filename: "a.png", MimeType: "image/png", Data: []byte{1, 2}}}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, model.StatusFailed, local.Status)
	assert.Equal(t, model.MessageImage, local.Type)

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)

	select {
	case evt := <-ch:
		res := evt.Payload.(SendResult)
		assert.Equal(t, local.ID, res.LocalID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}
}

func TestMergeInvariantsHoldForRandomOverlap(t *testing.T) {
	var a, b []model.Message
	for i := range 10 {
		a = append(a, msg(fmt.Sprintf("m%02d", i), i))
	}
	for i := 7; i < 15; i++ {
		b = append(b, msg(fmt.Sprintf("m%02d", i), i))
	}
	out := merge(b, a)
	require.Len(t, out, 15)
	seen := map[string]bool{}
	for i, m := range out {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.Timestamp.Before(out[i-1].Timestamp))
		}
	}
}
