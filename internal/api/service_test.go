package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/draft"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/restapi"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// crmServer answers the REST endpoints the directory and cache use.
func crmServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/conversations":
			_, _ = io.WriteString(w, `{"data": [
				{"id": 1, "contact": {"id": 5, "name": "Ana"}, "unread_count": 2, "updated_at": "2026-03-01T10:05:00Z"},
				{"id": 2, "contact": {"id": 6, "name": "Bruno"}, "updated_at": "2026-03-01T10:00:00Z"}
			], "pagination": {"page": 1, "limit": 20, "total": 2}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/conversations/1/messages":
			_, _ = io.WriteString(w, `{"data": [
				{"id": 10, "content": "oi", "direction": "inbound", "timestamp": "2026-03-01T10:05:00Z"}
			], "pagination": {"has_more": false}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/1/read":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/1/assign":
			_, _ = io.WriteString(w, `{"data": {"id": 1, "contact": {"id": 5, "name": "Ana"}, "assigned_user_id": 7, "updated_at": "2026-03-01T10:05:00Z"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/1/messages":
			_, _ = io.WriteString(w, `{"data": {"id": 11, "content": "olá", "direction": "outbound", "status": "sent", "timestamp": "2026-03-01T10:06:00Z"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message": "not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	client *Client
	dir    *directory.Directory
	engine *intsync.Engine
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rest, err := restapi.New(restapi.Config{BaseURL: crmServer(t).URL}, func() string { return "tok" }, nil)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	rt := realtime.NewManager(realtime.Config{URL: "ws://127.0.0.1:1"}, nil, status.NewMachine(b), b, nil)
	dir := directory.New(rest, rt, directory.Config{PollInterval: time.Hour}, b, nil)
	cache := timeline.New(rest, dir, timeline.Config{}, b, nil)
	drafts := draft.NewWriter(db, time.Hour, b, nil)
	engine := intsync.NewEngine(rt, dir, cache, drafts, nil)
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewViewService("test", engine, dir, cache, drafts, rt, b, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c := NewClient(conn)
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{client: c, dir: dir, engine: engine, bus: b}
}

func messageIDs(out *structpb.Struct) []string {
	var got []string
	for _, v := range out.GetFields()["messages"].GetListValue().GetValues() {
		got = append(got, v.GetStructValue().GetFields()["id"].GetStringValue())
	}
	return got
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	out, err := f.client.Call(context.Background(), "GetStatus", nil)
	require.NoError(t, err)
	fields := out.GetFields()
	assert.Equal(t, "test", fields["profile"].GetStringValue())
	assert.Equal(t, string(status.Disconnected), fields["status"].GetStringValue())
	assert.False(t, fields["authenticated"].GetBoolValue())
}

func TestListAndSetView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.client.Call(ctx, "ListConversations", map[string]any{"reload": true})
	require.NoError(t, err)
	list := out.GetFields()["conversations"].GetListValue().GetValues()
	require.Len(t, list, 2)
	assert.Equal(t, float64(1), list[0].GetStructValue().GetFields()["id"].GetNumberValue())
	assert.Equal(t, "Ana", list[0].GetStructValue().GetFields()["contact"].GetStructValue().GetFields()["name"].GetStringValue())
	assert.False(t, out.GetFields()["has_more"].GetBoolValue())

	out, err = f.client.Call(ctx, "SetView", map[string]any{"tab": "queue", "sort_order": "asc"})
	require.NoError(t, err)
	view := out.GetFields()["view"].GetStructValue().GetFields()
	assert.Equal(t, "queue", view["tab"].GetStringValue())
	assert.Equal(t, "asc", view["sort_order"].GetStringValue())
	assert.Equal(t, "updated_at", view["sort_by"].GetStringValue())
	assert.Equal(t, directory.TabQueue, f.dir.View().Tab)

	_, err = f.client.Call(ctx, "SetView", map[string]any{"tab": "everything"})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestOpenConversationLoadsTimelineAndMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Call(ctx, "ListConversations", map[string]any{"reload": true})
	require.NoError(t, err)

	out, err := f.client.Call(ctx, "OpenConversation", map[string]any{"conversation_id": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, messageIDs(out))
	assert.True(t, out.GetFields()["loaded"].GetBoolValue())
	assert.Equal(t, "", out.GetFields()["draft"].GetStringValue())
	assert.Equal(t, int64(1), f.engine.Active())

	c, ok := f.dir.Get(1)
	require.True(t, ok)
	assert.Zero(t, c.UnreadCount, "opening falls back to REST mark-read while the channel is down")

	out, err = f.client.Call(ctx, "ListMessages", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.GetFields()["conversation_id"].GetNumberValue())
}

func TestSendTextAndDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Call(ctx, "ListConversations", map[string]any{"reload": true})
	require.NoError(t, err)
	_, err = f.client.Call(ctx, "OpenConversation", map[string]any{"conversation_id": 1})
	require.NoError(t, err)

	_, err = f.client.Call(ctx, "SetDraft", map[string]any{"text": "rascunho"})
	require.NoError(t, err)

	_, err = f.client.Call(ctx, "SendText", map[string]any{"content": "   "})
	assert.Equal(t, codes.InvalidArgument, code(err))

	out, err := f.client.Call(ctx, "SendText", map[string]any{"content": "olá"})
	require.NoError(t, err)
	msg := out.GetFields()["message"].GetStructValue().GetFields()
	assert.Equal(t, "11", msg["id"].GetStringValue())
	assert.Equal(t, "sent", msg["status"].GetStringValue())

	out, err = f.client.Call(ctx, "OpenConversation", map[string]any{"conversation_id": 1})
	require.NoError(t, err)
	assert.Equal(t, "", out.GetFields()["draft"].GetStringValue(), "sending clears the draft")
	assert.Equal(t, []string{"10", "11"}, messageIDs(out))
}

func TestAssignAndErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.Call(ctx, "ListConversations", map[string]any{"reload": true})
	require.NoError(t, err)

	out, err := f.client.Call(ctx, "Assign", map[string]any{"conversation_id": 1})
	require.NoError(t, err)
	conv := out.GetFields()["conversation"].GetStructValue().GetFields()
	assert.Equal(t, "user:7", conv["assignment"].GetStringValue())

	_, err = f.client.Call(ctx, "Unassign", map[string]any{"conversation_id": 1})
	assert.Equal(t, codes.NotFound, code(err))

	_, err = f.client.Call(ctx, "MarkRead", nil)
	assert.Equal(t, codes.InvalidArgument, code(err), "no conversation id and nothing open")

	_, err = f.client.Call(ctx, "LoadOlder", nil)
	assert.Equal(t, codes.FailedPrecondition, code(err))
}

func TestWatchEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *structpb.Struct, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, "message.", func(evt *structpb.Struct) error {
			got <- evt
			return io.EOF
		})
	}()

	// The subscription is registered asynchronously; publish until it lands.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			fields := evt.GetFields()
			assert.Equal(t, "message.draft", fields["kind"].GetStringValue())
			assert.Equal(t, "test", fields["profile"].GetStringValue())
			payload := fields["payload"].GetStructValue().GetFields()
			assert.Equal(t, "hi", payload["text"].GetStringValue())
			assert.ErrorIs(t, <-done, io.EOF)
			return
		case <-tick.C:
			f.bus.Emit(bus.ConversationUpdated, int64(1))
			f.bus.Emit(bus.DraftChanged, draft.Change{ConversationID: 1, Text: "hi"})
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"unauthorized", &restapi.APIError{StatusCode: 401}, codes.Unauthenticated},
		{"not found", &restapi.APIError{StatusCode: 404}, codes.NotFound},
		{"server", &restapi.APIError{StatusCode: 502}, codes.Unavailable},
		{"auth", &realtime.AuthError{Reason: "bad token"}, codes.Unauthenticated},
		{"connection", &realtime.ConnectionError{Op: "dial"}, codes.Unavailable},
		{"no active", intsync.ErrNoActive, codes.FailedPrecondition},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", io.ErrUnexpectedEOF, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := toStatus("op", tt.err)
			assert.Equal(t, tt.want, code(err))
			assert.True(t, strings.HasPrefix(grpcstatus.Convert(err).Message(), "op: "))
		})
	}
}
