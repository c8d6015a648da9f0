package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *ViewService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.statusStruct()
}

func (s *ViewService) statusStruct() (*structpb.Struct, error) {
	st := s.conn.State()
	auth := s.conn.Auth()
	return structpb.NewStruct(map[string]any{
		"profile":                s.profile,
		"status":                 string(st.Status),
		"reconnect_attempts":     st.ReconnectAttempts,
		"last_connected_at_ms":   unixMs(st.LastConnectedAt),
		"last_error":             errString(st.LastError),
		"authenticated":          auth.IsAuthenticated,
		"user":                   map[string]any{"id": auth.User.ID, "name": auth.User.Name},
		"uptime_ms":              time.Since(s.startedAt).Milliseconds(),
		"active_conversation_id": s.engine.Active(),
		"conversations":          len(s.dir.Conversations()),
	})
}

// ListConversations returns the directory snapshot, reloading page one first
// when the request sets "reload".
func (s *ViewService) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if reload, _ := boolField(in, "reload"); reload {
		if err := s.dir.Reload(ctx); err != nil {
			return nil, toStatus("reload conversations", err)
		}
	}
	return s.listStruct()
}

func (s *ViewService) LoadMore(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.dir.LoadMore(ctx); err != nil {
		return nil, toStatus("load more", err)
	}
	return s.listStruct()
}

// SetView switches tab, filters or sort. Fields missing from the request keep
// their current value.
func (s *ViewService) SetView(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := viewFromRequest(s.dir.View(), in)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetView(ctx, v); err != nil {
		return nil, toStatus("set view", err)
	}
	return s.listStruct()
}

func viewFromRequest(v directory.View, in *structpb.Struct) (directory.View, error) {
	if tab, ok := stringField(in, "tab"); ok {
		switch directory.Tab(tab) {
		case directory.TabMine, directory.TabQueue, directory.TabBot:
			v.Tab = directory.Tab(tab)
		default:
			return v, grpcstatus.Errorf(codes.InvalidArgument, "unknown tab %q", tab)
		}
	}
	if search, ok := stringField(in, "search"); ok {
		v.Filters.Search = strings.TrimSpace(search)
	}
	if tags, ok := int64ListField(in, "tag_ids"); ok {
		v.Filters.TagIDs = tags
	}
	if unread, ok := boolField(in, "unread_only"); ok {
		v.Filters.UnreadOnly = unread
	}
	if field, ok := stringField(in, "sort_by"); ok {
		switch directory.SortField(field) {
		case directory.SortUpdatedAt, directory.SortCreatedAt, directory.SortID:
			v.Sort.Field = directory.SortField(field)
		default:
			return v, grpcstatus.Errorf(codes.InvalidArgument, "unknown sort field %q", field)
		}
	}
	if order, ok := stringField(in, "sort_order"); ok {
		switch directory.SortOrder(order) {
		case directory.Asc, directory.Desc:
			v.Sort.Order = directory.SortOrder(order)
		default:
			return v, grpcstatus.Errorf(codes.InvalidArgument, "unknown sort order %q", order)
		}
	}
	return v, nil
}

func (s *ViewService) listStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"conversations": conversationList(s.dir.Conversations()),
		"has_more":      s.dir.HasMore(),
		"view":          viewMap(s.dir.View()),
	})
}

// ListMessages returns the cached timeline of conversation_id, or of the open
// conversation when the field is absent.
func (s *ViewService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	if ensure, _ := boolField(in, "ensure_loaded"); ensure {
		if err := s.cache.EnsureLoaded(ctx, id); err != nil {
			return nil, toStatus("load messages", err)
		}
	}
	return s.messagesStruct(id, nil)
}

func (s *ViewService) LoadOlder(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.LoadOlder(ctx); err != nil {
		return nil, toStatus("load older", err)
	}
	return s.messagesStruct(s.engine.Active(), nil)
}

func (s *ViewService) messagesStruct(id int64, extra map[string]any) (*structpb.Struct, error) {
	fresh := s.cache.Freshness(id)
	m := map[string]any{
		"conversation_id":      id,
		"messages":             messageList(s.cache.Messages(id)),
		"cursor":               cursorMap(s.cache.Cursor(id)),
		"loaded":               fresh.Loaded,
		"last_refreshed_at_ms": unixMs(fresh.LastRefreshedAt),
	}
	for k, v := range extra {
		m[k] = v
	}
	return structpb.NewStruct(m)
}

// OpenConversation makes a conversation active and returns its timeline and draft.
func (s *ViewService) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, false)
	if err != nil {
		return nil, err
	}
	if err := s.engine.OpenConversation(ctx, id); err != nil {
		return nil, toStatus("open conversation", err)
	}
	extra := map[string]any{}
	if c, ok := s.dir.Get(id); ok {
		extra["conversation"] = conversationMap(c)
	}
	if s.drafts != nil {
		text, err := s.drafts.Get(id)
		if err != nil {
			s.logger.Warn("read draft", zap.Int64("conversation_id", id), zap.Error(err))
		}
		extra["draft"] = text
	}
	return s.messagesStruct(id, extra)
}

func (s *ViewService) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	content, _ := stringField(in, "content")
	if strings.TrimSpace(content) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}
	m, err := s.engine.Send(ctx, timeline.SendRequest{ConversationID: id, Content: content})
	if err != nil {
		return nil, toStatus("send", err)
	}
	return structpb.NewStruct(map[string]any{"message": messageMap(m)})
}

func (s *ViewService) SetDraft(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	if s.drafts == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "drafts are disabled")
	}
	text, _ := stringField(in, "text")
	s.drafts.Set(id, text)
	return structpb.NewStruct(map[string]any{"conversation_id": id})
}

func (s *ViewService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.readState(ctx, in, "mark read", s.dir.MarkRead)
}

func (s *ViewService) MarkUnread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.readState(ctx, in, "mark unread", s.dir.MarkUnread)
}

func (s *ViewService) readState(ctx context.Context, in *structpb.Struct, op string, fn func(context.Context, int64) error) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, id); err != nil {
		return nil, toStatus(op, err)
	}
	return s.conversationStruct(id)
}

func (s *ViewService) Assign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	c, err := s.dir.AssignToMe(ctx, id)
	if err != nil {
		return nil, toStatus("assign", err)
	}
	return structpb.NewStruct(map[string]any{"conversation": conversationMap(c)})
}

func (s *ViewService) Unassign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.conversationID(in, true)
	if err != nil {
		return nil, err
	}
	c, err := s.dir.Unassign(ctx, id)
	if err != nil {
		return nil, toStatus("unassign", err)
	}
	return structpb.NewStruct(map[string]any{"conversation": conversationMap(c)})
}

func (s *ViewService) conversationStruct(id int64) (*structpb.Struct, error) {
	c, ok := s.dir.Get(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %d is not loaded", id)
	}
	return structpb.NewStruct(map[string]any{"conversation": conversationMap(c)})
}

// Resume reconnects the realtime channel after the presenter regains focus.
func (s *ViewService) Resume(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.conn.Resume(ctx); err != nil {
		return nil, toStatus("resume", err)
	}
	return s.statusStruct()
}

// WatchEvents streams bus events until the client goes away. An optional
// "namespace" narrows the stream to one prefix such as "message.".
func (s *ViewService) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ns, _ := stringField(in, "namespace")
	ch, unsub := s.bus.Subscribe(ns, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"event_id":            uuid.NewString(),
				"profile":             s.profile,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"kind":                evt.Kind,
				"payload":             eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// conversationID reads "conversation_id", falling back to the open
// conversation when allowed.
func (s *ViewService) conversationID(in *structpb.Struct, fallbackActive bool) (int64, error) {
	id, ok := int64Field(in, "conversation_id")
	if !ok && fallbackActive {
		id = s.engine.Active()
	}
	if id <= 0 {
		return 0, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	return id, nil
}
