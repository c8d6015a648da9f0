package api

import (
	"time"

	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/draft"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payloads are plain maps so structpb.NewStruct accepts them; slices are []any.

func unixMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func contactMap(c model.Contact) map[string]any {
	tags := make([]any, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = map[string]any{"id": t.ID, "name": t.Name, "color": t.Color}
	}
	return map[string]any{
		"id":           c.ID,
		"name":         c.Name,
		"phone":        c.Phone,
		"contact_type": string(c.ContactType),
		"online":       c.Online,
		"last_seen_ms": unixMs(c.LastSeen),
		"tags":         tags,
	}
}

func conversationMap(c model.Conversation) map[string]any {
	m := map[string]any{
		"id":                         c.ID,
		"contact":                    contactMap(c.Contact),
		"unread_count":               c.UnreadCount,
		"assignment":                 c.Assignment.String(),
		"created_at_ms":              unixMs(c.CreatedAt),
		"updated_at_ms":              unixMs(c.UpdatedAt),
		"last_contact_message_at_ms": unixMs(c.LastContactMessageAt),
		"is_typing":                  c.IsTyping,
	}
	if c.LastMessage != nil {
		m["last_message"] = messageMap(*c.LastMessage)
	}
	return m
}

func messageMap(msg model.Message) map[string]any {
	m := map[string]any{
		"id":              msg.ID,
		"conversation_id": msg.ConversationID,
		"content":         msg.Content,
		"type":            string(msg.Type),
		"direction":       string(msg.Direction),
		"status":          string(msg.Status),
		"timestamp_ms":    unixMs(msg.Timestamp),
		"sender_id":       msg.SenderID,
		"sender_name":     msg.SenderName,
	}
	if msg.Media != nil {
		m["media"] = map[string]any{
			"url":       msg.Media.URL,
			"filename":  msg.Media.Filename,
			"size":      msg.Media.Size,
			"mime_type": msg.Media.MimeType,
		}
	}
	return m
}

func conversationList(cs []model.Conversation) []any {
	out := make([]any, len(cs))
	for i, c := range cs {
		out[i] = conversationMap(c)
	}
	return out
}

func messageList(ms []model.Message) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = messageMap(m)
	}
	return out
}

func viewMap(v directory.View) map[string]any {
	tags := make([]any, len(v.Filters.TagIDs))
	for i, id := range v.Filters.TagIDs {
		tags[i] = id
	}
	return map[string]any{
		"tab":         string(v.Tab),
		"search":      v.Filters.Search,
		"tag_ids":     tags,
		"unread_only": v.Filters.UnreadOnly,
		"sort_by":     string(v.Sort.Field),
		"sort_order":  string(v.Sort.Order),
	}
}

func cursorMap(c timeline.PageCursor) map[string]any {
	return map[string]any{"page": c.Page, "has_more": c.HasMore, "loading_older": c.LoadingOlder}
}

func errString(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// eventPayload converts a bus payload into a structpb-compatible value.
func eventPayload(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case int, int64, string, bool:
		return v
	case model.Message:
		return messageMap(v)
	case model.Conversation:
		return conversationMap(v)
	case timeline.StatusChange:
		return map[string]any{"conversation_id": v.ConversationID, "message_id": v.MessageID, "status": string(v.Status)}
	case timeline.SendResult:
		return map[string]any{"local_id": v.LocalID, "message": messageMap(v.Message), "error": errString(v.Err)}
	case draft.Change:
		return map[string]any{"conversation_id": v.ConversationID, "text": v.Text}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case realtime.AuthUser:
		return map[string]any{"id": v.ID, "name": v.Name}
	case error:
		return v.Error()
	}
	return nil
}

func int64Field(in *structpb.Struct, key string) (int64, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, false
	}
	return int64(n.NumberValue), true
}

func stringField(in *structpb.Struct, key string) (string, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return "", false
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", false
	}
	return s.StringValue, true
}

func boolField(in *structpb.Struct, key string) (bool, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return false, false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, false
	}
	return b.BoolValue, true
}

func int64ListField(in *structpb.Struct, key string) ([]int64, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return nil, false
	}
	list := v.GetListValue()
	if list == nil {
		return nil, false
	}
	out := make([]int64, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		out = append(out, int64(item.GetNumberValue()))
	}
	return out, true
}
