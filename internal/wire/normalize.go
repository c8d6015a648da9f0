package wire

import (
	"fmt"
	"strings"

	"github.com/matheus3301/wppcrm/internal/model"
)

// ValidationError reports a wire record whose required fields are unusable.
// The record is skipped; the rest of the batch is still merged.
type ValidationError struct {
	Record string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Record, e.Field, e.Reason)
}

// ConversationShape is any wire form a conversation arrives in.
type ConversationShape interface {
	conversation() (model.Conversation, error)
}

// MessageShape is any wire form a message arrives in.
type MessageShape interface {
	message() (model.Message, error)
}

// NormalizeConversation maps a wire conversation to the canonical model.
// Only a missing or non-numeric identity is an error.
func NormalizeConversation(w ConversationShape) (model.Conversation, error) {
	return w.conversation()
}

// NormalizeMessage maps a wire message to the canonical model.
// Only a missing identity is an error.
func NormalizeMessage(w MessageShape) (model.Message, error) {
	return w.message()
}

// NormalizeConversations normalizes a batch, skipping invalid records.
func NormalizeConversations[T ConversationShape](ws []T) ([]model.Conversation, []error) {
	out := make([]model.Conversation, 0, len(ws))
	var skipped []error
	for _, w := range ws {
		c, err := w.conversation()
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}

// NormalizeMessages normalizes a batch, skipping invalid records.
func NormalizeMessages[T MessageShape](ws []T) ([]model.Message, []error) {
	out := make([]model.Message, 0, len(ws))
	var skipped []error
	for _, w := range ws {
		m, err := w.message()
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, m)
	}
	return out, skipped
}

func (w RESTConversation) conversation() (model.Conversation, error) {
	id, ok := w.ID.Int64()
	if !ok {
		return model.Conversation{}, &ValidationError{Record: "conversation", Field: "id", Reason: "missing or not numeric"}
	}
	c := model.Conversation{
		ID:                   id,
		UnreadCount:          nonNegative(w.UnreadCount),
		Assignment:           assignment(w.AssignedUserID, w.AssignedBotID),
		CreatedAt:            w.CreatedAt.Time,
		UpdatedAt:            w.UpdatedAt.Time,
		LastContactMessageAt: w.LastContactMessageAt.Time,
	}
	if w.Contact != nil {
		c.Contact = model.Contact{
			Name:        w.Contact.Name,
			Phone:       w.Contact.PhoneNumber,
			ContactType: contactType(w.Contact.ContactType),
		}
		c.Contact.ID, _ = w.Contact.ID.Int64()
		for _, t := range w.Contact.Tags {
			tid, _ := t.ID.Int64()
			c.Contact.Tags = append(c.Contact.Tags, model.Tag{ID: tid, Name: t.Name, Color: t.Color})
		}
	} else {
		c.Contact.ContactType = model.ContactTypeAll
	}
	if w.LastMessage != nil {
		if m, err := w.LastMessage.message(); err == nil {
			if m.ConversationID == 0 {
				m.ConversationID = id
			}
			c.LastMessage = &m
		}
	}
	fillTimes(&c)
	return c, nil
}

func (w PushConversation) conversation() (model.Conversation, error) {
	id, ok := w.ID.Int64()
	if !ok {
		return model.Conversation{}, &ValidationError{Record: "conversation", Field: "id", Reason: "missing or not numeric"}
	}
	c := model.Conversation{
		ID:                   id,
		UnreadCount:          nonNegative(w.UnreadCount),
		Assignment:           assignment(w.AssignedUserID, w.AssignedBotID),
		CreatedAt:            w.CreatedAt.Time,
		UpdatedAt:            w.UpdatedAt.Time,
		LastContactMessageAt: w.LastContactMessageAt.Time,
		IsTyping:             w.IsTyping,
	}
	if w.Contact != nil {
		c.Contact = model.Contact{
			Name:        w.Contact.Name,
			Phone:       w.Contact.Phone,
			ContactType: contactType(w.Contact.ContactType),
			Online:      w.Contact.IsOnline,
			LastSeen:    w.Contact.LastSeen.Time,
		}
		c.Contact.ID, _ = w.Contact.ID.Int64()
		for _, t := range w.Contact.Tags {
			tid, _ := t.ID.Int64()
			c.Contact.Tags = append(c.Contact.Tags, model.Tag{ID: tid, Name: t.Name, Color: t.Color})
		}
	} else {
		c.Contact.ContactType = model.ContactTypeAll
	}
	if w.LastMessage != nil {
		if m, err := w.LastMessage.message(); err == nil {
			if m.ConversationID == 0 {
				m.ConversationID = id
			}
			c.LastMessage = &m
		}
	}
	fillTimes(&c)
	return c, nil
}

func (w RESTMessage) message() (model.Message, error) {
	if w.ID == "" {
		return model.Message{}, &ValidationError{Record: "message", Field: "id", Reason: "missing"}
	}
	dir := direction(w.Direction)
	m := model.Message{
		ID:         w.ID.String(),
		Content:    w.Content,
		Direction:  dir,
		Status:     MapStatus(w.Status, dir),
		Timestamp:  w.Timestamp.Time,
		SenderID:   w.SenderID.String(),
		SenderName: w.SenderName,
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = w.CreatedAt.Time
	}
	m.ConversationID, _ = w.ConversationID.Int64()

	atts := w.Attachments
	if len(atts) == 0 && w.MediaURL != "" {
		atts = []Attachment{{
			Type:     w.MessageType,
			URL:      w.MediaURL,
			Filename: w.MediaFilename,
			Size:     w.MediaSize,
			MimeType: w.MediaMimeType,
		}}
	}
	m.Type, m.Media = media(atts)
	return m, nil
}

func (w PushMessage) message() (model.Message, error) {
	if w.ID == "" {
		return model.Message{}, &ValidationError{Record: "message", Field: "id", Reason: "missing"}
	}
	dir := direction(w.Direction)
	m := model.Message{
		ID:         w.ID.String(),
		Content:    w.Content,
		Direction:  dir,
		Status:     MapStatus(w.Status, dir),
		Timestamp:  w.Timestamp.Time,
		SenderID:   w.SenderID.String(),
		SenderName: w.SenderName,
	}
	m.ConversationID, _ = w.ConversationID.Int64()
	m.Type, m.Media = media(w.Attachments)
	return m, nil
}

func (w ProviderEnvelope) message() (model.Message, error) {
	if w.Message.ID == "" {
		return model.Message{}, &ValidationError{Record: "message", Field: "message.id", Reason: "missing"}
	}
	dir := model.Inbound
	if w.Message.FromMe {
		dir = model.Outbound
	}
	m := model.Message{
		ID:         w.Message.ID.String(),
		Content:    w.Message.Body,
		Direction:  dir,
		Status:     MapStatus(w.Message.Status, dir),
		Timestamp:  w.Message.Timestamp.Time,
		SenderID:   w.Message.From,
		SenderName: w.Message.PushName,
	}
	m.ConversationID, _ = w.ConversationID.Int64()
	if w.Attachment != nil {
		m.Type, m.Media = media([]Attachment{*w.Attachment})
	} else {
		m.Type = model.MessageText
	}
	return m, nil
}

// MapStatus translates server and provider delivery states into the canonical status.
// Unknown or empty states default by direction: inbound messages have reached us,
// outbound ones have at least been accepted.
func MapStatus(raw string, dir model.Direction) model.MessageStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sending", "pending", "queued", "clock":
		return model.StatusSending
	case "sent", "server_ack", "accepted", "ack":
		return model.StatusSent
	case "delivered", "delivery_ack", "received":
		return model.StatusDelivered
	case "read", "seen", "played", "read_ack":
		return model.StatusRead
	case "failed", "error", "undelivered", "rejected":
		return model.StatusFailed
	}
	if dir == model.Inbound {
		return model.StatusDelivered
	}
	return model.StatusSent
}

func direction(raw string) model.Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "outbound", "outgoing", "out", "sent":
		return model.Outbound
	}
	return model.Inbound
}

func contactType(raw string) model.ContactType {
	switch ct := model.ContactType(strings.ToLower(strings.TrimSpace(raw))); ct {
	case model.ContactTypeAds, model.ContactTypeSupport:
		return ct
	}
	return model.ContactTypeAll
}

func assignment(userID, botID Scalar) model.Assignment {
	if id, ok := userID.Int64(); ok && id > 0 {
		return model.Assignment{Kind: model.AssignedUser, ID: id}
	}
	if id, ok := botID.Int64(); ok && id > 0 {
		return model.Assignment{Kind: model.AssignedBot, ID: id}
	}
	return model.Assignment{Kind: model.Unassigned}
}

// media derives the message type and metadata from the first attachment.
func media(atts []Attachment) (model.MessageType, *model.Media) {
	if len(atts) == 0 {
		return model.MessageText, nil
	}
	a := atts[0]
	size, _ := a.Size.Int64()
	return AttachmentType(a.Type, a.MimeType), &model.Media{
		URL:      a.URL,
		Filename: a.Filename,
		Size:     size,
		MimeType: a.MimeType,
	}
}

// AttachmentType maps an attachment kind, or failing that its MIME type, to a message type.
func AttachmentType(kind, mime string) model.MessageType {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "image", "photo", "sticker":
		return model.MessageImage
	case "video", "gif":
		return model.MessageVideo
	case "audio", "voice", "ptt":
		return model.MessageAudio
	case "document", "file":
		return model.MessageDocument
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.MessageImage
	case strings.HasPrefix(mime, "video/"):
		return model.MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return model.MessageAudio
	}
	return model.MessageDocument
}

func nonNegative(s Scalar) int {
	n, ok := s.Int64()
	if !ok || n < 0 {
		return 0
	}
	return int(n)
}

// fillTimes keeps UpdatedAt meaningful when the payload omits it.
func fillTimes(c *model.Conversation) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = c.LastMessage.Timestamp
	}
}
