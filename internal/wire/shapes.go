package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Scalar holds a JSON value that may arrive as a number or a string.
// Decoding never fails; unusable values become empty.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*s = ""
			return nil
		}
		*s = Scalar(strings.TrimSpace(str))
	case b[0] == '{' || b[0] == '[' || bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")):
		*s = ""
	default:
		*s = Scalar(b)
	}
	return nil
}

func (s Scalar) String() string { return string(s) }

// Int64 parses the scalar as a base-10 integer. Float forms like "12.0" are accepted.
func (s Scalar) Int64() (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(string(s), 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Timestamp accepts RFC 3339 strings and unix seconds or milliseconds.
// Unparseable input decodes to the zero time.
type Timestamp struct {
	time.Time
}

// msThreshold separates unix seconds from unix milliseconds (year 2286 in seconds).
const msThreshold = 1e10

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var raw Scalar
	_ = raw.UnmarshalJSON(b)
	t.Time = parseTime(string(raw))
	return nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n <= 0 {
			return time.Time{}
		}
		if n >= msThreshold {
			return time.UnixMilli(int64(n)).UTC()
		}
		return time.Unix(int64(n), 0).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// Attachment is the media descriptor shared by push and provider payloads.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     Scalar `json:"size"`
	MimeType string `json:"mimeType"`
}

// RESTTag is a tag as returned by the REST API.
type RESTTag struct {
	ID    Scalar `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// RESTContact is a contact as returned by the REST API.
type RESTContact struct {
	ID          Scalar    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	Tags        []RESTTag `json:"tags"`
	ContactType string    `json:"contact_type"`
}

// RESTConversation is the list/detail shape of the REST API.
type RESTConversation struct {
	ID                   Scalar       `json:"id"`
	Contact              *RESTContact `json:"contact"`
	LastMessage          *RESTMessage `json:"last_message"`
	UnreadCount          Scalar       `json:"unread_count"`
	AssignedUserID       Scalar       `json:"assigned_user_id"`
	AssignedBotID        Scalar       `json:"assigned_bot_id"`
	CreatedAt            Timestamp    `json:"created_at"`
	UpdatedAt            Timestamp    `json:"updated_at"`
	LastContactMessageAt Timestamp    `json:"last_contact_message_at"`
}

// RESTMessage is the message shape of the REST API.
type RESTMessage struct {
	ID             Scalar       `json:"id"`
	ConversationID Scalar       `json:"conversation_id"`
	Content        string       `json:"content"`
	MessageType    string       `json:"message_type"`
	Direction      string       `json:"direction"`
	Status         string       `json:"status"`
	Timestamp      Timestamp    `json:"timestamp"`
	CreatedAt      Timestamp    `json:"created_at"`
	SenderID       Scalar       `json:"sender_id"`
	SenderName     string       `json:"sender_name"`
	MediaURL       string       `json:"media_url"`
	MediaFilename  string       `json:"media_filename"`
	MediaSize      Scalar       `json:"media_size"`
	MediaMimeType  string       `json:"media_mime_type"`
	Attachments    []Attachment `json:"attachments"`
}

// PushTag is a tag inside a realtime payload.
type PushTag struct {
	ID    Scalar `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// PushContact is a contact inside a realtime payload.
type PushContact struct {
	ID          Scalar    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Tags        []PushTag `json:"tags"`
	ContactType string    `json:"contactType"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    Timestamp `json:"lastSeen"`
}

// PushConversation is the conversation shape pushed over the realtime channel.
type PushConversation struct {
	ID                   Scalar       `json:"id"`
	Contact              *PushContact `json:"contact"`
	LastMessage          *PushMessage `json:"lastMessage"`
	UnreadCount          Scalar       `json:"unreadCount"`
	AssignedUserID       Scalar       `json:"assignedUserId"`
	AssignedBotID        Scalar       `json:"assignedBotId"`
	CreatedAt            Timestamp    `json:"createdAt"`
	UpdatedAt            Timestamp    `json:"updatedAt"`
	LastContactMessageAt Timestamp    `json:"lastContactMessageAt"`
	IsTyping             bool         `json:"isTyping"`
}

// PushMessage is the payload of message:new.
type PushMessage struct {
	ID             Scalar       `json:"id"`
	ConversationID Scalar       `json:"conversationId"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Direction      string       `json:"direction"`
	Status         string       `json:"status"`
	Timestamp      Timestamp    `json:"timestamp"`
	SenderID       Scalar       `json:"senderId"`
	SenderName     string       `json:"senderName"`
	Attachments    []Attachment `json:"attachments"`
}

// NewConversationEnvelope is the payload of conversation:new.
type NewConversationEnvelope struct {
	Conversation PushConversation `json:"conversation"`
	Message      *PushMessage     `json:"message"`
}

// ProviderBody is the message part of a whatsapp:message envelope.
type ProviderBody struct {
	ID        Scalar    `json:"id"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"from_me"`
	From      string    `json:"from"`
	PushName  string    `json:"push_name"`
	Status    string    `json:"status"`
	Timestamp Timestamp `json:"timestamp"`
}

// ProviderEnvelope is the provider-specific inbound message pushed as whatsapp:message.
type ProviderEnvelope struct {
	ConversationID Scalar       `json:"conversation_id"`
	Message        ProviderBody `json:"message"`
	Attachment     *Attachment  `json:"attachment"`
}

// ReadBroadcast is the payload of conversation:read.
type ReadBroadcast struct {
	ConversationID Scalar `json:"conversationId"`
	UnreadCount    Scalar `json:"unreadCount"`
}

// StatusUpdate is the payload of message:read. It carries no conversation id.
type StatusUpdate struct {
	MessageID Scalar `json:"messageId"`
	Status    string `json:"status"`
}

// TypingEvent is the payload of conversation:typing.
type TypingEvent struct {
	ConversationID Scalar `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}
