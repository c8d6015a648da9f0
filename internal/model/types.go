package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContactType classifies where a contact came from. Missing values default to ContactTypeAll.
type ContactType string

const (
	ContactTypeAds     ContactType = "ads"
	ContactTypeAll     ContactType = "all"
	ContactTypeSupport ContactType = "support"
)

// Tag is a label attached to a contact.
type Tag struct {
	ID    int64
	Name  string
	Color string
}

// Contact is the snapshot of a contact embedded in a conversation.
type Contact struct {
	ID          int64
	Name        string
	Phone       string
	Tags        []Tag
	ContactType ContactType
	Online      bool
	LastSeen    time.Time
}

// AssignmentKind is who a conversation is assigned to.
type AssignmentKind string

const (
	Unassigned   AssignmentKind = "unassigned"
	AssignedUser AssignmentKind = "user"
	AssignedBot  AssignmentKind = "bot"
)

// Assignment is the assignment state of a conversation.
type Assignment struct {
	Kind AssignmentKind
	ID   int64
}

func (a Assignment) String() string {
	if a.Kind == "" || a.Kind == Unassigned {
		return string(Unassigned)
	}
	return fmt.Sprintf("%s:%d", a.Kind, a.ID)
}

// ParseAssignment parses "unassigned", "user:<id>" or "bot:<id>".
func ParseAssignment(s string) (Assignment, error) {
	if s == "" || s == string(Unassigned) {
		return Assignment{Kind: Unassigned}, nil
	}
	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return Assignment{}, fmt.Errorf("invalid assignment %q", s)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Assignment{}, fmt.Errorf("invalid assignment id %q: %w", rawID, err)
	}
	switch AssignmentKind(kind) {
	case AssignedUser, AssignedBot:
		return Assignment{Kind: AssignmentKind(kind), ID: id}, nil
	}
	return Assignment{}, fmt.Errorf("invalid assignment kind %q", kind)
}

// Conversation is a contact-scoped thread with assignment and read state.
type Conversation struct {
	ID                   int64
	Contact              Contact
	LastMessage          *Message
	UnreadCount          int
	Assignment           Assignment
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastContactMessageAt time.Time // zero when the contact never wrote

	// IsTyping is realtime-only and never sent to the REST API.
	IsTyping bool
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

// Direction tells whether the contact or an agent wrote the message.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a message in status s may move to next.
// Statuses only move forward. Failed is terminal and only follows sending:
// once the server accepted a message it cannot fail locally.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s == next || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	cur, ok := statusRank[s]
	if !ok {
		return true
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Advance returns the furthest of s and next that is reachable from s.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s.CanTransition(next) {
		return next
	}
	return s
}

// Media is the attachment metadata of a non-text message.
type Media struct {
	URL      string
	Filename string
	Size     int64
	MimeType string
}

// Message is a single entry of a conversation timeline.
type Message struct {
	ID             string
	ConversationID int64
	Content        string
	Type           MessageType
	Direction      Direction
	Status         MessageStatus
	Timestamp      time.Time
	SenderID       string
	SenderName     string
	Media          *Media
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items   []T
	Page    int
	Limit   int
	Total   int
	HasMore bool
}
