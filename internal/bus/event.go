package bus

import "time"

// Event represents a state-change notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Presenters subscribe by namespace prefix ("conversation.", "message.", "connection.").
const (
	ConversationsReloaded = "conversation.reloaded"
	ConversationAdded     = "conversation.added"
	ConversationUpdated   = "conversation.updated"
	ConversationActive    = "conversation.active"

	MessagesLoaded  = "message.loaded"
	MessageAppended = "message.appended"
	MessageStatus   = "message.status"
	MessageSendAck  = "message.send_ack"
	MessageSendFail = "message.send_failed"
	DraftChanged    = "message.draft"

	ConnectionStatus       = "connection.status_changed"
	ConnectionAuthed       = "connection.authenticated"
	ConnectionUnauthorized = "connection.unauthorized"
	ConnectionFailed       = "connection.failed"
)
