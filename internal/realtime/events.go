package realtime

// Events dispatched to handlers. The first four are raised locally by the
// manager; the rest arrive from the server.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventReconnect    = "reconnect"

	EventAuthenticated      = "authenticated"
	EventUnauthorized       = "unauthorized"
	EventMessageNew         = "message:new"
	EventMessageRead        = "message:read"
	EventWhatsAppMessage    = "whatsapp:message"
	EventConversationNew    = "conversation:new"
	EventConversationAssign = "conversation:assigned"
	EventConversationStatus = "conversation:status_changed"
	EventConversationRead   = "conversation:read"
	EventConversationTyping = "conversation:typing"
)

// Commands sent to the server.
const (
	CommandJoin     = "conversation:join"
	CommandLeave    = "conversation:leave"
	CommandMarkRead = "conversation:mark_read"
)

// roomPayload is the body of join, leave and mark-read commands.
type roomPayload struct {
	ConversationID int64 `json:"conversationId"`
}
