package store

// Draft is unsent text typed into a conversation.
type Draft struct {
	ConversationID int64
	Body           string
	UpdatedAt      int64 // unix millis
}
