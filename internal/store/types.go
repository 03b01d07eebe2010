package store

// QueueRow is one retry_queue row. Attachment holds the JSON encoding of the
// attachment metadata, empty for text messages.
type QueueRow struct {
	ID             string
	ConversationID string
	Content        string
	MessageType    string
	ReplyToID      string
	Attachment     string
	EnqueuedAt     int64
	RetryCount     int
	LastError      string
	Terminal       bool
}
