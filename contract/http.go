package contract

type SendMessageRequest struct {
	ChatID         string `json:"chat_id"`
	Content        string `json:"content"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
}

type StartChatRequest struct {
	Nickname string `json:"nickname"`
}

type StartChatResponse struct {
	ChatID string `json:"chat_id"`
}

type EndChatRequest struct {
	ChatID string `json:"chat_id"`
}

type FriendRequestRequest struct {
	ChatID string `json:"chat_id"`
}

type MessageEvent struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender"`
	HTML      string `json:"html"`
	Timestamp int64  `json:"ts"`
	Kind      string `json:"attachment_kind,omitempty"`
	URL       string `json:"attachment_url,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
	Ended     bool   `json:"ended,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
