package contract

import "time"

const (
	ChatCollection     = "chats"
	MessageCollection  = "messages"
	RequestCollection  = "requests"
	PresenceCollection = "presence"

	AttachmentKindImage = "image"
	AttachmentKindVoice = "voice"
)

type FirestoreChat struct {
	Name            string           `firestore:"name"`
	Participants    []string         `firestore:"participants"`
	LastMessage     string           `firestore:"last_message"`
	LastMessageTime time.Time        `firestore:"last_message_time"`
	Unread          map[string]int64 `firestore:"unread"`
	Waiting         bool             `firestore:"waiting"`
	Ended           bool             `firestore:"ended"`
	CreatedAt       time.Time        `firestore:"created_at"`
}

type FirestoreMessage struct {
	Sender     string               `firestore:"sender"`
	Content    string               `firestore:"content"`
	CreatedAt  time.Time            `firestore:"created_at,serverTimestamp"`
	Attachment *FirestoreAttachment `firestore:"attachment"`
}

type FirestoreAttachment struct {
	Kind string `firestore:"kind"`
	URL  string `firestore:"url"`
}

type FirestoreFriendRequest struct {
	From      string    `firestore:"from"`
	CreatedAt time.Time `firestore:"created_at,serverTimestamp"`
}

type FirestorePresence struct {
	Online   bool      `firestore:"online"`
	LastSeen time.Time `firestore:"last_seen"`
}
