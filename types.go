package sawerni

import "time"

// ============================================================================
// Domain Types
// ============================================================================

// Participant is the other side of a two-party conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online"`
}

// MessagePreview is the denormalized summary of a conversation's newest
// message, carried on the conversation list.
type MessagePreview struct {
	ID              string    `json:"id"`
	Content         *string   `json:"content"`
	SenderID        string    `json:"senderId"`
	AttachmentCount int       `json:"attachmentCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Conversation is a two-participant message thread as seen by this client.
type Conversation struct {
	ID               string          `json:"id"`
	OtherParticipant Participant     `json:"otherParticipant"`
	LastActiveAt     time.Time       `json:"lastActiveAt"`
	LastMessage      *MessagePreview `json:"lastMessage,omitempty"`
	UnreadCount      int             `json:"unreadCount"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Attachment is a server-persisted file on a message. Provisional messages
// carry locally-built attachments whose URL is a preview that must be
// released once the message reconciles or rolls back.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

// Message is one entry in a conversation thread.
//
// Server-assigned ids are opaque. Provisional (not yet confirmed) messages
// use a client-generated id prefixed with "local-" and have IsOptimistic
// set; that id is never reused once the message reconciles.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        *string      `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
	IsOptimistic   bool         `json:"-"`
}

const localIDPrefix = "local-"

// IsProvisional reports whether the message carries a local temporary id.
func (m *Message) IsProvisional() bool {
	return len(m.ID) > len(localIDPrefix) && m.ID[:len(localIDPrefix)] == localIDPrefix
}

// ============================================================================
// Compose Draft
// ============================================================================

// LocalAttachment is a file selected in the compose box but not yet
// uploaded. PreviewURL is a locally-generated URL (object URL, temp file,
// ...) used to render the provisional message; Release revokes it.
type LocalAttachment struct {
	Name       string
	MimeType   string
	Data       []byte
	PreviewURL string

	// Revoke frees the preview resource. Optional.
	Revoke func(previewURL string)
}

// Release revokes the attachment's preview URL, if any.
func (a *LocalAttachment) Release() {
	if a.Revoke != nil && a.PreviewURL != "" {
		a.Revoke(a.PreviewURL)
	}
	a.PreviewURL = ""
}

/// Draft is the compose-box state for one conversation: text plus selected
// files. The send pipeline owns the draft while a send is pending and
// hands it back on rollback.
type Draft struct {
	Content     string
	Attachments []*LocalAttachment
}

// Empty reports whether the draft has neither content nor attachments.
func (d *Draft) Empty() bool {
	return d == nil || (d.Content == "" && len(d.Attachments) == 0)
}

// TotalSize returns the combined attachment payload size in bytes.
func (d *Draft) TotalSize() int64 {
	var n int64
	for _, a := range d.Attachments {
		n += int64(len(a.Data))
	}
	return n
}

func (d *Draft) release() {
	for _, a := range d.Attachments {
		a.Release()
	}
}

// ============================================================================
// API Envelopes
// ============================================================================

// PageMeta is the server's pagination block.
type PageMeta struct {
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
	Pages   int `json:"pages"`
}

// ConversationPage is the response of the conversation-list endpoint.
type ConversationPage struct {
	Items []Conversation `json:"items"`
	Meta  PageMeta       `json:"meta"`
}

// MessagePage is the paginated message block of a thread response.
type MessagePage struct {
	Items []Message `json:"items"`
	Meta  PageMeta  `json:"meta"`
}

// ThreadPage is the response of the thread-listing endpoint. Page 1 is the
// newest window; higher pages are older.
type ThreadPage struct {
	Conversation Conversation `json:"conversation"`
	Messages     MessagePage  `json:"messages"`
}
