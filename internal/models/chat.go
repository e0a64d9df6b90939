package models

import (
	"fmt"
	"strings"
	"time"
)

// Chat mirrors one conversation session owned by the document-QA backend. The
// backend assigns the ID when documents are uploaded; the title is set by the
// backend and may be refreshed whenever the session list is fetched.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents an individual turn within a chat. A user message is
// finalized on creation; an assistant message is created empty and its Text
// grows in place while the answer streams, with Citations attached exactly
// once when the stream finalizes.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Citations []Citation
	Timestamp time.Time

	StreamingState string
}

// Citation points into the uploaded corpus. It is produced by the backend and
// only parsed and forwarded here.
type Citation struct {
	Source   string `json:"source"`
	Page     int    `json:"page"`
	Preview  string `json:"preview"`
	FullText string `json:"full_text,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a streamed answer from the backend.
	RoleAssistant Role = "assistant"
)

// Streaming states used by the UI to pick the right rendering treatment for
// an assistant message.
const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

// RenderMessage renders a message into markdown, appending the citation list
// as a footnote section when the message carries any.
func RenderMessage(msg Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Text)

	if len(msg.Citations) > 0 {
		sb.WriteString("\n\n---\n**Sources**\n\n")
		for i, cit := range msg.Citations {
			sb.WriteString(fmt.Sprintf("%d. *%s* (p.%d)", i+1, cit.Source, cit.Page))
			if cit.Preview != "" {
				sb.WriteString(fmt.Sprintf(": %s", cit.Preview))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
