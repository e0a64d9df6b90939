package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"docqa-web-ui/internal/models"
)

// HandleChats processes a question posted from the chat form. It records the
// user message and an empty assistant placeholder in the local transcript,
// kicks off the goroutine that consumes the backend's answer stream, and
// responds with the rendered message partials so the UI can insert them
// immediately. Snapshot updates then flow to the browser over SSE on the
// assistant message's topic.
//
// The handler expects a "message" form field and a "chat_id" field naming an
// existing session; sessions are only ever created by uploading documents.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cred := m.session.get()
	if cred == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Upload documents to start a chat", http.StatusBadRequest)
		return
	}

	// We create two messages: the user's input and a placeholder the answer
	// streams into.
	um := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Text:           msg,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	}
	userMsgID, err := m.store.AddMessage(r.Context(), chatID, um)
	if err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	um.ID = userMsgID

	am := models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleAssistant,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateLoading,
	}
	aiMsgID, err := m.store.AddMessage(r.Context(), chatID, am)
	if err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	am.ID = aiMsgID

	// Start the async answer stream
	go m.chat(cred.Token, chatID, um, am, msg)

	userContent, err := renderMessageHTML(um)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             um.ID,
		Role:           string(um.Role),
		Content:        userContent,
		Timestamp:      um.Timestamp,
		StreamingState: models.StreamingStateEnded,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             am.ID,
		Role:           string(am.Role),
		Timestamp:      am.Timestamp,
		StreamingState: models.StreamingStateLoading,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// chat consumes the backend's answer stream for one question. Every snapshot
// replaces the assistant message's text wholesale; the final snapshot also
// carries the citations. The finished turn is flushed to the backend's save
// endpoint so the transcript survives this client's cache.
func (m Main) chat(token, chatID string, userMsg, aiMsg models.Message, question string) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e)
	}()

	ctx := context.Background()
	finalized := false

	for snap, err := range m.backend.Ask(ctx, token, chatID, question) {
		if err != nil {
			m.logger.Error("Error from answer stream",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))

			// Park the message in a terminal state so a reload does not
			// re-render it as still streaming.
			aiMsg.StreamingState = models.StreamingStateEnded
			if uerr := m.store.UpdateMessage(ctx, chatID, aiMsg); uerr != nil {
				m.logger.Error("Failed to update message",
					slog.String("message", fmt.Sprintf("%+v", aiMsg)),
					slog.String(errLoggerKey, uerr.Error()))
			}

			m.publishStreamError(aiMsg, err)
			return
		}

		aiMsg.Text = snap.Text
		aiMsg.StreamingState = models.StreamingStateStreaming
		if snap.Final {
			aiMsg.Citations = snap.Citations
			aiMsg.StreamingState = models.StreamingStateEnded
			finalized = true
		}

		if err := m.store.UpdateMessage(ctx, chatID, aiMsg); err != nil {
			m.logger.Error("Failed to update message",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		if err := m.publishMessage(aiMsg); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("message", fmt.Sprintf("%+v", aiMsg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if !finalized {
		return
	}

	if err := m.backend.SaveChat(ctx, chatID, []models.Message{userMsg, aiMsg}); err != nil {
		m.logger.Warn("Failed to save chat to backend",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishMessage(aiMsg models.Message) error {
	content, err := renderMessageHTML(aiMsg)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(string(content))
	return m.sseSrv.Publish(&msg, messageIDTopic(aiMsg.ID))
}

// publishStreamError appends a marked error entry after the last good text.
// The already-rendered answer is never rolled back.
func (m Main) publishStreamError(aiMsg models.Message, streamErr error) {
	content, err := renderMessageHTML(aiMsg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String(errLoggerKey, err.Error()))
		content = ""
	}

	var sb strings.Builder
	sb.WriteString(string(content))
	if err := m.templates.ExecuteTemplate(&sb, "error_entry", streamErr.Error()); err != nil {
		m.logger.Error("Failed to execute error_entry template",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(sb.String())
	_ = m.sseSrv.Publish(&msg, messageIDTopic(aiMsg.ID))
}

// publishChatList pushes the refreshed sidebar to every connected client.
func (m Main) publishChatList(activeID string) error {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		return fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)

	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return fmt.Errorf("failed to publish chats: %w", err)
	}
	return nil
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
