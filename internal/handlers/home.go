package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"docqa-web-ui/internal/models"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	Username      string
	CurrentChatID string
	Chats         []chat
	Messages      []message
}

type loginPageData struct {
	Error string
}

// HandleHome renders the chat page: the session list in the sidebar and the
// transcript of the selected session. Without a credential session it renders
// the login page instead.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	cred := m.session.get()
	if cred == nil {
		if err := m.templates.ExecuteTemplate(w, "login.html", loginPageData{}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	m.refreshChats(r, *cred)

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentChatID := r.URL.Query().Get("chat_id")
	data := homePageData{
		Username:      cred.Username,
		CurrentChatID: currentChatID,
		Chats:         make([]chat, len(chats)),
	}
	for i, ch := range chats {
		data.Chats[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == currentChatID,
		}
	}

	if currentChatID != "" {
		messages, err := m.chatMessages(r, currentChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", currentChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Messages = messages
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// refreshChats mirrors the backend's session list into the local cache:
// already-cached sessions get their title and timestamps refreshed in place,
// unknown ones are added. A failed refresh is logged and the stale cache is
// served instead.
func (m Main) refreshChats(r *http.Request, cred models.Credential) {
	chats, err := m.backend.Sessions(r.Context(), cred.Token, cred.UserID)
	if err != nil {
		m.logger.Warn("Failed to refresh sessions from backend",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	cached, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Warn("Failed to get cached chats",
			slog.String(errLoggerKey, err.Error()))
		return
	}
	known := make(map[string]bool, len(cached))
	for _, ch := range cached {
		known[ch.ID] = true
	}

	for _, ch := range chats {
		if known[ch.ID] {
			if err := m.store.UpdateChat(r.Context(), ch); err != nil {
				m.logger.Warn("Failed to refresh cached chat",
					slog.String("chatID", ch.ID),
					slog.String(errLoggerKey, err.Error()))
			}
			continue
		}
		if _, err := m.store.AddChat(r.Context(), ch); err != nil {
			m.logger.Warn("Failed to cache chat",
				slog.String("chatID", ch.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// chatMessages returns the transcript view of a chat, filling the local cache
// from the backend's saved messages when it is empty.
func (m Main) chatMessages(r *http.Request, chatID string) ([]message, error) {
	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		saved, err := m.backend.SessionMessages(r.Context(), chatID)
		if err != nil {
			m.logger.Warn("Failed to fetch saved messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
		}
		for _, msg := range saved {
			if _, err := m.store.AddMessage(r.Context(), chatID, msg); err != nil {
				return nil, err
			}
		}
		messages = saved
	}

	msgs := make([]message, len(messages))
	for i, msg := range messages {
		content, err := renderMessageHTML(msg)
		if err != nil {
			return nil, err
		}
		streamingState := msg.StreamingState
		if streamingState == "" {
			streamingState = models.StreamingStateEnded
		}
		msgs[i] = message{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Content:        content,
			Timestamp:      msg.Timestamp,
			StreamingState: streamingState,
		}
	}
	return msgs, nil
}

// HandleLogin authenticates against the backend and persists the credential
// session so restarts stay logged in.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	if username == "" || password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	cred, err := m.backend.Login(r.Context(), username, password)
	if err != nil {
		m.logger.Error("Login failed",
			slog.String("username", username),
			slog.String(errLoggerKey, err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
		if err := m.templates.ExecuteTemplate(w, "login.html", loginPageData{Error: err.Error()}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.store.PutCredential(r.Context(), cred); err != nil {
		m.logger.Error("Failed to persist credential", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.session.set(cred)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleRegister creates the account on the backend and logs straight in.
func (m Main) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	email := r.FormValue("email")
	if username == "" || password == "" || email == "" {
		http.Error(w, "Username, password and email are required", http.StatusBadRequest)
		return
	}

	if _, err := m.backend.Register(r.Context(), username, password, email); err != nil {
		m.logger.Error("Registration failed",
			slog.String("username", username),
			slog.String(errLoggerKey, err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		if err := m.templates.ExecuteTemplate(w, "login.html", loginPageData{Error: err.Error()}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	m.HandleLogin(w, r)
}

// HandleLogout clears the credential session, in memory and on disk.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.store.DeleteCredential(r.Context()); err != nil {
		m.logger.Error("Failed to delete credential", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.session.clear()

	http.Redirect(w, r, "/", http.StatusSeeOther)
}
