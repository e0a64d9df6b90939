package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"docqa-web-ui/internal/models"
)

const maxUploadBytes = 64 << 20

// HandleUpload forwards the selected PDF files to the backend for indexing.
// The backend answers with the ID of the fresh chat session, which becomes
// the active one; the sidebar is refreshed over SSE and the empty chatbox is
// rendered as the response.
func (m Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cred := m.session.get()
	if cred == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		http.Error(w, "At least one file is required", http.StatusBadRequest)
		return
	}

	files := make([]models.Upload, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		files = append(files, models.Upload{Name: fh.Filename, Content: content})
	}

	sessionID, statusMsg, err := m.backend.Upload(r.Context(), cred.Token, files)
	if err != nil {
		m.logger.Error("Upload failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	m.logger.Info("Documents uploaded",
		slog.String("sessionID", sessionID),
		slog.String("status", statusMsg))

	// Mirror the session the backend just created; the title matches what the
	// backend assigns until the next session-list refresh replaces it.
	newChat := models.Chat{
		ID:        sessionID,
		Title:     fmt.Sprintf("Session - %s", time.Now().Format("2006-01-02 15:04:05")),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if _, err := m.store.AddChat(r.Context(), newChat); err != nil {
		m.logger.Error("Failed to cache chat", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.publishChatList(sessionID); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}

	data := homePageData{
		Username:      cred.Username,
		CurrentChatID: sessionID,
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleAnalysis renders the per-document index statistics of a session.
func (m Main) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	analysis, err := m.backend.DocumentAnalysis(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get document analysis",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "analysis", analysis); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleExport streams a transcript export back as a download.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	content, contentType, err := m.backend.ExportChat(r.Context(), chatID, format)
	if err != nil {
		m.logger.Error("Failed to export chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=chat_export_%s.%s", chatID, format))
	_, _ = w.Write(content)
}

// HandleTextToSpeech synthesizes the posted text and returns the audio.
func (m Main) HandleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := r.FormValue("text")
	if text == "" {
		http.Error(w, "Text is required", http.StatusBadRequest)
		return
	}

	audio, err := m.backend.TextToSpeech(r.Context(), text)
	if err != nil {
		m.logger.Error("Text-to-speech failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(audio)
}

// HandleSpeechToText transcribes an uploaded audio clip and returns the text
// for the chat input.
func (m Main) HandleSpeechToText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Audio file is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	audio, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	text, err := m.backend.SpeechToText(r.Context(), fh.Filename, audio)
	if err != nil {
		m.logger.Error("Speech-to-text failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
}
