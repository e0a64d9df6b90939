package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"docqa-web-ui/internal/handlers"
	"docqa-web-ui/internal/models"
	"docqa-web-ui/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockBackend struct {
	chats     []models.Chat
	saved     map[string][]models.Message
	answer    string
	citations []models.Citation
	askErr    error

	mu         sync.Mutex
	askToken   string
	savedChats [][]models.Message
}

func (b *mockBackend) lastAskToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.askToken
}

type mockStore struct {
	mu              sync.Mutex
	cred            *models.Credential
	chats           []models.Chat
	messages        map[string][]models.Message
	updateChatCalls int
	err             error
}

func loggedInStore() *mockStore {
	return &mockStore{
		cred: &models.Credential{
			Token:    "token-1",
			UserID:   "user-1",
			Username: "tester",
		},
		messages: map[string][]models.Message{},
	}
}

func TestNewMain(t *testing.T) {
	backend := &mockBackend{}
	store := &mockStore{messages: map[string][]models.Message{}}

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHomeLoggedOut(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, &mockStore{messages: map[string][]models.Message{}}, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Log in") {
		t.Errorf("HandleHome() body should contain the login form, got %v", w.Body.String())
	}
}

func TestHandleHome(t *testing.T) {
	backend := &mockBackend{
		chats: []models.Chat{{ID: "1", Title: "Test Chat"}},
	}
	store := loggedInStore()
	store.messages["1"] = []models.Message{
		{ID: "1", Role: models.RoleUser, Text: "Hello"},
	}

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Chat", // Should contain chat title
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello", // Should contain message content
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	backend := &mockBackend{answer: "AI response"}
	store := loggedInStore()

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing chat ID",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "1",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := strings.NewReader(
				"message=" + tt.message + "&chat_id=" + tt.chatID,
			)
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusOK && !strings.Contains(w.Body.String(), "Hello") {
				t.Errorf("HandleChats() body should contain the user message, got %v", w.Body.String())
			}
		})
	}
}

// waitForMessage polls the store until a message in the chat satisfies pred,
// since the answer stream runs in its own goroutine.
func waitForMessage(t *testing.T, store *mockStore, chatID string, pred func(models.Message) bool) models.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		msgs := slices.Clone(store.messages[chatID])
		store.mu.Unlock()
		for _, msg := range msgs {
			if pred(msg) {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no message satisfied the condition before the deadline")
	return models.Message{}
}

func TestHandleChatsLoggedOut(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, &mockStore{messages: map[string][]models.Message{}}, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	form := strings.NewReader("message=Hello&chat_id=1")
	req := httptest.NewRequest(http.MethodPost, "/chats", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	main.HandleChats(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("HandleChats() status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
}

func TestChatStreamCarriesCredential(t *testing.T) {
	backend := &mockBackend{answer: "AI response"}
	store := loggedInStore()

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	form := strings.NewReader("message=Hello&chat_id=1")
	req := httptest.NewRequest(http.MethodPost, "/chats", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	msg := waitForMessage(t, store, "1", func(msg models.Message) bool {
		return msg.Role == models.RoleAssistant && msg.StreamingState == models.StreamingStateEnded
	})
	if msg.Text != "AI response" {
		t.Errorf("assistant message text = %q, want %q", msg.Text, "AI response")
	}
	if got := backend.lastAskToken(); got != "token-1" {
		t.Errorf("ask token = %q, want %q", got, "token-1")
	}
}

func TestChatStreamFailureEndsMessage(t *testing.T) {
	backend := &mockBackend{askErr: errors.New("connection reset")}
	store := loggedInStore()

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	form := strings.NewReader("message=Hello&chat_id=1")
	req := httptest.NewRequest(http.MethodPost, "/chats", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	main.HandleChats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	// A failed stream must leave the assistant message in a terminal state so
	// a page reload does not render it as still streaming.
	msg := waitForMessage(t, store, "1", func(msg models.Message) bool {
		return msg.Role == models.RoleAssistant && msg.StreamingState == models.StreamingStateEnded
	})
	if msg.Text != "" {
		t.Errorf("assistant message text = %q, want empty", msg.Text)
	}
}

func TestHandleHomeRefreshesCachedTitle(t *testing.T) {
	backend := &mockBackend{
		chats: []models.Chat{{ID: "1", Title: "Renamed Chat"}},
	}
	store := loggedInStore()
	store.chats = []models.Chat{{ID: "1", Title: "Stale Chat"}}

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Renamed Chat") {
		t.Errorf("HandleHome() body should show the refreshed title, got %v", w.Body.String())
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateChatCalls == 0 {
		t.Error("cached chats should be refreshed in place, not re-added")
	}
	if len(store.chats) != 1 || store.chats[0].Title != "Renamed Chat" {
		t.Errorf("cached chats = %+v", store.chats)
	}
}

func TestHandleUpload(t *testing.T) {
	backend := &mockBackend{}
	store := loggedInStore()

	main, err := handlers.NewMain(backend, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("%PDF-1.4 fake")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	main.HandleUpload(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleUpload() status = %v, want %v, body %v", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `data-chat-id="session-new"`) {
		t.Errorf("HandleUpload() body should render the new chatbox, got %v", w.Body.String())
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !slices.ContainsFunc(store.chats, func(c models.Chat) bool { return c.ID == "session-new" }) {
		t.Error("HandleUpload() should cache the new chat session")
	}
}

func TestHandleUploadLoggedOut(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, &mockStore{messages: map[string][]models.Message{}}, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	w := httptest.NewRecorder()
	main.HandleUpload(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("HandleUpload() status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleAnalysis(t *testing.T) {
	backend := &mockBackend{}
	main, err := handlers.NewMain(backend, loggedInStore(), testLogger)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/analysis?chat_id=1", nil)
	w := httptest.NewRecorder()
	main.HandleAnalysis(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleAnalysis() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "doc.pdf") {
		t.Errorf("HandleAnalysis() body should list the sources, got %v", w.Body.String())
	}
}

func TestHandleLogout(t *testing.T) {
	store := loggedInStore()
	main, err := handlers.NewMain(&mockBackend{}, store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	w := httptest.NewRecorder()
	main.HandleLogout(w, req)

	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleLogout() status = %v, want %v", w.Code, http.StatusSeeOther)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.cred != nil {
		t.Error("HandleLogout() should delete the stored credential")
	}
}

func (b *mockBackend) Register(context.Context, string, string, string) (string, error) {
	return "user-new", nil
}

func (b *mockBackend) Login(_ context.Context, username, _ string) (models.Credential, error) {
	return models.Credential{Token: "token-new", UserID: "user-new", Username: username}, nil
}

func (b *mockBackend) Sessions(context.Context, string, string) ([]models.Chat, error) {
	return b.chats, nil
}

func (b *mockBackend) SessionMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	return b.saved[sessionID], nil
}

func (b *mockBackend) Upload(context.Context, string, []models.Upload) (string, string, error) {
	return "session-new", "Files uploaded and processed. 1 pages indexed.", nil
}

func (b *mockBackend) Ask(_ context.Context, token, _, _ string) iter.Seq2[stream.Snapshot, error] {
	b.mu.Lock()
	b.askToken = token
	b.mu.Unlock()
	return func(yield func(stream.Snapshot, error) bool) {
		if b.askErr != nil {
			yield(stream.Snapshot{}, b.askErr)
			return
		}
		if !yield(stream.Snapshot{Text: b.answer}, nil) {
			return
		}
		yield(stream.Snapshot{Text: b.answer, Citations: b.citations, Final: true}, nil)
	}
}

func (b *mockBackend) SaveChat(_ context.Context, _ string, messages []models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.savedChats = append(b.savedChats, messages)
	return nil
}

func (b *mockBackend) ExportChat(context.Context, string, string) ([]byte, string, error) {
	return []byte("{}"), "application/json", nil
}

func (b *mockBackend) DocumentAnalysis(context.Context, string) (models.Analysis, error) {
	return models.Analysis{
		DocumentCount: 3,
		SourceCount:   1,
		Sources: map[string][]models.DocumentChunk{
			"doc.pdf": {
				{Source: "doc.pdf", Page: 1, ContentPreview: "intro..."},
			},
		},
	}, nil
}

func (b *mockBackend) TextToSpeech(context.Context, string) ([]byte, error) {
	return []byte("audio"), nil
}

func (b *mockBackend) SpeechToText(context.Context, string, []byte) (string, error) {
	return "transcribed", nil
}

func (m *mockStore) Credential(context.Context) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, m.err
	}
	cred := *m.cred
	return &cred, m.err
}

func (m *mockStore) PutCredential(_ context.Context, cred models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = &cred
	return m.err
}

func (m *mockStore) DeleteCredential(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return m.err
}

func (m *mockStore) Chats(context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx >= 0 {
		m.chats[idx] = chat
	} else {
		m.chats = append(m.chats, chat)
	}
	return chat.ID, nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateChatCalls++
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return fmt.Errorf("chat not found")
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, chatID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	idx := slices.IndexFunc(msgs, func(mm models.Message) bool { return mm.ID == msg.ID })
	if idx >= 0 {
		msgs[idx] = msg
	}
	return m.err
}
