package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	docqawebui "docqa-web-ui"
	"docqa-web-ui/internal/models"
	"docqa-web-ui/internal/stream"
)

// Backend is the document-QA service this UI fronts. All retrieval, indexing,
// and inference live behind it; the UI only issues requests and renders what
// comes back. Ask returns a lazy sequence of full-replace snapshots; refer to
// stream.Snapshot for the emission contract.
type Backend interface {
	Register(ctx context.Context, username, password, email string) (string, error)
	Login(ctx context.Context, username, password string) (models.Credential, error)
	Sessions(ctx context.Context, token, userID string) ([]models.Chat, error)
	SessionMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	Upload(ctx context.Context, token string, files []models.Upload) (string, string, error)
	Ask(ctx context.Context, token, sessionID, question string) iter.Seq2[stream.Snapshot, error]
	SaveChat(ctx context.Context, sessionID string, messages []models.Message) error
	ExportChat(ctx context.Context, sessionID, format string) ([]byte, string, error)
	DocumentAnalysis(ctx context.Context, sessionID string) (models.Analysis, error)
	TextToSpeech(ctx context.Context, text string) ([]byte, error)
	SpeechToText(ctx context.Context, name string, audio []byte) (string, error)
}

// Store is the local cache: the persisted credential session plus a
// transcript per chat session, updated in place while answers stream.
type Store interface {
	Credential(ctx context.Context) (*models.Credential, error)
	PutCredential(ctx context.Context, cred models.Credential) error
	DeleteCredential(ctx context.Context) error

	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main wires the SSE server, the HTML templates, the backend client, and the
// local store together behind the HTTP handlers.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	backend Backend
	store   Store

	session *sessionState

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "err"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
	),
	goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
)

// NewMain creates a Main instance with the provided backend and store. It
// parses the embedded templates, configures the SSE server topics, and loads
// the persisted credential session so a restart does not log the user out.
func NewMain(backend Backend, store Store, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		docqawebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	session := &sessionState{}
	cred, err := store.Credential(context.Background())
	if err != nil {
		return Main{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred != nil {
		session.set(*cred)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		backend:   backend,
		store:     store,
		session:   session,
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE upgrades the request to a server-sent events session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections
// to terminate before forcing them closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// renderMessageHTML converts a message's markdown, citations included, into
// sanitized-enough HTML for the chat pane.
func renderMessageHTML(msg models.Message) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(models.RenderMessage(msg)), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	// goldmark escapes raw HTML in the source by default
	return template.HTML(buf.String()), nil
}

// sessionState guards the in-memory credential session; handlers run
// concurrently and the streaming goroutines read it too.
type sessionState struct {
	mu   sync.RWMutex
	cred *models.Credential
}

func (s *sessionState) get() *models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil
	}
	cred := *s.cred
	return &cred
}

func (s *sessionState) set(cred models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
}

func (s *sessionState) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
}
