package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"docqa-web-ui/internal/models"
	"docqa-web-ui/internal/stream"
)

// DocQA is an HTTP client for the document question-answering backend. It
// covers the whole API surface: account management, PDF upload, the streaming
// ask endpoint, saved sessions, corpus analysis, and the speech helpers.
// Authenticated calls take the bearer token explicitly; the client itself
// holds no ambient credential state.
type DocQA struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message      string `json:"message"`
	SessionToken string `json:"session_token"`
	UserID       string `json:"user_id"`
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type sessionsResponse struct {
	Sessions []struct {
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	} `json:"sessions"`
}

type sessionMessagesResponse struct {
	SessionID string `json:"session_id"`
	Messages  []struct {
		ID        string            `json:"id"`
		Sender    string            `json:"sender"`
		Text      string            `json:"text"`
		Citations []models.Citation `json:"citations"`
		CreatedAt string            `json:"created_at"`
	} `json:"messages"`
}

type uploadResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type saveChatRequest struct {
	SessionID string            `json:"session_id"`
	Messages  []saveChatMessage `json:"messages"`
}

type saveChatMessage struct {
	Sender    string            `json:"sender"`
	Text      string            `json:"text"`
	Citations []models.Citation `json:"citations,omitempty"`
}

type exportChatRequest struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`
}

type textToSpeechResponse struct {
	Audio string `json:"audio"`
}

type speechToTextResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewDocQA creates a DocQA client for the backend at baseURL. The timeout
// applies to plain request/response calls only; the streaming ask endpoint is
// bounded by its context instead.
func NewDocQA(baseURL string, timeout time.Duration, logger *slog.Logger) DocQA {
	return DocQA{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("module", "docqa")),
	}
}

// Register creates a new user account and returns the backend-assigned user ID.
func (d DocQA) Register(ctx context.Context, username, password, email string) (string, error) {
	var res registerResponse
	err := d.doJSON(ctx, http.MethodPost, "/register", "", registerRequest{
		Username: username,
		Password: password,
		Email:    email,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.UserID, nil
}

// Login exchanges a username and password for a credential session.
func (d DocQA) Login(ctx context.Context, username, password string) (models.Credential, error) {
	var res loginResponse
	err := d.doJSON(ctx, http.MethodPost, "/login", "", loginRequest{
		Username: username,
		Password: password,
	}, &res)
	if err != nil {
		return models.Credential{}, err
	}

	return models.Credential{
		Token:     res.SessionToken,
		UserID:    res.UserID,
		Username:  username,
		CreatedAt: time.Now(),
	}, nil
}

// Sessions lists the chat sessions owned by the given user.
func (d DocQA) Sessions(ctx context.Context, token, userID string) ([]models.Chat, error) {
	if token == "" {
		return nil, errors.New("missing credential")
	}

	var res sessionsResponse
	if err := d.doJSON(ctx, http.MethodGet, "/user-sessions/"+userID, token, nil, &res); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, len(res.Sessions))
	for i, s := range res.Sessions {
		chats[i] = models.Chat{
			ID:        s.SessionID,
			Title:     s.Title,
			CreatedAt: parseBackendTime(s.CreatedAt),
			UpdatedAt: parseBackendTime(s.UpdatedAt),
		}
	}
	return chats, nil
}

// SessionMessages fetches the saved transcript of a session in chronological
// order.
func (d DocQA) SessionMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var res sessionMessagesResponse
	if err := d.doJSON(ctx, http.MethodGet, "/chat-messages/"+sessionID, "", nil, &res); err != nil {
		return nil, err
	}

	messages := make([]models.Message, len(res.Messages))
	for i, m := range res.Messages {
		role := models.RoleAssistant
		if m.Sender == "user" {
			role = models.RoleUser
		}
		messages[i] = models.Message{
			ID:             m.ID,
			Role:           role,
			Text:           m.Text,
			Citations:      m.Citations,
			Timestamp:      parseBackendTime(m.CreatedAt),
			StreamingState: models.StreamingStateEnded,
		}
	}
	return messages, nil
}

// Upload sends PDF files to the backend for indexing and returns the ID of
// the chat session created for them, along with the backend's status message.
func (d DocQA) Upload(ctx context.Context, token string, files []models.Upload) (string, string, error) {
	if token == "" {
		return "", "", errors.New("missing credential")
	}
	if len(files) == 0 {
		return "", "", errors.New("no files to upload")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return "", "", fmt.Errorf("error creating form file: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return "", "", fmt.Errorf("error writing form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", "", fmt.Errorf("error closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/upload", &body)
	if err != nil {
		return "", "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", d.statusError(resp)
	}

	var res uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", "", fmt.Errorf("error decoding response: %w", err)
	}
	return res.SessionID, res.Message, nil
}

// Ask submits a question for the given session and streams the assembled
// answer back as snapshots. The returned sequence is lazy and single-use;
// cancelling ctx aborts the underlying request and stops emission. Refer to
// stream.Snapshot for the emission contract.
func (d DocQA) Ask(ctx context.Context, token, sessionID, question string) iter.Seq2[stream.Snapshot, error] {
	return func(yield func(stream.Snapshot, error) bool) {
		if token == "" {
			yield(stream.Snapshot{}, errors.New("missing credential"))
			return
		}

		jsonBody, err := json.Marshal(askRequest{Question: question, SessionID: sessionID})
		if err != nil {
			yield(stream.Snapshot{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.baseURL+"/ask", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(stream.Snapshot{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		// The ask response streams for as long as the answer generates, so it
		// must not inherit the client-wide request timeout.
		streamClient := &http.Client{Transport: d.client.Transport}
		resp, err := streamClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Snapshot{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(stream.Snapshot{}, d.statusError(resp))
			return
		}

		assembler := stream.New(d.logger)
		for snap, err := range assembler.Run(ctx, resp.Body) {
			if !yield(snap, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// SaveChat persists a transcript to the backend, mapping roles onto the
// sender values the backend stores.
func (d DocQA) SaveChat(ctx context.Context, sessionID string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	req := saveChatRequest{SessionID: sessionID}
	for _, m := range messages {
		sender := "ai"
		if m.Role == models.RoleUser {
			sender = "user"
		}
		req.Messages = append(req.Messages, saveChatMessage{
			Sender:    sender,
			Text:      m.Text,
			Citations: m.Citations,
		})
	}

	return d.doJSON(ctx, http.MethodPost, "/save-chat", "", req, nil)
}

// ExportChat downloads a session transcript in the requested format ("json"
// or "txt") and returns the raw export plus its content type.
func (d DocQA) ExportChat(ctx context.Context, sessionID, format string) ([]byte, string, error) {
	jsonBody, err := json.Marshal(exportChatRequest{SessionID: sessionID, Format: format})
	if err != nil {
		return nil, "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/export-chat", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", d.statusError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("error reading response: %w", err)
	}
	return content, resp.Header.Get("Content-Type"), nil
}

// DocumentAnalysis fetches the per-document index statistics of a session.
func (d DocQA) DocumentAnalysis(ctx context.Context, sessionID string) (models.Analysis, error) {
	var res models.Analysis
	if err := d.doJSON(ctx, http.MethodGet, "/document-analysis/"+sessionID, "", nil, &res); err != nil {
		return models.Analysis{}, err
	}
	return res, nil
}

// TextToSpeech synthesizes the given text and returns the decoded audio bytes.
func (d DocQA) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	var res textToSpeechResponse
	err := d.doJSON(ctx, http.MethodPost, "/text-to-speech", "", map[string]string{"text": text}, &res)
	if err != nil {
		return nil, err
	}

	audio, err := base64.StdEncoding.DecodeString(res.Audio)
	if err != nil {
		return nil, fmt.Errorf("error decoding audio: %w", err)
	}
	return audio, nil
}

// SpeechToText transcribes an uploaded audio file.
func (d DocQA) SpeechToText(ctx context.Context, name string, audio []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("error writing form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("error closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/speech-to-text", &body)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", d.statusError(resp)
	}

	var res speechToTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	return res.Text, nil
}

// Health checks backend liveness.
func (d DocQA) Health(ctx context.Context) error {
	return d.doJSON(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (d DocQA) doJSON(ctx context.Context, method, path, token string, reqBody, resBody any) error {
	var body io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return d.statusError(resp)
	}

	if resBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(resBody); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// statusError turns a non-success response into an error, preferring the
// backend's JSON error envelope over the raw body.
func (d DocQA) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
}

func parseBackendTime(s string) time.Time {
	// The backend emits naive ISO-8601 timestamps without a zone.
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
