package models

import "time"

// Credential is the explicit session object carried by every authenticated
// backend call. It is written once at login, loaded at startup, and deleted
// at logout; nothing reads it ambiently.
type Credential struct {
	Token     string
	UserID    string
	Username  string
	CreatedAt time.Time
}

// Analysis summarizes the indexed corpus of one chat session, as reported by
// the backend's document-analysis endpoint.
type Analysis struct {
	DocumentCount int                        `json:"document_count"`
	SourceCount   int                        `json:"source_count"`
	Sources       map[string][]DocumentChunk `json:"sources"`
}

// DocumentChunk is one indexed page excerpt inside an Analysis.
type DocumentChunk struct {
	Source         string `json:"source"`
	Page           int    `json:"page"`
	ContentPreview string `json:"content_preview"`
}

// Upload carries one file destined for the backend's indexing endpoint.
type Upload struct {
	Name    string
	Content []byte
}
