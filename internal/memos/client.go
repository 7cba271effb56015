// Package memos is a thin client for the Memos REST API: create a text
// memo, upload an attachment, create a memo carrying one attachment.
// Operations are independently fallible and never retried; the relay
// decides what a failure means for the user.
package memos

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultNoteTimeout   = 30 * time.Second
	defaultUploadTimeout = 60 * time.Second
)

// Client talks to one Memos instance with bearer-token auth.
type Client struct {
	baseURL     string
	accessToken string
	defaultTags []string

	noteClient   *http.Client // memo creation (30s default)
	uploadClient *http.Client // attachment upload carries larger payloads (60s default)
	logger       *slog.Logger
}

// ClientConfig configures the Memos client.
type ClientConfig struct {
	BaseURL       string
	AccessToken   string
	DefaultTags   []string
	NoteTimeout   time.Duration
	UploadTimeout time.Duration
	Logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.NoteTimeout <= 0 {
		cfg.NoteTimeout = defaultNoteTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		accessToken:  cfg.AccessToken,
		defaultTags:  cfg.DefaultTags,
		noteClient:   newHTTPClient(cfg.NoteTimeout),
		uploadClient: newHTTPClient(cfg.UploadTimeout),
		logger:       cfg.Logger,
	}
}

// createMemoRequest matches the POST /api/v1/memos body.
type createMemoRequest struct {
	Content     string          `json:"content"`
	Visibility  string          `json:"visibility,omitempty"`
	Attachments []attachmentRef `json:"attachments,omitempty"`
}

type attachmentRef struct {
	Name string `json:"name"`
}

// createAttachmentRequest matches the POST /api/v1/attachments body.
type createAttachmentRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64 (URL-safe alphabet)
	Type     string `json:"type"`
}

// namedResponse is the shared response shape: both memos and attachments
// come back with a resource name like "memos/42".
type namedResponse struct {
	Name string `json:"name"`
}

// CreateTextNote creates a plain memo and returns its ID (the trailing path
// segment of the resource name). Configured default tags are appended to
// the body on a new line.
func (c *Client) CreateTextNote(ctx context.Context, body string) (string, error) {
	content := body
	if tags := c.tagLine(); tags != "" {
		content = body + "\n" + tags
	}

	name, err := c.postJSON(ctx, c.noteClient, "/api/v1/memos", createMemoRequest{Content: content})
	if err != nil {
		return "", fmt.Errorf("create memo: %w", err)
	}
	return trailingID(name), nil
}

// UploadAttachment reads the file at filePath and uploads it under fileName.
// The returned identifier is the service-assigned resource name, used
// verbatim when attaching to a memo.
func (c *Client) UploadAttachment(ctx context.Context, filePath, fileName string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(fileName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	req := createAttachmentRequest{
		Filename: fileName,
		Content:  base64.URLEncoding.EncodeToString(data),
		Type:     mimeType,
	}

	name, err := c.postJSON(ctx, c.uploadClient, "/api/v1/attachments", req)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	return name, nil
}

// CreateNoteWithAttachment creates a private memo carrying a single
// attachment. An empty body yields tag-only content with no leading blank
// line.
func (c *Client) CreateNoteWithAttachment(ctx context.Context, body, attachmentID string) (string, error) {
	content := body
	if tags := c.tagLine(); tags != "" {
		if body == "" {
			content = tags
		} else {
			content = body + "\n" + tags
		}
	}

	req := createMemoRequest{
		Content:     content,
		Visibility:  "PRIVATE",
		Attachments: []attachmentRef{{Name: attachmentID}},
	}

	name, err := c.postJSON(ctx, c.noteClient, "/api/v1/memos", req)
	if err != nil {
		return "", fmt.Errorf("create memo with attachment: %w", err)
	}
	return trailingID(name), nil
}

// Healthy probes the instance with an authenticated request. Used by the
// status command; the relay itself never pre-checks.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/memos?pageSize=1", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	resp, err := c.noteClient.Do(req)
	if err != nil {
		return fmt.Errorf("memos not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("memos returned status %d", resp.StatusCode)
	}
	return nil
}

// postJSON sends one JSON POST and parses the name field out of the response.
func (c *Client) postJSON(ctx context.Context, client *http.Client, path string, payload any) (string, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("memos request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("memos returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result namedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("memos response missing name field")
	}
	return result.Name, nil
}

// tagLine renders the default tags as "#a #b" or "" when none configured.
func (c *Client) tagLine() string {
	if len(c.defaultTags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.defaultTags))
	for _, tag := range c.defaultTags {
		parts = append(parts, "#"+tag)
	}
	return strings.Join(parts, " ")
}

// trailingID extracts the ID from a resource name like "memos/42".
func trailingID(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
