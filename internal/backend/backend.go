// Package backend is the REST client for the bee-monitor backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trymwestin/beewatch/internal/core/state"
)

// REST endpoint paths.
const (
	NotificationsPath        = "/video/notifications"
	MarkAllReadPath          = "/video/notifications/mark-all-read"
	CameraConfigPath         = "/video/camera-config"
	ExternalCameraStatusPath = "/video/external-camera-status"
)

const maxResponseBytes = 4 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// CameraConfig is the persisted role-to-device mapping.
type CameraConfig struct {
	InternalCameraID string `json:"internal_camera_id"`
	ExternalCameraID string `json:"external_camera_id"`
}

// ExternalCameraStatus reports the backend's view of the external camera.
type ExternalCameraStatus struct {
	InternalCameraID string `json:"internal_camera_id,omitempty"`
	ExternalCameraID string `json:"external_camera_id,omitempty"`
	IsRecording      bool   `json:"is_recording"`
	LastBeeStatus    string `json:"last_bee_status,omitempty"`
	StreamURL        string `json:"stream_url,omitempty"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a client for baseURL. A nil httpClient uses a client with a
// 10s timeout.
func New(baseURL string, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        log,
	}, nil
}

// BaseURL returns the REST base.
func (c *Client) BaseURL() string { return c.baseURL }

// Notifications fetches the persisted notification log.
func (c *Client) Notifications(ctx context.Context) ([]state.Notification, error) {
	body, err := c.do(ctx, http.MethodGet, NotificationsPath, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Notifications []WireNotification `json:"notifications"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("backend: decode notifications: %w", err)
	}
	out := make([]state.Notification, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		out = append(out, n.Notification())
	}
	return out, nil
}

// MarkAllRead marks every server-side notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, MarkAllReadPath, nil)
	return err
}

// DeleteAll deletes the server-side notification log.
func (c *Client) DeleteAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, NotificationsPath, nil)
	return err
}

// CameraConfig fetches the persisted role selections.
func (c *Client) CameraConfig(ctx context.Context) (CameraConfig, error) {
	var cfg CameraConfig
	body, err := c.do(ctx, http.MethodGet, CameraConfigPath, nil)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return cfg, fmt.Errorf("backend: decode camera config: %w", err)
	}
	return cfg, nil
}

// SaveCameraConfig persists role selections.
func (c *Client) SaveCameraConfig(ctx context.Context, cfg CameraConfig) error {
	_, err := c.do(ctx, http.MethodPost, CameraConfigPath, cfg)
	return err
}

// ExternalCameraStatus fetches the backend's external camera state.
func (c *Client) ExternalCameraStatus(ctx context.Context) (ExternalCameraStatus, error) {
	var st ExternalCameraStatus
	body, err := c.do(ctx, http.MethodGet, ExternalCameraStatusPath, nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return st, fmt.Errorf("backend: decode external camera status: %w", err)
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody interface{}) ([]byte, error) {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	c.log.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode)
	return data, nil
}

// WireNotification is a notification as the backend encodes it. The id
// may be a number or a string.
type WireNotification struct {
	ID        FlexID `json:"id"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Notification converts to the domain type.
func (w WireNotification) Notification() state.Notification {
	return state.Notification{
		ID:        string(w.ID),
		EventType: w.EventType,
		Message:   w.Message,
		Timestamp: w.Timestamp,
		Read:      w.Read,
	}
}

// FlexID accepts JSON strings and numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("backend: id %s: %w", b, err)
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexID(n.String())
	return nil
}
