// Package rooms provisions and deletes ephemeral meeting rooms through the
// Daily REST API.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/voxflow/pkg/schema"
)

const (
	DefaultAPIURL          = "https://api.daily.co/v1"
	DefaultTTL             = 300 * time.Second
	DefaultMaxParticipants = 10

	maxErrorBody = 4 << 10
)

// Properties are the room settings sent on creation. Exp is a Unix
// timestamp after which the provider deletes the room on its own.
type Properties struct {
	Exp               int64 `json:"exp"`
	EnableChat        bool  `json:"enable_chat"`
	EnableKnocking    bool  `json:"enable_knocking"`
	EnableScreenshare bool  `json:"enable_screenshare"`
	EnableRecording   bool  `json:"enable_recording"`
	MaxParticipants   int   `json:"max_participants"`
}

// DefaultProperties returns the call-room settings: chat on, knocking,
// screenshare and recording off, expiring ttl after now.
func DefaultProperties(now time.Time, ttl time.Duration, maxParticipants int) Properties {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return Properties{
		Exp:             now.Add(ttl).Unix(),
		EnableChat:      true,
		MaxParticipants: maxParticipants,
	}
}

// CreateRequest is the room creation body.
type CreateRequest struct {
	Name       string     `json:"name,omitempty"`
	Privacy    string     `json:"privacy,omitempty"`
	Properties Properties `json:"properties"`
}

// Room is a provisioned room handle.
type Room struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Privacy   string     `json:"privacy,omitempty"`
	CreatedAt string     `json:"created_at,omitempty"`
	Config    Properties `json:"config"`
}

// ExpiresAt returns the hard expiry of the room.
func (r *Room) ExpiresAt() time.Time {
	return time.Unix(r.Config.Exp, 0).UTC()
}

// Provisioner creates and deletes rooms.
type Provisioner interface {
	CreateRoom(ctx context.Context, req CreateRequest) (*Room, error)
	DeleteRoom(ctx context.Context, name string) error
}

// Config configures the Daily client.
type Config struct {
	APIURL     string
	APIKey     string
	Domain     string
	HTTPClient *http.Client
}

// Client is a Provisioner backed by the Daily REST API.
type Client struct {
	apiURL string
	apiKey string
	domain string
	http   *http.Client
}

// NewClient creates a Daily client. The API key is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "DAILY_API_KEY is not set")
	}
	c := &Client{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		apiKey: cfg.APIKey,
		domain: cfg.Domain,
		http:   cfg.HTTPClient,
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	return c, nil
}

// CreateRoom provisions a room. The returned URL falls back to
// https://{domain}/{name} when the API omits it.
func (c *Client) CreateRoom(ctx context.Context, req CreateRequest) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &room); err != nil {
		return nil, err
	}
	if room.Name == "" {
		return nil, schema.NewError(schema.ErrCodeExternalService, "room API returned no room name")
	}
	if room.URL == "" {
		room.URL = c.RoomURL(room.Name)
	}
	if room.Config.Exp == 0 {
		room.Config = req.Properties
	}
	return &room, nil
}

// DeleteRoom deletes a room by name. A room that no longer exists counts as
// deleted.
func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "room name is required")
	}
	err := c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(name), nil, nil)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

// RoomURL builds the public URL for a room name on the configured domain.
func (c *Client) RoomURL(name string) string {
	if c.domain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/%s", c.domain, name)
}

// NameFromURL returns the last path segment of a room URL, or "" when the
// URL has none.
func NameFromURL(roomURL string) string {
	u, err := url.Parse(roomURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExternalService, "encode room request: %v", err).WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalService, "build room request: %v", err).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalService, "room API %s %s: %v", method, path, err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeNotFound, "room API %s %s: not found", method, path)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return schema.NewErrorf(schema.ErrCodeExternalService, "room API %s %s: status %d", method, path, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": strings.TrimSpace(string(msg))})
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalService, "decode room response: %v", err).WithCause(err)
	}
	return nil
}
