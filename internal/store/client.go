package store

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
)

const (
	accountsTable = "whatsapp_accounts"
	messagesTable = "messages"
	warmupTable   = "warmup_peers"
	mediaBucket   = "chat-media"
)

// Client talks to the external persistent store over its REST surface.
// One client is built per initialize call from the caller-supplied URL and
// key; the supervisor never owns store credentials itself.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// New creates a store client for the given endpoint.
func New(storeURL, storeKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(storeURL, "/"),
		key:     storeKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// AccountPatch is a partial update of a tenant row. Nil fields are omitted
// so concurrent writers only touch the columns they own (last-write-wins on
// the status field is accepted, see the liveness sweep).
type AccountPatch struct {
	Status          *string `json:"status,omitempty"`
	QRCode          *string `json:"qr_code,omitempty"`
	LastConnectedAt *string `json:"last_connected_at,omitempty"`
	UpdatedAt       *string `json:"updated_at,omitempty"`
}

func strPtr(s string) *string { return &s }

func nowRFC3339() *string {
	s := time.Now().UTC().Format(time.RFC3339)
	return &s
}

// UpdateAccount applies a partial update to the tenant row.
func (c *Client) UpdateAccount(ctx context.Context, accountID string, patch AccountPatch) error {
	if patch.UpdatedAt == nil {
		patch.UpdatedAt = nowRFC3339()
	}
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s", c.baseURL, accountsTable, url.QueryEscape(accountID))
	return c.do(ctx, http.MethodPatch, endpoint, patch, nil)
}

// SavePendingQR persists a fresh QR payload and flips the account to pending.
func (c *Client) SavePendingQR(ctx context.Context, accountID, qrImage string) error {
	return c.UpdateAccount(ctx, accountID, AccountPatch{
		Status: strPtr("pending"),
		QRCode: strPtr(qrImage),
	})
}

// MarkConnected records a completed login and clears the QR payload.
func (c *Client) MarkConnected(ctx context.Context, accountID string) error {
	return c.UpdateAccount(ctx, accountID, AccountPatch{
		Status:          strPtr("connected"),
		QRCode:          strPtr(""),
		LastConnectedAt: nowRFC3339(),
	})
}

// MarkDisconnected resets the tenant to disconnected, clearing any stale QR.
func (c *Client) MarkDisconnected(ctx context.Context, accountID string) error {
	return c.UpdateAccount(ctx, accountID, AccountPatch{
		Status: strPtr("disconnected"),
		QRCode: strPtr(""),
	})
}

// TouchUpdatedAt bumps the change-notification marker so observers polling
// updated_at see that post-ready work (profile apply, history sync) finished.
func (c *Client) TouchUpdatedAt(ctx context.Context, accountID string) error {
	return c.UpdateAccount(ctx, accountID, AccountPatch{})
}

// GetProxyServer returns the raw proxy_server JSON for a tenant, or nil when
// no proxy is assigned.
func (c *Client) GetProxyServer(ctx context.Context, accountID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s&select=proxy_server", c.baseURL, accountsTable, url.QueryEscape(accountID))

	var rows []struct {
		ProxyServer json.RawMessage `json:"proxy_server"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0].ProxyServer) == 0 {
		return nil, nil
	}
	return rows[0].ProxyServer, nil
}

// ProfileSettings are externally configured profile fields applied to a live
// session on ready, best-effort.
type ProfileSettings struct {
	DisplayName string `json:"display_name"`
	StatusText  string `json:"status_text"`
	PictureURL  string `json:"picture_url"`
}

// GetProfileSettings fetches the tenant's configured profile, or nil when
// none is set.
func (c *Client) GetProfileSettings(ctx context.Context, accountID string) (*ProfileSettings, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s&select=display_name,status_text,picture_url", c.baseURL, accountsTable, url.QueryEscape(accountID))

	var rows []ProfileSettings
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if rows[0].DisplayName == "" && rows[0].StatusText == "" && rows[0].PictureURL == "" {
		return nil, nil
	}
	return &rows[0], nil
}

// GetWarmupPeers returns the phone numbers designated as internal warm-up
// traffic for a tenant. Messages to or from these peers are never persisted.
func (c *Client) GetWarmupPeers(ctx context.Context, accountID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?account_id=eq.%s&select=phone_number", c.baseURL, warmupTable, url.QueryEscape(accountID))

	var rows []struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, row.PhoneNumber)
	}
	return peers, nil
}

// MessageKey is the deduplication key for message rows.
type MessageKey struct {
	AccountID   string
	PhoneNumber string
	Body        string
	SentAt      time.Time
	Direction   string // "incoming" | "outgoing"
}

// MessageRecord is a persisted message row.
type MessageRecord struct {
	AccountID   string `json:"account_id"`
	PhoneNumber string `json:"phone_number"`
	ContactName string `json:"contact_name,omitempty"`
	Body        string `json:"message"`
	Direction   string `json:"direction"`
	SentAt      string `json:"sent_at"`
	Read        bool   `json:"read"`
	MediaURL    string `json:"media_url,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
}

// ExistingMessage is the slice of a stored row the sync engine needs.
type ExistingMessage struct {
	ID   int64 `json:"id"`
	Read bool  `json:"read"`
}

// FindMessage looks up a message row by its dedup key. Returns nil when no
// matching row exists.
func (c *Client) FindMessage(ctx context.Context, key MessageKey) (*ExistingMessage, error) {
	endpoint := fmt.Sprintf(
		"%s/rest/v1/%s?account_id=eq.%s&phone_number=eq.%s&message=eq.%s&sent_at=eq.%s&direction=eq.%s&select=id,read",
		c.baseURL, messagesTable,
		url.QueryEscape(key.AccountID),
		url.QueryEscape(key.PhoneNumber),
		url.QueryEscape(key.Body),
		url.QueryEscape(key.SentAt.UTC().Format(time.RFC3339)),
		url.QueryEscape(key.Direction),
	)

	var rows []ExistingMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// InsertMessage inserts a new message row.
func (c *Client) InsertMessage(ctx context.Context, rec MessageRecord) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, messagesTable)
	return c.do(ctx, http.MethodPost, endpoint, rec, nil)
}

// SetMessageRead updates only the read flag of an existing row.
func (c *Client) SetMessageRead(ctx context.Context, id int64, read bool) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%d", c.baseURL, messagesTable, id)
	return c.do(ctx, http.MethodPatch, endpoint, map[string]bool{"read": read}, nil)
}

// UploadMedia stores a media blob in the object store and returns its public
// reference.
func (c *Client) UploadMedia(ctx context.Context, objectPath string, data []byte, mimeType string) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, mediaBucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("media upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, mediaBucket, objectPath), nil
}

// FetchURL downloads an arbitrary URL (profile pictures configured by the
// dashboard). Capped at 5 MB.
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 5<<20))
}

func (c *Client) setAuth(req *http.Request) {
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out == nil {
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode store response: %w", err)
		}
	}
	return nil
}
