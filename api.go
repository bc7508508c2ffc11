package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NeboLoop/chatsync-go-sdk/call"
)

// APIClient talks to the chat REST control plane. It works independently
// of the WebSocket session; the bearer token is sent on every request.
type APIClient struct {
	base       string
	userID     string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPIClient creates a REST client. base is the service root, e.g.
// "https://chat.example.com/api"; request paths start with /chat.
func NewAPIClient(base, userID, token string, httpClient *http.Client) (*APIClient, error) {
	if base == "" {
		return nil, fmt.Errorf("api base url not configured")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id not configured")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		base:       strings.TrimRight(base, "/"),
		userID:     userID,
		token:      token,
		httpClient: httpClient,
	}, nil
}

// Base returns the REST root.
func (c *APIClient) Base() string { return c.base }

// SetToken replaces the bearer token for subsequent requests.
func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

func (c *APIClient) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.RUnlock()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends an authed request and returns the raw body of a 2xx response.
func (c *APIClient) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.authedRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat api %s %s returned %d: %s", method, path, resp.StatusCode, string(b))
	}
	return b, nil
}

// doJSON sends an authed request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	b, err := c.do(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if dest != nil && len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Presence
// --------------------------------------------------------------------------

// SetOnline marks the user online.
func (c *APIClient) SetOnline(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/online/"+url.PathEscape(c.userID), struct{}{}, nil)
}

// SetOffline marks the user offline.
func (c *APIClient) SetOffline(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/offline/"+url.PathEscape(c.userID), struct{}{}, nil)
}

// Ping refreshes the user's last-activity time.
func (c *APIClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/ping/"+url.PathEscape(c.userID), struct{}{}, nil)
}

// UserStatus returns another user's presence, e.g. "online".
func (c *APIClient) UserStatus(ctx context.Context, userID string) (string, error) {
	b, err := c.do(ctx, http.MethodPost, "/chat/user-status/"+url.PathEscape(userID), struct{}{})
	if err != nil {
		return "", err
	}
	var status string
	if json.Unmarshal(b, &status) == nil {
		return status, nil
	}
	return strings.TrimSpace(string(b)), nil
}

// --------------------------------------------------------------------------
// Conversations
// --------------------------------------------------------------------------

// Conversations lists the user's conversations.
func (c *APIClient) Conversations(ctx context.Context) ([]ConversationItem, error) {
	var resp []ConversationItem
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PrivateConversation looks up the DIRECT conversation with peerID. It
// returns nil when the pair has no history yet.
func (c *APIClient) PrivateConversation(ctx context.Context, peerID string) (*ConversationItem, error) {
	var resp ConversationItem
	path := "/chat/conversations/" + url.PathEscape(c.userID) + "/" + url.PathEscape(peerID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, nil
	}
	return &resp, nil
}

// Messages fetches one page of a conversation's history, newest first.
func (c *APIClient) Messages(ctx context.Context, conversationID string, page, size int) ([]MessageItem, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	if size > 0 {
		params.Set("size", strconv.Itoa(size))
	}
	path := "/chat/messages/" + url.PathEscape(conversationID) + "?" + params.Encode()
	var resp []MessageItem
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MarkRead marks every message from senderID to the local user as read.
func (c *APIClient) MarkRead(ctx context.Context, senderID string) error {
	path := "/chat/conversations/" + url.PathEscape(senderID) + "/" + url.PathEscape(c.userID) + "/read"
	return c.doJSON(ctx, http.MethodPut, path, struct{}{}, nil)
}

// GroupMembers lists the participant ids of a group conversation.
func (c *APIClient) GroupMembers(ctx context.Context, conversationID string) ([]string, error) {
	var resp []string
	if err := c.doJSON(ctx, http.MethodGet, "/chat/group/"+url.PathEscape(conversationID)+"/members", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Calls
// --------------------------------------------------------------------------

// InitiateCall asks the server to ring receiverID.
func (c *APIClient) InitiateCall(ctx context.Context, receiverID string, t call.Type) (*CallSessionResponse, error) {
	var resp CallSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/calls/initiate", InitiateCallRequest{
		ReceiverID: receiverID,
		CallType:   string(t),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.CallID == "" {
		return nil, fmt.Errorf("initiate call: response carries no call id")
	}
	return &resp, nil
}

func (c *APIClient) AcceptCall(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/calls/"+url.PathEscape(callID)+"/accept", nil, nil)
}

func (c *APIClient) RejectCall(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/calls/"+url.PathEscape(callID)+"/reject", nil, nil)
}

func (c *APIClient) EndCall(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat/calls/"+url.PathEscape(callID)+"/end", nil, nil)
}

// CallControl adapts the REST call endpoints to call.Controller.
func (c *APIClient) CallControl() call.Controller { return callControl{c} }

type callControl struct{ api *APIClient }

func (cc callControl) Initiate(ctx context.Context, receiverID string, t call.Type) (string, error) {
	resp, err := cc.api.InitiateCall(ctx, receiverID, t)
	if err != nil {
		return "", err
	}
	return resp.CallID, nil
}

func (cc callControl) Accept(ctx context.Context, callID string) error {
	return cc.api.AcceptCall(ctx, callID)
}

func (cc callControl) Reject(ctx context.Context, callID string) error {
	return cc.api.RejectCall(ctx, callID)
}

func (cc callControl) End(ctx context.Context, callID string) error {
	return cc.api.EndCall(ctx, callID)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// resolveAPIBase derives the REST root from the WebSocket endpoint when it
// is not configured: ws becomes http, wss becomes https, same host.
func resolveAPIBase(cfg Config) string {
	if cfg.APIEndpoint != "" {
		return strings.TrimRight(cfg.APIEndpoint, "/")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return "http://localhost:8080/api"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/api"
}
