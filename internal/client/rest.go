package client

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

	"coursechat/pkg/types"
)

// ReadResult mirrors the server's mark-read reply.
type ReadResult struct {
	Updated int `json:"updated"`
	Unread  int `json:"unread"`
}

// RESTClient calls the chat REST endpoints with a bearer token.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient targets baseURL (e.g. http://localhost:8080). A nil
// httpClient gets a 15s timeout.
func NewRESTClient(baseURL, token string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *RESTClient) StudentHistory(ctx context.Context) ([]*types.Message, error) {
	var msgs []*types.Message
	err := c.do(ctx, http.MethodGet, "/api/chat/messages", nil, &msgs)
	return msgs, err
}

func (c *RESTClient) StudentSend(ctx context.Context, req types.SendRequest) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) StudentMarkRead(ctx context.Context) (*ReadResult, error) {
	var res ReadResult
	if err := c.do(ctx, http.MethodPatch, "/api/chat/messages/read", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RESTClient) StudentUnread(ctx context.Context) (int, error) {
	var res struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/api/chat/unread", nil, &res)
	return res.Unread, err
}

func (c *RESTClient) AdminList(ctx context.Context, search string) ([]*types.ConversationSummary, error) {
	path := "/api/admin/chat/conversations"
	if search != "" {
		path += "?search=" + url.QueryEscape(search)
	}
	var summaries []*types.ConversationSummary
	err := c.do(ctx, http.MethodGet, path, nil, &summaries)
	return summaries, err
}

func conversationPath(id, suffix string) string {
	return "/api/admin/chat/conversations/" + url.PathEscape(id) + suffix
}

// AdminHistory loads a conversation; the server marks the student's messages read.
func (c *RESTClient) AdminHistory(ctx context.Context, conversationID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil, &msgs)
	return msgs, err
}

func (c *RESTClient) AdminSend(ctx context.Context, conversationID string, req types.SendRequest) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) AdminMarkRead(ctx context.Context, conversationID string) (*ReadResult, error) {
	var res ReadResult
	if err := c.do(ctx, http.MethodPatch, conversationPath(conversationID, "/read"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
