// Package client is the thin REST client the chat client uses to seed its
// Conversation Store from the relay's history endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/models"
)

type HistoryClient struct {
	baseURL string
	http    *http.Client
}

func NewHistoryClient(baseURL string, timeout time.Duration) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Conversations lists the caller's conversations, most recent first.
func (c *HistoryClient) Conversations(ctx context.Context, token string) ([]models.ConversationSummary, error) {
	var resp models.ConversationsResponse
	if err := c.get(ctx, token, "/v1/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// Messages returns up to limit messages of a conversation in relay order.
func (c *HistoryClient) Messages(ctx context.Context, token, conversationID string, limit int) ([]models.MessagePayload, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp models.MessagesResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, token, path, q, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// IssueToken asks the relay for a development token.
func (c *HistoryClient) IssueToken(ctx context.Context, userID, displayName string) (models.TokenResponse, error) {
	body, err := json.Marshal(models.TokenRequest{UserID: userID, DisplayName: displayName})
	if err != nil {
		return models.TokenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token", bytes.NewReader(body))
	if err != nil {
		return models.TokenResponse{}, apperr.Internal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out models.TokenResponse
	if err := c.do(req, &out); err != nil {
		return models.TokenResponse{}, err
	}
	return out, nil
}

func (c *HistoryClient) get(ctx context.Context, token, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperr.Internal("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *HistoryClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.NetworkUnreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperr.AuthRejected(fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, msg))
		case http.StatusNotFound:
			return apperr.NotFound(req.URL.Path, nil)
		case http.StatusBadRequest:
			return apperr.InvalidRequest(msg, nil)
		default:
			return apperr.Internal(fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, msg), nil)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Protocol("decode response", err)
	}
	return nil
}
