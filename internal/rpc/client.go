package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"whatsapp-funnel/internal/entities"
)

// retryConfig is the "small bounded retry with jitter" spec §7 asks for
// on transient RPC 5xx/network failures — a much shorter ladder than
// an external API client needs, since the state store is on the same
// network as the worker.
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
}

var defaultRetry = retryConfig{maxAttempts: 3, initialDelay: 100 * time.Millisecond, maxDelay: 1 * time.Second, factor: 2.0}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	retry   retryConfig
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   defaultRetry,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set(InternalSecretHeader, c.secret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			if !c.retryable(attempt) {
				break
			}
			c.wait(ctx, attempt)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%s %s: read response: %w", method, path, readErr)
			break
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s %s: server error %d: %s", method, path, resp.StatusCode, string(respBody))
			if attempt < c.retry.maxAttempts {
				log.Warn().Str("path", path).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("rpc transient failure, retrying")
				c.wait(ctx, attempt)
				continue
			}
			break
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) retryable(attempt int) bool { return attempt < c.retry.maxAttempts }

func (c *Client) wait(ctx context.Context, attempt int) {
	backoff := float64(c.retry.initialDelay) * math.Pow(c.retry.factor, float64(attempt-1))
	if backoff > float64(c.retry.maxDelay) {
		backoff = float64(c.retry.maxDelay)
	}
	jitter := backoff * 0.2 * rand.Float64()
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(backoff + jitter)):
	}
}

func (c *Client) ConversationByPhone(ctx context.Context, tenantID, phone string) (entities.Conversation, error) {
	var conv entities.Conversation
	q := url.Values{"tenant": {tenantID}, "phone": {phone}}
	err := c.do(ctx, http.MethodGet, "/conversations/by-phone", q, nil, &conv)
	return conv, err
}

func (c *Client) GetConversation(ctx context.Context, id string) (entities.Conversation, error) {
	var conv entities.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, nil, &conv)
	return conv, err
}

func (c *Client) PatchConversation(ctx context.Context, id string, patch ConversationPatch) (entities.Conversation, error) {
	var conv entities.Conversation
	err := c.do(ctx, http.MethodPatch, "/conversations/"+id, nil, patch, &conv)
	return conv, err
}

func (c *Client) PostIncoming(ctx context.Context, req IncomingMessageRequest) (IncomingMessageResponse, error) {
	var resp IncomingMessageResponse
	err := c.do(ctx, http.MethodPost, "/messages/incoming", nil, req, &resp)
	return resp, err
}

func (c *Client) PostOutgoing(ctx context.Context, req OutgoingMessageRequest) (entities.Message, error) {
	var msg entities.Message
	err := c.do(ctx, http.MethodPost, "/messages/outgoing", nil, req, &msg)
	return msg, err
}

func (c *Client) DueFollowups(ctx context.Context, now time.Time) ([]entities.Conversation, error) {
	var resp DueFollowupsResponse
	q := url.Values{"now": {strconv.FormatInt(now.Unix(), 10)}}
	err := c.do(ctx, http.MethodGet, "/conversations/due-followups", q, nil, &resp)
	return resp.Conversations, err
}

func (c *Client) IncrementFollowupCount(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/followup-increment", nil, nil, nil)
}

func (c *Client) RecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error) {
	var resp RecentMessagesResponse
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", q, nil, &resp)
	return resp.Messages, err
}

func (c *Client) GetTenant(ctx context.Context, id string) (entities.Tenant, error) {
	var t entities.Tenant
	err := c.do(ctx, http.MethodGet, "/tenants/"+id, nil, nil, &t)
	return t, err
}

func (c *Client) TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (entities.Tenant, error) {
	var t entities.Tenant
	q := url.Values{"phone_number_id": {phoneNumberID}}
	err := c.do(ctx, http.MethodGet, "/tenants/by-phone-number-id", q, nil, &t)
	return t, err
}

func (c *Client) Send(ctx context.Context, req SendRequest) error {
	return c.do(ctx, http.MethodPost, "/messages/send", nil, req, nil)
}

func (c *Client) EmitEvent(ctx context.Context, req ObserverEventRequest) error {
	return c.do(ctx, http.MethodPost, "/observer/events", nil, req, nil)
}

func (c *Client) ResetState(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/reset-state", nil, nil, nil)
}

// ConstantTimeEqual compares a presented secret against the configured
// one without leaking timing information, used server-side to
// authenticate the X-Internal-Secret header (spec §6).
func ConstantTimeEqual(presented, configured string) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
