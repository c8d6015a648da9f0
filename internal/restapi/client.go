package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// ErrUnauthorized is wrapped by APIError for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

// Config configures the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the CRM REST API. It satisfies directory.API and timeline.MessageAPI.
type Client struct {
	base       string
	token      TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, token TokenSource, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type pagination struct {
	Page    wire.Scalar `json:"page"`
	Limit   wire.Scalar `json:"limit"`
	Total   wire.Scalar `json:"total"`
	HasMore *bool       `json:"has_more"`
}

func (p pagination) page(fallbackPage, fallbackLimit, count int) (page, limit, total int, more bool) {
	page, limit = fallbackPage, fallbackLimit
	if n, ok := p.Page.Int64(); ok {
		page = int(n)
	}
	if n, ok := p.Limit.Int64(); ok {
		limit = int(n)
	}
	if n, ok := p.Total.Int64(); ok {
		total = int(n)
	}
	switch {
	case p.HasMore != nil:
		more = *p.HasMore
	case total > 0:
		more = page*limit < total
	default:
		more = limit > 0 && count >= limit
	}
	return page, limit, total, more
}

type listEnvelope[T any] struct {
	Data       []T        `json:"data"`
	Pagination pagination `json:"pagination"`
}

type itemEnvelope[T any] struct {
	Data T `json:"data"`
}

// ListConversations fetches one page of the conversation listing.
func (c *Client) ListConversations(ctx context.Context, q directory.Query) (model.Page[model.Conversation], error) {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if len(q.TagIDs) > 0 {
		tags := make([]string, len(q.TagIDs))
		for i, id := range q.TagIDs {
			tags[i] = strconv.FormatInt(id, 10)
		}
		v.Set("tag_ids", strings.Join(tags, ","))
	}
	if q.UnreadOnly {
		v.Set("unread_only", "true")
	}
	if q.Assigned != "" {
		v.Set("assigned", q.Assigned)
	}
	if q.Sort.Field != "" {
		v.Set("sort_by", string(q.Sort.Field))
	}
	if q.Sort.Order != "" {
		v.Set("sort_order", string(q.Sort.Order))
	}

	var env listEnvelope[wire.RESTConversation]
	if err := c.do(ctx, http.MethodGet, "/conversations?"+v.Encode(), nil, "", &env); err != nil {
		return model.Page[model.Conversation]{}, err
	}
	items, errs := wire.NormalizeConversations(env.Data)
	c.logSkipped("conversation", errs)

	page, limit, total, more := env.Pagination.page(q.Page, q.Limit, len(env.Data))
	return model.Page[model.Conversation]{Items: items, Page: page, Limit: limit, Total: total, HasMore: more}, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	var env itemEnvelope[wire.RESTConversation]
	if err := c.do(ctx, http.MethodGet, conversationPath(id, ""), nil, "", &env); err != nil {
		return model.Conversation{}, err
	}
	return wire.NormalizeConversation(env.Data)
}

func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, conversationPath(id, "/read"), nil, "", nil)
}

func (c *Client) MarkUnread(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, conversationPath(id, "/unread"), nil, "", nil)
}

// Assign assigns the conversation to the caller and returns the server's copy.
func (c *Client) Assign(ctx context.Context, id int64) (model.Conversation, error) {
	return c.mutateConversation(ctx, id, "/assign")
}

// Unassign releases the conversation and returns the server's copy.
func (c *Client) Unassign(ctx context.Context, id int64) (model.Conversation, error) {
	return c.mutateConversation(ctx, id, "/unassign")
}

func (c *Client) mutateConversation(ctx context.Context, id int64, action string) (model.Conversation, error) {
	var env itemEnvelope[wire.RESTConversation]
	if err := c.do(ctx, http.MethodPost, conversationPath(id, action), nil, "", &env); err != nil {
		return model.Conversation{}, err
	}
	return wire.NormalizeConversation(env.Data)
}

// ListMessages fetches one page of a conversation's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, page, limit int) (model.Page[model.Message], error) {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("limit", strconv.Itoa(limit))
	v.Set("sort_by", "timestamp")
	v.Set("sort_order", "desc")

	var env listEnvelope[wire.RESTMessage]
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages")+"?"+v.Encode(), nil, "", &env); err != nil {
		return model.Page[model.Message]{}, err
	}
	items, errs := wire.NormalizeMessages(env.Data)
	c.logSkipped("message", errs)
	for i := range items {
		if items[i].ConversationID == 0 {
			items[i].ConversationID = conversationID
		}
	}

	p, l, total, more := env.Pagination.page(page, limit, len(env.Data))
	return model.Page[model.Message]{Items: items, Page: p, Limit: l, Total: total, HasMore: more}, nil
}

// SendMessage posts a message. Attachments are sent as multipart form data.
func (c *Client) SendMessage(ctx context.Context, req timeline.SendRequest) (model.Message, error) {
	var (
		body        io.Reader
		contentType string
	)
	if len(req.Attachments) == 0 {
		payload, err := json.Marshal(map[string]string{"content": req.Content, "type": "text"})
		if err != nil {
			return model.Message{}, fmt.Errorf("encode message: %w", err)
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	} else {
		buf, ct, err := multipartBody(req)
		if err != nil {
			return model.Message{}, err
		}
		body, contentType = buf, ct
	}

	var env itemEnvelope[wire.RESTMessage]
	if err := c.do(ctx, http.MethodPost, conversationPath(req.ConversationID, "/messages"), body, contentType, &env); err != nil {
		return model.Message{}, err
	}
	m, err := wire.NormalizeMessage(env.Data)
	if err != nil {
		return model.Message{}, err
	}
	if m.ConversationID == 0 {
		m.ConversationID = req.ConversationID
	}
	return m, nil
}

func multipartBody(req timeline.SendRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("content", req.Content); err != nil {
		return nil, "", fmt.Errorf("write content field: %w", err)
	}
	for _, a := range req.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, a.Filename))
		mime := a.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		h.Set("Content-Type", mime)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, stripQuery(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: stripQuery(path), StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, stripQuery(path), err)
	}
	return nil
}

func (c *Client) logSkipped(record string, errs []error) {
	for _, err := range errs {
		c.logger.Warn("skipping malformed record", zap.String("record", record), zap.Error(err))
	}
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func conversationPath(id int64, suffix string) string {
	return "/conversations/" + strconv.FormatInt(id, 10) + suffix
}

func stripQuery(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}
