package upstream

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
	"time"

	"github.com/xmit-sh/mailgateway/internal/cache"
	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/metrics"
	"github.com/xmit-sh/mailgateway/internal/resilience"
)

// Config configures the Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is a typed facade over the upstream REST mailbox service. Every
// mailbox operation the gateway needs is a method here; caching and
// invalidation live inside the method bodies so the dispatcher never
// touches the cache directly.
type Client struct {
	cfg      Config
	http     *http.Client
	cache    *cache.Manager
	breakers *resilience.BreakerRegistry
	log      *logging.Logger
}

func New(cfg Config, cacheMgr *cache.Manager, log *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cacheMgr,
		log:   log,
	}
	c.breakers = resilience.NewBreakerRegistry(func(key string) resilience.BreakerConfig {
		cfg := resilience.DefaultBreakerConfig(key)
		cfg.Failed = func(err error) bool { return Retryable(err) }
		cfg.OnTransition = func(name string, from, to resilience.BreakerState) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		}
		return cfg
	})
	return c
}

// BreakerSnapshots reports the current state of every upstream-host
// circuit breaker the client has created, for the operator breaker
// status endpoint.
func (c *Client) BreakerSnapshots() map[string]resilience.BreakerSnapshot {
	return c.breakers.Snapshots()
}

func (c *Client) breakerKey() string {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return c.cfg.BaseURL
	}
	return u.Host
}

// do executes an HTTP request through the circuit breaker, with retry for
// idempotent (GET) requests, and decodes a JSON response body into out
// (which may be nil for no-body responses).
func (c *Client) do(ctx context.Context, apiKey, method, path string, query url.Values, body any, out any) error {
	breaker := c.breakers.Get(c.breakerKey())

	call := func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(b)
		}

		u := strings.TrimRight(c.cfg.BaseURL, "/") + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 {
			return classify(resp.StatusCode, string(respBody))
		}
		if out != nil && len(respBody) > 0 {
			return json.Unmarshal(respBody, out)
		}
		return nil
	}

	isIdempotent := method == http.MethodGet
	run := func(ctx context.Context) error {
		if isIdempotent {
			return withRetry(ctx, defaultRetryConfig(), func(ctx context.Context) error {
				err := call(ctx)
				if err != nil && Retryable(err) {
					metrics.UpstreamRetries.WithLabelValues(path).Inc()
				}
				return err
			})
		}
		return call(ctx)
	}

	start := time.Now()
	err := breaker.Guard(ctx, run)
	metrics.RecordUpstreamCall(path, err == nil, time.Since(start).Seconds())
	return err
}

// ValidateKey resolves an API key to its workspace id. Failures are never
// cached, so a transient upstream rejection cannot cause sticky denials.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) (string, error) {
	cacheKey := cache.KeyAPIKey(apiKey)
	var cached struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if found, _ := c.cache.GetJSON(cacheKey, &cached); found {
		return cached.WorkspaceID, nil
	}

	var resp struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := c.do(ctx, apiKey, http.MethodGet, "/api/workspaces", nil, nil, &resp); err != nil {
		return "", err
	}
	c.cache.SetMemory(cacheKey, resp, cache.TTLAPIKey)
	return resp.WorkspaceID, nil
}

// ListSenders returns every account accessible through apiKey.
func (c *Client) ListSenders(ctx context.Context, apiKey string) ([]Sender, error) {
	var senders []Sender
	if found, _ := c.cache.GetJSON(cache.KeyAllSenders(), &senders); found {
		return senders, nil
	}
	if err := c.do(ctx, apiKey, http.MethodGet, "/api/mailbox/accounts", nil, nil, &senders); err != nil {
		return nil, err
	}
	c.cache.SetMemory(cache.KeyAllSenders(), senders, cache.TTLSender)
	return senders, nil
}

// GetSenderByEmail returns the sender with the given email, or
// ErrNotFound.
func (c *Client) GetSenderByEmail(ctx context.Context, apiKey, email string) (*Sender, error) {
	cacheKey := cache.KeySenderByEmail(strings.ToLower(email))
	var cached Sender
	if found, _ := c.cache.GetJSON(cacheKey, &cached); found {
		return &cached, nil
	}

	senders, err := c.ListSenders(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	for _, s := range senders {
		if strings.EqualFold(s.Email, email) {
			c.cache.SetMemory(cacheKey, s, cache.TTLSender)
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// ListFolders returns every folder owned by senderID.
func (c *Client) ListFolders(ctx context.Context, apiKey, senderID string) ([]MailboxFolder, error) {
	key := cache.KeyFolders(senderID)
	var folders []MailboxFolder
	if found, _ := c.cache.GetJSON(key, &folders); found {
		return folders, nil
	}
	if err := c.do(ctx, apiKey, http.MethodGet, fmt.Sprintf("/api/mailbox/%s/folders", senderID), nil, nil, &folders); err != nil {
		return nil, err
	}
	c.cache.SetMemory(key, folders, cache.TTLFolders)
	return folders, nil
}

// FolderStatus returns the STATUS/SELECT summary for one folder.
func (c *Client) FolderStatus(ctx context.Context, apiKey, senderID, folder string) (*FolderStatus, error) {
	key := cache.KeyFolderStatus(senderID, folder)
	var status FolderStatus
	if found, _ := c.cache.GetJSON(key, &status); found {
		return &status, nil
	}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodGet, fmt.Sprintf("/api/mailbox/%s/folders/status", senderID), q, nil, &status); err != nil {
		return nil, err
	}
	c.cache.SetMemory(key, status, cache.TTLFolderStatus)
	return &status, nil
}

// canonicalQuery turns a MessageListOptions into a deterministic cache-key
// suffix.
func canonicalQuery(opts MessageListOptions) string {
	var parts []string
	if len(opts.UIDs) > 0 {
		uids := make([]string, len(opts.UIDs))
		for i, u := range opts.UIDs {
			uids[i] = strconv.FormatUint(uint64(u), 10)
		}
		parts = append(parts, "uids="+strings.Join(uids, ","))
	}
	if len(opts.Fields) > 0 {
		parts = append(parts, "fields="+strings.Join(opts.Fields, ","))
	}
	if opts.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", opts.Limit))
	}
	if opts.Offset > 0 {
		parts = append(parts, fmt.Sprintf("offset=%d", opts.Offset))
	}
	return strings.Join(parts, "&")
}

// ListMessages lists messages in folder, with the given field/uid/paging
// narrowing.
func (c *Client) ListMessages(ctx context.Context, apiKey, senderID, folder string, opts MessageListOptions) ([]MailboxMessage, error) {
	query := canonicalQuery(opts)
	key := cache.KeyMessages(senderID, folder)
	if query != "" {
		key = cache.KeyMessagesQuery(senderID, folder, query)
	}

	var messages []MailboxMessage
	if found, _ := c.cache.GetJSON(key, &messages); found {
		return messages, nil
	}

	q := url.Values{"folder": {folder}}
	if len(opts.UIDs) > 0 {
		uids := make([]string, len(opts.UIDs))
		for i, u := range opts.UIDs {
			uids[i] = strconv.FormatUint(uint64(u), 10)
		}
		q.Set("uids", strings.Join(uids, ","))
	}
	if len(opts.Fields) > 0 {
		q.Set("fields", strings.Join(opts.Fields, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	if err := c.do(ctx, apiKey, http.MethodGet, fmt.Sprintf("/api/mailbox/%s/folders/messages", senderID), q, nil, &messages); err != nil {
		return nil, err
	}
	c.cache.SetMemory(key, messages, cache.TTLMessages)
	return messages, nil
}

// GetMessage fetches metadata for a single message.
func (c *Client) GetMessage(ctx context.Context, apiKey, senderID, folder string, uid uint32) (*MailboxMessage, error) {
	key := cache.KeyMessage(senderID, folder, uid)
	var msg MailboxMessage
	if found, _ := c.cache.GetJSON(key, &msg); found {
		return &msg, nil
	}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodGet, fmt.Sprintf("/api/mailbox/%s/messages/%d", senderID, uid), q, nil, &msg); err != nil {
		return nil, err
	}
	c.cache.SetMemory(key, msg, cache.TTLMessages)
	return &msg, nil
}

// GetBody fetches the message body, persisted across restarts because
// bodies are immutable once a UID is assigned.
func (c *Client) GetBody(ctx context.Context, apiKey, senderID, folder string, uid uint32, peek bool) (*Body, error) {
	key := cache.KeyBody(senderID, folder, uid)
	var body Body
	if found, _ := c.cache.GetJSON(key, &body); found {
		return &body, nil
	}
	q := url.Values{"folder": {folder}}
	if peek {
		q.Set("peek", "true")
	}
	if err := c.do(ctx, apiKey, http.MethodGet, fmt.Sprintf("/api/mailbox/%s/messages/%d/body", senderID, uid), q, nil, &body); err != nil {
		return nil, err
	}
	if err := c.cache.SetPersistent(key, body, cache.TTLMessageBody); err != nil {
		c.log.Cache().WarnContext(ctx, "failed to persist message body", "error", err.Error())
	}
	return &body, nil
}

// UpdateFlags sets the message's flag list and invalidates downstream
// caches: the message itself, the folder listing, and the folder status.
func (c *Client) UpdateFlags(ctx context.Context, apiKey, senderID, folder string, uid uint32, flags []string) ([]string, error) {
	var resp struct {
		Flags []string `json:"flags"`
	}
	payload := map[string]any{"flags": flags}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodPatch, fmt.Sprintf("/api/mailbox/%s/messages/%d/flags", senderID, uid), q, payload, &resp); err != nil {
		return nil, err
	}
	if err := c.cache.InvalidateMessage(senderID, folder, uid); err != nil {
		c.log.Cache().WarnContext(ctx, "invalidation failed", "error", err.Error())
	}
	return resp.Flags, nil
}

// Copy duplicates a message into targetFolder, returning the new UID, and
// invalidates the target folder's caches.
func (c *Client) Copy(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error) {
	var resp struct {
		NewUID uint32 `json:"newUid"`
	}
	payload := map[string]any{"targetFolder": targetFolder}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/messages/%d/copy", senderID, uid), q, payload, &resp); err != nil {
		return 0, err
	}
	if err := c.cache.InvalidateFolder(senderID, targetFolder); err != nil {
		c.log.Cache().WarnContext(ctx, "invalidation failed", "error", err.Error())
	}
	return resp.NewUID, nil
}

// Move moves a message into targetFolder, returning the new UID, and
// invalidates both the source and target folder's caches.
func (c *Client) Move(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error) {
	var resp struct {
		NewUID uint32 `json:"newUid"`
	}
	payload := map[string]any{"targetFolder": targetFolder}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/messages/%d/move", senderID, uid), q, payload, &resp); err != nil {
		return 0, err
	}
	if err := c.cache.InvalidateFolder(senderID, folder); err != nil {
		c.log.Cache().WarnContext(ctx, "invalidation failed", "error", err.Error())
	}
	if err := c.cache.InvalidateFolder(senderID, targetFolder); err != nil {
		c.log.Cache().WarnContext(ctx, "invalidation failed", "error", err.Error())
	}
	return resp.NewUID, nil
}

// Append stores a new message in folder, returning its assigned UID, and
// invalidates the folder's caches.
func (c *Client) Append(ctx context.Context, apiKey, senderID, folder string, raw []byte, flags []string, date *time.Time) (uint32, error) {
	var resp struct {
		UID uint32 `json:"uid"`
	}
	payload := map[string]any{
		"message": raw,
		"flags":   flags,
	}
	if date != nil {
		payload["date"] = date.Format(time.RFC3339)
	}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/folders/append", senderID), q, payload, &resp); err != nil {
		return 0, err
	}
	if err := c.cache.InvalidateFolder(senderID, folder); err != nil {
		c.log.Cache().WarnContext(ctx, "invalidation failed", "error", err.Error())
	}
	return resp.UID, nil
}

// Send submits an outgoing message for senderID and drops that sender's
// cached folder list, since the upstream appends a copy to Sent. The Sent
// folder's cached status and message listings are not dropped.
func (c *Client) Send(ctx context.Context, apiKey, senderID string, msg OutgoingMessage) error {
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/send", senderID), nil, msg, nil); err != nil {
		return err
	}
	c.cache.Delete(cache.KeyFolders(senderID))
	return nil
}

// Delete removes (optionally expunges) a message, invalidating its
// message/listing/status caches.
func (c *Client) Delete(ctx context.Context, apiKey, senderID, folder string, uid uint32, expunge bool) error {
	q := url.Values{"folder": {folder}}
	if expunge {
		q.Set("expunge", "true")
	}
	if err := c.do(ctx, apiKey, http.MethodDelete, fmt.Sprintf("/api/mailbox/%s/messages/%d", senderID, uid), q, nil, nil); err != nil {
		return err
	}
	return c.cache.InvalidateMessage(senderID, folder, uid)
}

// Search passes criteria to the upstream unevaluated and returns matching
// UIDs. Search results are never cached.
func (c *Client) Search(ctx context.Context, apiKey, senderID, folder string, criteria []SearchCriterion) ([]uint32, error) {
	var resp struct {
		UIDs []uint32 `json:"uids"`
	}
	q := url.Values{"folder": {folder}}
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/folders/search", senderID), q, criteria, &resp); err != nil {
		return nil, err
	}
	return resp.UIDs, nil
}

// Sync forces the upstream to reconcile its view of senderID's mailbox,
// invalidating every cache entry scoped to that sender.
func (c *Client) Sync(ctx context.Context, apiKey, senderID string) error {
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/sync", senderID), nil, nil, nil); err != nil {
		return err
	}
	return c.cache.InvalidateSender(senderID)
}

// CreateFolder creates a folder under senderID, invalidating its folder
// list.
func (c *Client) CreateFolder(ctx context.Context, apiKey, senderID, name string) error {
	payload := map[string]any{"name": name}
	if err := c.do(ctx, apiKey, http.MethodPost, fmt.Sprintf("/api/mailbox/%s/folders", senderID), nil, payload, nil); err != nil {
		return err
	}
	c.cache.Delete(cache.KeyFolders(senderID))
	return nil
}

// DeleteFolder deletes a folder, invalidating its folder list.
func (c *Client) DeleteFolder(ctx context.Context, apiKey, senderID, name string) error {
	q := url.Values{"folder": {name}}
	if err := c.do(ctx, apiKey, http.MethodDelete, fmt.Sprintf("/api/mailbox/%s/folders", senderID), q, nil, nil); err != nil {
		return err
	}
	c.cache.Delete(cache.KeyFolders(senderID))
	return nil
}
