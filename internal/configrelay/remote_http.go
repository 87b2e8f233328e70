package configrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TokenProvider loads the current valid remote-service tokens. An empty
// token or an error means "not connected"; the engine surfaces that as a
// connection error and never retries it itself.
type TokenProvider func(ctx context.Context) (string, error)

// StaticTokenProvider returns the same token on every call.
func StaticTokenProvider(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

const remotePageSize = 100

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

type RemoteHTTPOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PageSize      int
}

// HTTPRemoteStore talks to the remote bookmarks-style service. Transient
// failures (429, 5xx, transport errors) are retried with capped
// exponential backoff, honoring Retry-After.
type HTTPRemoteStore struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	pageSize      int
}

func NewHTTPRemoteStore(opts RemoteHTTPOptions) *HTTPRemoteStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.bookmarkhub.dev"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = remotePageSize
	}
	return &HTTPRemoteStore{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		pageSize:      pageSize,
	}
}

type remoteCollection struct {
	ID    int64  `json:"_id"`
	Title string `json:"title"`
}

type remoteItemPayload struct {
	ID         int64  `json:"_id"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	Note       string `json:"note"`
	LastUpdate string `json:"lastUpdate"`
}

func (c *HTTPRemoteStore) EnsureCollection(ctx context.Context, title string) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, ErrInvalidInput
	}
	want := NormalizeTitle(title)
	for _, path := range []string{"/v1/collections", "/v1/collections/childrens"} {
		var out struct {
			Items []remoteCollection `json:"items"`
		}
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return 0, err
		}
		for _, collection := range out.Items {
			if NormalizeTitle(collection.Title) == want {
				return collection.ID, nil
			}
		}
	}
	var created struct {
		Item remoteCollection `json:"item"`
	}
	body := map[string]any{"title": title, "public": false}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/collection", body, &created); err != nil {
		return 0, err
	}
	if created.Item.ID == 0 {
		return 0, &HTTPError{StatusCode: http.StatusOK, Message: "collection create returned no id"}
	}
	return created.Item.ID, nil
}

func (c *HTTPRemoteStore) IndexItems(ctx context.Context, collectionID int64) (map[string]RemoteItem, error) {
	index := map[string]RemoteItem{}
	for page := 0; ; page++ {
		var out struct {
			Items []remoteItemPayload `json:"items"`
		}
		path := fmt.Sprintf("/v1/items/%d?perpage=%d&page=%d", collectionID, c.pageSize, page)
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			key := NormalizeTitle(item.Title)
			if key == "" {
				continue
			}
			if _, exists := index[key]; exists {
				continue
			}
			index[key] = remoteItemFromPayload(item)
		}
		if len(out.Items) < c.pageSize {
			return index, nil
		}
	}
}

func (c *HTTPRemoteStore) UpsertItem(ctx context.Context, collectionID int64, existing *RemoteItem, title, link, note string) error {
	if existing != nil && existing.ID > 0 {
		body := map[string]any{"title": title, "link": link, "note": note}
		return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/v1/item/%d", existing.ID), body, nil)
	}
	body := map[string]any{
		"collectionId": collectionID,
		"title":        title,
		"link":         link,
		"note":         note,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/item", body, nil)
}

func remoteItemFromPayload(p remoteItemPayload) RemoteItem {
	item := RemoteItem{
		ID:    p.ID,
		Title: p.Title,
		Link:  p.Link,
		Note:  p.Note,
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(p.LastUpdate)); err == nil {
		item.LastUpdate = ts
	}
	return item
}

func (c *HTTPRemoteStore) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	if c == nil {
		return ErrInvalidInput
	}
	if c.tokenProvider == nil {
		return ErrNotConnected
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNotConnected
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	url := c.baseURL + requestPath

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(respBody))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *HTTPRemoteStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
