// Package gemini is a minimal client for the Google AI generateContent
// streaming endpoint, authenticated with a plain API key.
//
// A call sends a short chat history followed by one user message and
// concatenates the text parts of every server-sent event in the reply.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultBaseURL is the public Google AI endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// APIVersion is the path segment placed before /models.
	APIVersion = "v1beta"
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gemini-1.5-flash"
	// DefaultTimeout bounds one complete streamed call.
	DefaultTimeout = 5 * time.Minute

	// scannerBuffer is the largest single SSE line accepted.
	scannerBuffer = 16 << 20
)

// Roles used in chat history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of a chat history.
type Message struct {
	Role string
	Text string
}

// Config configures a Client.
type Config struct {
	// BaseURL overrides DefaultBaseURL (tests point it at httptest).
	BaseURL string
	// Model is the model name without the "models/" prefix.
	Model string
	// Timeout bounds a whole call including the streamed body.
	Timeout time.Duration
	// Proxy is an explicit proxy URL. Empty means HTTP(S)_PROXY from the environment.
	Proxy string
	// Temperature is sent in generationConfig when > 0.
	Temperature float64
}

// Client talks to the streaming generateContent endpoint.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	http        *http.Client
}

// NewClient builds a client, filling defaults for empty fields.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       strings.TrimPrefix(cfg.Model, "models/"),
		temperature: cfg.Temperature,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.http = makeHTTPClient(cfg.Proxy, timeout)
	return c
}

// Model returns the model the client sends requests to.
func (c *Client) Model() string { return c.model }

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	// Message is error.message from the body, or the raw body when absent.
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API returned status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether err means the key is throttled or out of
// quota. Besides HTTP 429 it matches the wording the API and intermediate
// proxies use in error text.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests")
}

// StreamChat sends history followed by prompt as a user turn and returns
// the concatenated reply text.
func (c *Client) StreamChat(ctx context.Context, apiKey string, history []Message, prompt string) (string, error) {
	body, err := c.buildRequest(history, prompt)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, APIVersion, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return "", newAPIError(resp.StatusCode, data)
	}

	return readStream(resp.Body)
}

func (c *Client) buildRequest(history []Message, prompt string) ([]byte, error) {
	body := []byte(`{"contents":[]}`)
	var err error
	turns := append(append([]Message(nil), history...), Message{Role: RoleUser, Text: prompt})
	for _, m := range turns {
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		body, err = sjson.SetBytes(body, "contents.-1", map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Text}},
		})
		if err != nil {
			return nil, err
		}
	}
	if c.temperature > 0 {
		body, err = sjson.SetBytes(body, "generationConfig.temperature", c.temperature)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// readStream concatenates candidate text from an SSE body. An error object
// inside the stream is returned as *APIError.
func readStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, scannerBuffer)

	var out strings.Builder
	for scanner.Scan() {
		payload := jsonPayload(scanner.Bytes())
		if payload == nil {
			continue
		}
		if e := gjson.GetBytes(payload, "error"); e.Exists() {
			code := int(e.Get("code").Int())
			if code == 0 {
				code = http.StatusInternalServerError
			}
			return "", newAPIError(code, payload)
		}
		gjson.GetBytes(payload, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			out.WriteString(part.Get("text").String())
			return true
		})
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("reading stream: %w", err)
	}
	return out.String(), nil
}

// jsonPayload strips SSE framing from one line and returns the JSON object
// it carries, or nil.
func jsonPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

func newAPIError(status int, body []byte) *APIError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = truncate(strings.TrimSpace(string(body)), 500)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg, Body: body}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func makeHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
