package backend

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Handle identifies a submitted job on the backend
type Handle string

// PollState is the coarse state of a submitted job
type PollState int

const (
	StatePending PollState = iota
	StateDone
	StateFailed
	StateUnknown
)

func (s PollState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ImageRef points at one output image on the backend
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the output of one graph node
type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

// HistoryStatus is the execution status block of a history entry
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// StatusPayload is one history entry
type StatusPayload struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// FirstImage returns the first image output, scanning nodes in key order
func (p *StatusPayload) FirstImage() (ImageRef, bool) {
	if p == nil {
		return ImageRef{}, false
	}
	keys := make([]string, 0, len(p.Outputs))
	for k := range p.Outputs {
		keys = append(keys, k)
	}
	sortNodeKeys(keys)

	for _, k := range keys {
		for _, img := range p.Outputs[k].Images {
			if img.Filename != "" && (img.Type == "" || img.Type == "output") {
				return img, true
			}
		}
	}
	return ImageRef{}, false
}

// ErrorText extracts the exception message from an errored entry
func (p *StatusPayload) ErrorText() string {
	for _, raw := range p.Status.Messages {
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var body struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &body); err == nil && body.ExceptionMessage != "" {
			if body.NodeType != "" {
				return body.NodeType + ": " + strings.TrimSpace(body.ExceptionMessage)
			}
			return strings.TrimSpace(body.ExceptionMessage)
		}
	}
	return p.Status.StatusStr
}

// ClientOptions configures the HTTP client
type ClientOptions struct {
	BaseURL        string
	ClientID       string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to a ComfyUI-compatible HTTP API
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

// NewClient creates a backend client
func NewClient(opts ClientOptions) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		clientID:   opts.ClientID,
	}
}

// Health reports whether the backend answers its stats endpoint
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Error      json.RawMessage `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// Submit posts a graph and returns its handle
func (c *Client) Submit(ctx context.Context, graph json.RawMessage) (Handle, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrSubmission, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	var out submitResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && len(out.Error) > 0 {
			return "", fmt.Errorf("%w: http %d: %s", ErrSubmission, resp.StatusCode, compact(out.Error))
		}
		return "", fmt.Errorf("%w: http %d", ErrSubmission, resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSubmission, decodeErr)
	}
	if strings.TrimSpace(out.PromptID) == "" {
		return "", fmt.Errorf("%w: empty prompt_id", ErrSubmission)
	}
	return Handle(out.PromptID), nil
}

// Poll reports the state of a submitted job. A transport failure is returned
// as a plain error with StateUnknown.
func (c *Client) Poll(ctx context.Context, h Handle) (PollState, *StatusPayload, error) {
	var history map[string]StatusPayload
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(string(h)), &history); err != nil {
		return StateUnknown, nil, err
	}

	if entry, ok := history[string(h)]; ok {
		entry := entry
		if entry.Status.StatusStr == "error" {
			return StateFailed, &entry, fmt.Errorf("%w: %s", ErrExecutionFailed, entry.ErrorText())
		}
		if entry.Status.Completed || entry.Status.StatusStr == "success" {
			return StateDone, &entry, nil
		}
		return StatePending, &entry, nil
	}

	listed, err := c.inQueue(ctx, h)
	if err != nil {
		return StateUnknown, nil, err
	}
	if listed {
		return StatePending, nil, nil
	}
	return StateUnknown, nil, nil
}

type queueResponse struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

func (c *Client) inQueue(ctx context.Context, h Handle) (bool, error) {
	var q queueResponse
	if err := c.getJSON(ctx, "/queue", &q); err != nil {
		return false, err
	}
	for _, group := range [][][]json.RawMessage{q.Running, q.Pending} {
		for _, entry := range group {
			if len(entry) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(entry[1], &id); err == nil && id == string(h) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Fetch downloads an output image
func (c *Client) Fetch(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: http %d", ref.Filename, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.Filename, err)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: http %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// sortNodeKeys puts numeric node ids first in numeric order, then the rest
// lexically
func sortNodeKeys(keys []string) {
	slices.SortFunc(keys, compareNodeKeys)
}

func compareNodeKeys(a, b string) int {
	da, db := isDigits(a), isDigits(b)
	switch {
	case da && db:
		// digit strings of equal length compare lexically as numbers do
		if c := cmp.Compare(len(a), len(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case da:
		return -1
	case db:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
