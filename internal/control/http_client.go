package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/state"
)

// HTTPClient talks to a running searchguard API.
type HTTPClient struct {
	base   string
	apiKey string
	ids    IDGenerator
	http   *http.Client
	stream *http.Client
	logger *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	IDs     IDGenerator
	Logger  *zap.Logger
}

// NewHTTPClient returns a client for the API at cfg.BaseURL.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("control: base url is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("control: id generator is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPClient{
		base:   base,
		apiKey: cfg.APIKey,
		ids:    cfg.IDs,
		http:   &http.Client{Timeout: cfg.Timeout},
		stream: &http.Client{},
		logger: cfg.Logger,
	}, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, string, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	id, err := c.ids.NewID()
	if err != nil {
		return nil, "", fmt.Errorf("request id: %w", err)
	}
	req.Header.Set("X-Request-ID", id)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, id, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (Ack, error) {
	req, id, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return Ack{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Ack{}, classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, fmt.Errorf("%w: decode %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if ack.RequestID == "" {
		ack.RequestID = id
	}
	if resp.StatusCode >= http.StatusBadRequest || !ack.OK() {
		return ack, fmt.Errorf("%w: %s (status %d)", ErrRejected, ack.Error, resp.StatusCode)
	}
	return ack, nil
}

// classify maps transport failures onto ErrTimeout or ErrUnavailable.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// GetState implements Client.
func (c *HTTPClient) GetState(ctx context.Context) (state.Configuration, error) {
	ack, err := c.do(ctx, http.MethodGet, "/v1/state", nil)
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// SetState implements Client.
func (c *HTTPClient) SetState(ctx context.Context, patch state.Patch) (state.Configuration, error) {
	ack, err := c.do(ctx, http.MethodPatch, "/v1/state", patch)
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// IncrementBlockedCount implements Client.
func (c *HTTPClient) IncrementBlockedCount(ctx context.Context) (state.Configuration, error) {
	ack, err := c.do(ctx, http.MethodPost, "/v1/state/blocked", nil)
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// BlockAndRedirect implements Client.
func (c *HTTPClient) BlockAndRedirect(ctx context.Context, req BlockRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/block", req)
	return err
}

// Call sends an arbitrary JSON request and decodes the Ack. It backs the CLI
// commands that map onto settings endpoints.
func (c *HTTPClient) Call(ctx context.Context, method, path string, body any) (Ack, error) {
	return c.do(ctx, method, path, body)
}

// Subscribe opens the server-sent event stream of configuration changes.
func (c *HTTPClient) Subscribe(ctx context.Context) (<-chan state.Change, error) {
	req, _, err := c.newRequest(ctx, http.MethodGet, "/v1/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: event stream status %d", ErrUnavailable, resp.StatusCode)
	}

	out := make(chan state.Change, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		err := ReadEvents(resp.Body, func(change state.Change) bool {
			select {
			case out <- change:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("event stream ended", zap.Error(err))
		}
	}()
	return out, nil
}

// ReadEvents parses "change" events from a server-sent event stream and hands
// each to fn until fn returns false or the stream ends.
func ReadEvents(r io.Reader, fn func(state.Change) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 && (event == "" || event == "change") {
				var change state.Change
				if err := json.Unmarshal([]byte(data.String()), &change); err != nil {
					return fmt.Errorf("decode change event: %w", err)
				}
				if !fn(change) {
					return nil
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// WriteEvent writes one change in the format ReadEvents parses.
func WriteEvent(w io.Writer, change state.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write change event: %w", err)
	}
	return nil
}
