package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/loomlabs/loom/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClientClosed is returned for calls after Stop.
var ErrClientClosed = errors.New("codex: client closed")

// Client handles Codex JSON-RPC communication over stdin/stdout streams.
// Unlike standard JSON-RPC 2.0, Codex omits the "jsonrpc":"2.0" field.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new Codex JSON-RPC client
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// Start begins reading responses from stdout
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and fails outstanding calls.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Initialize performs the handshake the app-server expects before any
// other call.
func (c *Client) Initialize(ctx context.Context, info *ClientInfo) (*InitializeResult, error) {
	resp, err := c.Call(ctx, MethodInitialize, &InitializeParams{ClientInfo: info})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize failed: %s", resp.Error.Message)
	}
	var result InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse initialize result: %w", err)
		}
	}
	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListThreads returns one page of threads. Listing omits turns; use
// ReadThread to hydrate a thread's messages.
func (c *Client) ListThreads(ctx context.Context, cursor string, limit int) (*ThreadListResult, error) {
	resp, err := c.Call(ctx, MethodThreadList, &ThreadListParams{Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("thread/list failed: %s", resp.Error.Message)
	}
	var result ThreadListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse thread list: %w", err)
	}
	return &result, nil
}

// ListAllThreads walks the cursor until the server reports no next page.
func (c *Client) ListAllThreads(ctx context.Context) ([]Thread, error) {
	var all []Thread
	cursor := ""
	for {
		page, err := c.ListThreads(ctx, cursor, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Threads...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// ReadThread hydrates a single thread including its turns.
func (c *Client) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	resp, err := c.Call(ctx, MethodThreadRead, &ThreadReadParams{ThreadID: threadID})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("thread/read failed: %s", resp.Error.Message)
	}
	var result ThreadReadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse thread: %w", err)
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	return result.Thread, nil
}

// Call sends a request and waits for a response
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{Method: method, Params: paramsJSON}
	return c.send(notif)
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasMethod && !hasID:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		case hasID && hasMethod:
			// Server-initiated requests (approvals) never happen in
			// read-only use; refuse them rather than hang the server.
			resp := &Response{ID: msg.ID, Error: &Error{Code: MethodNotFound, Message: "Method not found"}}
			if err := c.send(resp); err != nil {
				c.logger.Warn("failed to refuse server request", zap.Error(err))
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
