package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/internal/common/logger"
	"go.uber.org/zap"
)

// RequestHandler handles incoming control requests from the CLI.
// It receives the request ID and control request, and is expected to call
// SendControlResponse eventually (the CLI blocks until it does).
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the CLI.
type MessageHandler func(msg *CLIMessage)

// ErrClientClosed is returned for control calls after Stop.
var ErrClientClosed = errors.New("claudecode: client closed")

// ErrControlTimeout is returned when the CLI does not answer a control
// request within its deadline.
var ErrControlTimeout = errors.New("claudecode: control request timed out")

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes control messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	// Control requests we sent, waiting for the CLI's responses.
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new Claude Code CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		done:            make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client and fails all pending control correlations.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.failPending("client closed")
	})
}

// Control sends a control request to the CLI and waits for the matching
// control_response, up to timeout. Used for initialize, interrupt,
// set_permission_mode and set_model.
func (c *Client) Control(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	select {
	case <-c.done:
		return nil, ErrClientClosed
	default:
	}

	requestID := uuid.New().String()
	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	case <-timer.C:
		c.logger.Warn("control request timed out",
			zap.String("subtype", body.Subtype),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w: %s after %v", ErrControlTimeout, body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// Interrupt asks the CLI to stop the current operation.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.Control(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SendControlResponse sends a control response for a request the CLI made.
// Only the nested shape is emitted, with request_id inside the response.
func (c *Client) SendControlResponse(requestID string, payload any) error {
	return c.send(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	})
}

// SendControlError sends an error control response for a request the CLI made.
func (c *Client) SendControlError(requestID, message string) error {
	return c.send(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	})
}

// SendUserMessage sends a user message (prompt) to the CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
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

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

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
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	c.failPending("stream closed")
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message",
			zap.Error(err),
			zap.String("line", preview(line)))
		return
	}

	switch msg.Type {
	case MessageTypeKeepAlive:
		return

	case MessageTypeControlRequest:
		if msg.Request != nil {
			c.handleControlRequest(msg.RequestID, msg.Request)
			return
		}

	case MessageTypeControlResponse:
		if msg.Response != nil {
			c.handleControlResponse(msg.Response)
			return
		}
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		// Keep the raw line for tracing and vendor-specific parsing.
		msg.RawContent = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("received control request but no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.SendControlError(requestID, "no handler registered"); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		// Responses without a matching request are logged and dropped.
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", resp.RequestID))
	}
}

// failPending resolves every outstanding control correlation with an error.
func (c *Client) failPending(reason string) {
	c.pendingRequestsMu.Lock()
	defer c.pendingRequestsMu.Unlock()
	for id, pending := range c.pendingRequests {
		select {
		case pending.ch <- &IncomingControlResponse{Subtype: "error", RequestID: id, Error: reason}:
		default:
		}
		delete(c.pendingRequests, id)
	}
}

func preview(line []byte) string {
	const max = 200
	if len(line) > max {
		return string(line[:max])
	}
	return string(line)
}
