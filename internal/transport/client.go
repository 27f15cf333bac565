package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client performs blocking request/response round trips against one
// endpoint. Every Send uses a fresh connection, so a Client is safe for
// concurrent use.
type Client struct {
	addr          string
	maxFrameBytes int
	dialTimeout   time.Duration
	logger        *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithMaxFrameBytes overrides DefaultMaxFrameBytes.
func WithMaxFrameBytes(n int) ClientOption {
	return func(c *Client) { c.maxFrameBytes = n }
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client for a host:port endpoint.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:          addr,
		maxFrameBytes: DefaultMaxFrameBytes,
		dialTimeout:   10 * time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the endpoint.
func (c *Client) Addr() string {
	return c.addr
}

// Send validates req, performs one round trip and checks the response
// shape. A failure marker from the server is returned as an error wrapping
// ErrRemote. Cancelling ctx aborts the round trip.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	var resp Response
	err = WriteFrame(conn, req, c.maxFrameBytes)
	if err == nil {
		err = ReadFrame(conn, &resp, c.maxFrameBytes)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if _, ok := ctx.Deadline(); ok {
				return Response{}, fmt.Errorf("round trip to %s: %w", c.addr, context.DeadlineExceeded)
			}
			return Response{}, fmt.Errorf("round trip to %s timed out: %w", c.addr, err)
		}
		return Response{}, fmt.Errorf("round trip to %s: %w", c.addr, err)
	}

	c.logger.Debug("round trip",
		zap.String("request_id", req.ID),
		zap.Bool("batched", req.Batched),
		zap.Duration("elapsed", time.Since(start)))

	if err := resp.Check(req); err != nil {
		return resp, err
	}
	return resp, nil
}

// Send performs one round trip with a default Client.
func Send(ctx context.Context, addr string, req Request) (Response, error) {
	return NewClient(addr).Send(ctx, req)
}
