// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package client talks to a single Kasa device over TCP.
//
// Every method returns either nil or one of the pkg/errors variants:
// connection and socket failures are TransportError, unparseable replies are
// DecodeError, non-zero err_code sections are DeviceError, and argument
// validation failures are GenericError.
//
// A Client holds no connection between calls. Each Send dials, writes one
// frame, reads one frame and closes, which is what the devices expect.
// Commands are never retried.
package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
	"github.com/ayourtch/tplinker/pkg/logger"
	"github.com/ayourtch/tplinker/pkg/metrics"
	"github.com/ayourtch/tplinker/protocol"
)

const (
	// DefaultPort is the TCP port Kasa devices listen on.
	DefaultPort = protocol.DefaultPort

	defaultTimeout = 5 * time.Second
)

// Dialer opens connections to devices. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client sends commands to one device.
type Client struct {
	addr         string
	timeout      time.Duration
	maxFrameSize int
	dialer       Dialer
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds one request/response exchange, dial included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxFrameSize bounds the size of a response frame.
func WithMaxFrameSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithRateLimit limits commands to r per second with the given burst.
// Plugs stop answering when flooded.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithBreaker opens a circuit after the given number of consecutive transport
// failures and keeps it open for openTimeout. Device and decode failures do
// not count, since the device answered.
func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		if failures == 0 {
			return
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        c.addr,
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !tperr.IsTransportError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("device", name).Str("from", from.String()).Str("to", to.String()).
					Msg("Device circuit breaker state changed")
				metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			},
		})
	}
}

// New creates a client for host, which may omit the port.
func New(host string, opts ...Option) *Client {
	c := &Client{
		addr:         withDefaultPort(host),
		timeout:      defaultTimeout,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		dialer:       &net.Dialer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the host:port the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Send performs one request/response exchange and returns the parsed reply.
// Section status codes are not inspected; use Response.Section or Check.
func (c *Client) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	requestID := uuid.NewString()
	calls := req.Calls()
	for _, call := range calls {
		metrics.CommandsTotal.WithLabelValues(call.Module, call.Method).Inc()
	}

	payload, err := req.Marshal()
	if err != nil {
		return nil, c.fail(requestID, tperr.Errorf("cannot encode request: %v", err))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(requestID, tperr.NewTransportError(err))
		}
	}

	start := time.Now()
	resp, err := c.execute(ctx, payload)
	metrics.CommandDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(requestID, err)
	}

	logger.Debug().
		Str("request_id", requestID).
		Str("device", c.addr).
		Int("calls", len(calls)).
		Dur("duration", time.Since(start)).
		Msg("Device exchange complete")
	return resp, nil
}

func (c *Client) execute(ctx context.Context, payload []byte) (protocol.Response, error) {
	if c.breaker == nil {
		return c.exchange(ctx, payload)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.exchange(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, tperr.NewTransportError(err)
	}
	if err != nil {
		return nil, err
	}
	return out.(protocol.Response), nil
}

// exchange is the only place that touches the network. Failures before a
// full frame is read are transport failures; failures after are decode failures.
func (c *Client) exchange(ctx context.Context, payload []byte) (protocol.Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, tperr.NewTransportError(err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, tperr.NewTransportError(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteFrame(conn, payload); err != nil {
		return nil, tperr.NewTransportError(err)
	}

	data, err := protocol.ReadFrame(conn, c.maxFrameSize)
	if err != nil {
		return nil, tperr.NewTransportError(err)
	}

	resp, err := protocol.ParseResponse(data)
	if err != nil {
		return nil, tperr.NewDecodeError(err)
	}
	return resp, nil
}

// fail classifies err, counts it and logs it at debug level.
func (c *Client) fail(requestID string, err error) error {
	classified := tperr.Classify(err)
	metrics.CommandErrors.WithLabelValues(classified.Kind().String()).Inc()
	ev := logger.ErrorFields(logger.Debug(), classified).Str("device", c.addr)
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	ev.Msg("Device command failed")
	return classified
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
