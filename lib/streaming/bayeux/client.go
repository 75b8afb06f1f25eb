// Package bayeux is a long-polling Bayeux 1.0 client.
package bayeux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/recordwatch/lib/auth"
	"github.com/fiffu/recordwatch/lib/streaming"
	"go.uber.org/zap"
)

type Config struct {
	// Path of the endpoint on the identity's instance, e.g. /cometd/59.0.
	Path               string
	LongPollTimeout    time.Duration
	MaxConnectFailures int
	RetryInterval      time.Duration
}

type Client struct {
	log       *zap.Logger
	transport http.RoundTripper
	cfg       Config

	mu        sync.Mutex
	identity  auth.Identity
	clientID  string
	connected bool
	handlers  map[string]streaming.Handler
	sink      streaming.ControlSink

	cancel   context.CancelFunc
	loopDone chan struct{}
}

func New(log *zap.Logger, transport http.RoundTripper, cfg Config) *Client {
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 120 * time.Second
	}
	if cfg.MaxConnectFailures <= 0 {
		cfg.MaxConnectFailures = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Client{
		log:       log,
		transport: transport,
		cfg:       cfg,
		handlers:  map[string]streaming.Handler{},
	}
}

func NewDialer(log *zap.Logger, transport http.RoundTripper, cfg Config) streaming.Dialer {
	return func() (streaming.Transport, error) {
		return New(log, transport, cfg), nil
	}
}

// Handshake negotiates a new client id and starts the connect loop. Calling it
// again replaces the previous session.
func (c *Client) Handshake(ctx context.Context, identity auth.Identity, sink streaming.ControlSink) error {
	c.stopLoop()

	c.mu.Lock()
	c.identity = identity
	c.sink = sink
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.loopDone = cancel, done
	c.mu.Unlock()

	go c.connectLoop(loopCtx, done)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	req := newMessage(channelHandshake)
	req.Version = version
	req.MinimumVersion = version
	req.SupportedConnectionTypes = []string{connectionType}

	batch, err := c.send(ctx, req)
	if err != nil {
		if rejected(err) {
			return fmt.Errorf("%w: %w", streaming.ErrSessionInvalidated, err)
		}
		return err
	}

	reply, _ := split(batch, channelHandshake)
	switch {
	case reply == nil:
		return errors.New("handshake: no reply")
	case reply.sessionRejected():
		return fmt.Errorf("%w: %s", streaming.ErrSessionInvalidated, reply.Error)
	case !reply.Successful:
		return fmt.Errorf("handshake: %s", reply.Error)
	}

	c.mu.Lock()
	c.clientID = reply.ClientID
	c.connected = true
	c.mu.Unlock()

	c.log.Sugar().Infow("Bayeux handshake complete", "client_id", reply.ClientID)
	return nil
}

func (c *Client) connectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	fail := func(ev streaming.ControlEvent) bool {
		failures++
		if failures > c.cfg.MaxConnectFailures {
			c.setConnected(false)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlClosed, Err: ev.Err})
			return false
		}
		c.emit(ctx, ev)
		return c.pause(ctx)
	}

	for ctx.Err() == nil {
		req := newMessage(channelConnect)
		req.ClientID = c.currentClientID()
		req.ConnectionType = connectionType

		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.LongPollTimeout)
		batch, err := c.send(pollCtx, req)
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			// Idle long poll.
			continue
		case rejected(err):
			c.setConnected(false)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlSessionInvalidated, Err: err})
			return
		case err != nil:
			if !fail(streaming.ControlEvent{Kind: streaming.ControlConnectFailed, Err: err}) {
				return
			}
			continue
		}

		reply, data := split(batch, channelConnect)
		if reply == nil {
			if !fail(streaming.ControlEvent{Kind: streaming.ControlConnectFailed, Err: errors.New("connect: no reply")}) {
				return
			}
			continue
		}

		if reply.Successful {
			failures = 0
			c.setConnected(true)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlConnected})
			c.dispatch(data)
			continue
		}

		replyErr := fmt.Errorf("connect: %s", reply.Error)
		switch {
		case reply.sessionRejected():
			c.setConnected(false)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlSessionInvalidated, Err: replyErr})
			return

		case reply.reconnect() == reconnectNone:
			c.setConnected(false)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlClosed, Err: replyErr})
			return

		case reply.reconnect() == reconnectHandshake:
			c.setConnected(false)
			c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlConnectFailed, Rehandshaking: true, Err: replyErr})
			if err := c.handshake(ctx); err != nil {
				if errors.Is(err, streaming.ErrSessionInvalidated) {
					c.emit(ctx, streaming.ControlEvent{Kind: streaming.ControlSessionInvalidated, Err: err})
					return
				}
				if !fail(streaming.ControlEvent{Kind: streaming.ControlConnectFailed, Rehandshaking: true, Err: err}) {
					return
				}
			}

		default:
			if !fail(streaming.ControlEvent{Kind: streaming.ControlConnectFailed, Err: replyErr}) {
				return
			}
		}
	}
}

func (c *Client) pause(ctx context.Context) bool {
	select {
	case <-time.After(c.cfg.RetryInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) dispatch(data []message) {
	for _, m := range data {
		c.mu.Lock()
		h, ok := c.handlers[m.Channel]
		c.mu.Unlock()
		if !ok {
			c.log.Sugar().Debugw("Dropping message for unattached channel", "channel", m.Channel)
			continue
		}
		h(&streaming.Message{Channel: m.Channel, Data: m.Data, ReceivedAt: time.Now().UTC()})
	}
}

func (c *Client) Attach(ctx context.Context, channel string, h streaming.Handler) error {
	if !c.IsConnected() {
		return streaming.ErrNotConnected
	}

	c.mu.Lock()
	c.handlers[channel] = h
	c.mu.Unlock()

	req := newMessage(channelSubscribe)
	req.ClientID = c.currentClientID()
	req.Subscription = channel
	if err := c.roundTrip(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.handlers, channel)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (c *Client) Detach(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	req := newMessage(channelUnsubscribe)
	req.ClientID = c.currentClientID()
	req.Subscription = channel
	if err := c.roundTrip(ctx, req); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the connect loop and ends the server session if one is live.
func (c *Client) Close(ctx context.Context) error {
	c.stopLoop()

	var err error
	if c.IsConnected() {
		req := newMessage(channelDisconnect)
		req.ClientID = c.currentClientID()
		err = c.roundTrip(ctx, req)
	}

	c.mu.Lock()
	c.connected = false
	c.clientID = ""
	c.handlers = map[string]streaming.Handler{}
	c.mu.Unlock()
	return err
}

func (c *Client) stopLoop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.loopDone
	c.cancel, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// roundTrip sends one meta message and checks its reply.
func (c *Client) roundTrip(ctx context.Context, req message) error {
	batch, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	reply, _ := split(batch, req.Channel)
	switch {
	case reply == nil:
		return fmt.Errorf("%s: no reply", req.Channel)
	case !reply.Successful:
		return fmt.Errorf("%s: %s", req.Channel, reply.Error)
	}
	return nil
}

func (c *Client) send(ctx context.Context, msgs ...message) ([]message, error) {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()

	var batch []message
	err := requests.URL(c.endpoint(id)).
		Transport(c.transport).
		Bearer(id.SessionID).
		Header("X-Tenant-Id", id.TenantID).
		BodyJSON(msgs).
		ToJSON(&batch).
		Fetch(ctx)
	return batch, err
}

func (c *Client) endpoint(id auth.Identity) string {
	return strings.TrimRight(id.InstanceURL, "/") + c.cfg.Path
}

func (c *Client) emit(ctx context.Context, ev streaming.ControlEvent) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(ctx, ev)
	}
}

func (c *Client) currentClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func rejected(err error) bool {
	return requests.HasStatusErr(err, http.StatusUnauthorized, http.StatusForbidden)
}
