package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiffu/recordwatch/lib/auth"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

const closeTimeout = 10 * time.Second

type SessionConfig struct {
	HandshakeTimeout time.Duration
	MaxRenewAttempts int
	RenewDelay       time.Duration
	Clock            clock.Clock

	// OnFailure is called when the session gives up and goes Disconnected
	// without being asked to.
	OnFailure func(error)
}

// Session owns at most one transport handle and keeps the registry's
// subscriptions attached to it. All transitions run on one goroutine.
type Session struct {
	log      *zap.Logger
	registry *Registry
	auth     auth.Provider
	dial     Dialer
	metrics  *metrics.Metrics
	cfg      SessionConfig

	inbox   chan any
	done    chan struct{}
	cancel  context.CancelFunc
	running atomic.Bool

	mu      sync.RWMutex
	m       machine
	lastErr error

	// Owned by the run loop.
	transport  Transport
	generation int
	attached   []string
}

type connectRequest struct {
	reply chan error
}

type unsubscribeRequest struct {
	channel string
	reply   chan error
}

type disconnectRequest struct {
	reply chan error
}

type controlNotice struct {
	generation int
	event      ControlEvent
	done       chan struct{}
}

func NewSession(log *zap.Logger, registry *Registry, provider auth.Provider, dial Dialer, m *metrics.Metrics, cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.MaxRenewAttempts < 1 {
		cfg.MaxRenewAttempts = 1
	}
	if cfg.RenewDelay <= 0 {
		cfg.RenewDelay = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Session{
		log:      log,
		registry: registry,
		auth:     provider,
		dial:     dial,
		metrics:  m,
		cfg:      cfg,
		inbox:    make(chan any),
		done:     make(chan struct{}),
	}
}

func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)
	go s.run(ctx)
}

// Stop releases the transport and waits for the run loop to exit.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.state
}

// LastError is the most recent handshake or renewal failure, cleared once a
// handshake succeeds.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) Registry() *Registry {
	return s.registry
}

// Subscribe registers channel and makes sure a handshake has been attempted.
// The subscription stays registered when the handshake fails.
func (s *Session) Subscribe(ctx context.Context, channel string, h Handler) error {
	s.registry.Add(channel, h)
	return s.Connect(ctx)
}

// Connect handshakes if disconnected, and attaches pending subscriptions.
func (s *Session) Connect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) any { return connectRequest{reply} })
}

// Unsubscribe forgets channel and detaches it from the live transport, if
// any. It never fails on a session that is not running.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	s.registry.Remove(channel)
	if !s.running.Load() {
		return nil
	}
	err := s.request(ctx, func(reply chan error) any { return unsubscribeRequest{channel, reply} })
	if errors.Is(err, ErrSessionStopped) {
		return nil
	}
	return err
}

// Disconnect releases the transport. Subscriptions stay registered as pending
// and are attached again by the next Connect.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) any { return disconnectRequest{reply} })
}

func (s *Session) request(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- build(reply):
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionStopped
	}
}

// sink returns the ControlSink handed to one handshake. Notices from an older
// handshake are dropped by the run loop.
func (s *Session) sink(generation int) ControlSink {
	return func(ctx context.Context, ev ControlEvent) {
		notice := controlNotice{generation, ev, make(chan struct{})}
		select {
		case s.inbox <- notice:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}

		select {
		case <-notice.done:
		case <-ctx.Done():
		case <-s.done:
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			s.fire(closeCtx, triggerDisconnect)
			cancel()
			return

		case req := <-s.inbox:
			s.handleRequest(ctx, req)
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, req any) {
	switch req := req.(type) {
	case connectRequest:
		req.reply <- s.fire(ctx, triggerConnect)

	case unsubscribeRequest:
		req.reply <- s.detach(ctx, req.channel)

	case disconnectRequest:
		req.reply <- s.fire(ctx, triggerDisconnect)

	case controlNotice:
		defer close(req.done)
		if req.generation != s.generation || s.transport == nil {
			return
		}
		s.handleControl(ctx, req.event)

	default:
		s.log.Sugar().Warnw("Unrecognized session request", "type", fmt.Sprintf("%T", req))
	}
}

func (s *Session) handleControl(ctx context.Context, ev ControlEvent) {
	switch ev.Kind {
	case ControlConnected:
		s.fire(ctx, triggerConnectOK)

	case ControlConnectFailed:
		if ev.Rehandshaking {
			s.log.Sugar().Infow("Transport is rehandshaking, subscriptions will be replayed", "err", ev.Err)
			s.fire(ctx, triggerRehandshaking)
			return
		}
		s.log.Sugar().Warnw("Connect cycle failed", "err", ev.Err)
		s.fire(ctx, triggerConnectFailed)

	case ControlSessionInvalidated:
		s.log.Sugar().Warnw("Transport session invalidated, renewing", "err", ev.Err)
		s.fire(ctx, triggerSessionInvalid)

	case ControlClosed:
		s.log.Sugar().Warnw("Transport closed", "err", ev.Err)
		s.setLastError(ev.Err)
		s.fire(ctx, triggerTransportClosed)
		s.failed(ev.Err)
	}
}

// fire applies one transition and executes its actions in order.
func (s *Session) fire(ctx context.Context, t trigger) error {
	s.mu.Lock()
	from := s.m
	next, actions := from.next(t)
	s.m = next
	s.mu.Unlock()

	if from.state != next.state {
		s.log.Sugar().Infow("Session transition", "from", from.state, "to", next.state, "trigger", t)
		s.metrics.SessionTransitions.WithLabelValues(from.state.String(), next.state.String()).Inc()
		s.metrics.SessionState.Set(float64(next.state))
	}

	for _, a := range actions {
		if err := s.execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) execute(ctx context.Context, a action) error {
	switch a {
	case doHandshake:
		return s.handshakeFromIdle(ctx)
	case doAttachPending:
		s.attachPending(ctx)
	case doReplayAttached:
		s.replayAttached(ctx)
	case doRenew:
		return s.renew(ctx)
	case doClose:
		s.release(ctx)
	}
	return nil
}

func (s *Session) handshakeFromIdle(ctx context.Context) error {
	id, err := s.auth.CurrentIdentity(ctx)
	if err == nil {
		err = s.handshake(ctx, id)
	}
	if errors.Is(err, ErrSessionInvalidated) {
		s.log.Sugar().Infow("Handshake rejected the session, renewing", "err", err)
		err = s.renewAndHandshake(ctx)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		s.setLastError(err)
		s.fire(ctx, triggerHandshakeFailed)
		return err
	}

	s.setLastError(nil)
	return s.fire(ctx, triggerHandshakeOK)
}

func (s *Session) renew(ctx context.Context) error {
	if err := s.renewAndHandshake(ctx); err != nil {
		err = fmt.Errorf("%w: renewal failed: %w", ErrSessionInvalidated, err)
		s.setLastError(err)
		s.log.Sugar().Errorw("Session renewal failed", "err", err)
		s.fire(ctx, triggerRenewFailed)
		s.failed(err)
		return err
	}

	s.setLastError(nil)
	return s.fire(ctx, triggerHandshakeOK)
}

// renewAndHandshake retries renewal plus handshake a bounded number of times.
func (s *Session) renewAndHandshake(ctx context.Context) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			id, err := s.auth.Renew(ctx)
			if err != nil {
				return err
			}
			return s.handshake(ctx, id)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, auth.ErrRenewUnsupported) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			s.log.Sugar().Warnw("Session renewal attempt failed", "attempt", attempt, "err", err)
		},
		Attempts:    s.cfg.MaxRenewAttempts,
		Delay:       s.cfg.RenewDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		s.metrics.Renewals.WithLabelValues("failed").Inc()
		return retry.LastError(err)
	}
	s.metrics.Renewals.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) handshake(ctx context.Context, id auth.Identity) error {
	if s.transport == nil {
		t, err := s.dial()
		if err != nil {
			return err
		}
		s.transport = t
	}

	s.generation++
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	return s.transport.Handshake(hctx, id, s.sink(s.generation))
}

func (s *Session) attachPending(ctx context.Context) {
	if s.transport == nil {
		return
	}
	for _, sub := range s.registry.Pending() {
		if err := s.transport.Attach(ctx, sub.Channel, s.dispatch(sub.Channel)); err != nil {
			s.log.Sugar().Warnw("Failed to attach channel", "channel", sub.Channel, "err", err)
			continue
		}
		s.registry.MarkConnected(sub.Channel)
		if !slices.Contains(s.attached, sub.Channel) {
			s.attached = append(s.attached, sub.Channel)
		}
		s.log.Sugar().Infow("Attached channel", "channel", sub.Channel)
	}
}

func (s *Session) replayAttached(ctx context.Context) {
	if s.transport == nil {
		return
	}
	replayed := s.attached[:0]
	for _, channel := range s.attached {
		if _, ok := s.registry.Get(channel); !ok {
			continue
		}
		if err := s.transport.Attach(ctx, channel, s.dispatch(channel)); err != nil {
			// Left pending for the next connect cycle.
			s.log.Sugar().Warnw("Failed to replay channel", "channel", channel, "err", err)
			s.registry.MarkPending(channel)
			continue
		}
		s.registry.MarkConnected(channel)
		s.metrics.Resubscriptions.Inc()
		replayed = append(replayed, channel)
	}
	s.attached = replayed
}

func (s *Session) detach(ctx context.Context, channel string) error {
	i := slices.Index(s.attached, channel)
	if i < 0 {
		return nil
	}
	s.attached = slices.Delete(s.attached, i, i+1)

	if s.transport == nil || !s.transport.IsConnected() {
		return nil
	}
	if err := s.transport.Detach(ctx, channel); err != nil {
		s.log.Sugar().Warnw("Failed to detach channel", "channel", channel, "err", err)
		return err
	}
	return nil
}

// release closes the transport handle. Attached subscriptions become pending.
func (s *Session) release(ctx context.Context) {
	if s.transport != nil {
		if err := s.transport.Close(ctx); err != nil {
			s.log.Sugar().Warnw("Error closing transport", "err", err)
		}
		s.transport = nil
	}
	s.generation++
	s.attached = nil
	s.registry.MarkAllPending()
}

// dispatch looks the handler up on delivery so a re-added channel gets its
// newest handler.
func (s *Session) dispatch(channel string) Handler {
	return func(msg *Message) {
		sub, ok := s.registry.Get(channel)
		if !ok || sub.Handler == nil {
			return
		}
		s.metrics.InboundMessages.WithLabelValues(channel).Inc()
		sub.Handler(msg)
	}
}

func (s *Session) failed(err error) {
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(err)
	}
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
