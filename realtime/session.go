// Package realtime maintains the single subscription session a chatsync client
// holds against the backend's realtime endpoint.
//
// The session survives credential expiry: an unauthorized notification triggers
// a token refresh followed by a silent reset (new transport, every active
// subscription replayed with fresh operation ids). A refresh that yields no new
// credential, or too many refreshes in a row, ends in a forced logout.
//
//	s := realtime.New(realtime.Config{Endpoint: endpoint}, provider,
//		realtime.WithUnsync(svc.Unsync))
//	s.OnMessage(func(ev realtime.MessageEvent) { ... })
//	if err := s.Connect(ctx); err != nil { ... }
//	sub, err := s.Subscribe(ctx, realtime.Operation{Query: q}, nil)
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/auth"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

var (
	ErrClosed       = errors.New("realtime: session closed")
	ErrUnauthorized = errors.New("realtime: authorization could not be recovered")

	errHandshakeUnauthorized = errors.New("realtime: handshake rejected as unauthorized")
)

// ============================================================================
// Configuration
// ============================================================================

type Config struct {
	// Endpoint is the realtime websocket URL without query parameters.
	Endpoint string
	// Host goes into the handshake header; defaults to the endpoint host.
	Host string

	// MaxRecoveryAttempts bounds consecutive refreshes that each produced a
	// new token before the session gives up.
	MaxRecoveryAttempts int

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// ConnectionTimeout is how long the transport may stay silent. The server
	// overrides it in connection_ack.
	ConnectionTimeout time.Duration
	AckTimeout        time.Duration
}

func (c *Config) defaults() {
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 300 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.Host == "" {
		if u, err := url.Parse(c.Endpoint); err == nil {
			c.Host = u.Host
		}
	}
}

// State represents the session state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRecovering   State = "recovering"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithUnsync registers the callback that drops all local state after an
// unrecoverable authorization failure.
func WithUnsync(fn func(ctx context.Context) error) Option {
	return func(s *Session) { s.unsync = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger.With().Str("component", "realtime").Logger() }
}

// ============================================================================
// Session
// ============================================================================

// Operation is a GraphQL subscription.
type Operation struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Subscription is an active subscription. It is replayed after every reset
// until Unsubscribe.
type Subscription struct {
	s       *Session
	key     uint64
	op      Operation
	handler func(MessageEvent)
	wireID  string
}

// Session is the realtime session. All methods are safe for concurrent use.
type Session struct {
	cfg        Config
	creds      auth.CredentialProvider
	dialer     Dialer
	unsync     func(ctx context.Context) error
	logger     zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	ctx    context.Context
	cancel context.CancelFunc

	// resetMu serializes every transport swap from dial to activate. It is
	// taken before frameMu and mu.
	resetMu sync.Mutex
	// frameMu is held while one inbound frame is handled and while a reset
	// swaps transports.
	frameMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    Conn
	connSeq uint64
	timeout time.Duration
	subs    map[uint64]*Subscription
	byWire  map[string]*Subscription
	nextSub uint64
	closed  bool
	err     error

	previousToken string
	attempts      int
	inFlight      bool
	escalated     bool
}

// New creates a disconnected session.
func New(cfg Config, creds auth.CredentialProvider, opts ...Option) *Session {
	cfg.defaults()
	s := &Session{
		cfg:     cfg,
		creds:   creds,
		dialer:  WSDialer{},
		logger:  zerolog.Nop(),
		state:   StateDisconnected,
		timeout: cfg.ConnectionTimeout,
		subs:    make(map[uint64]*Subscription),
		byWire:  make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dispatcher = newEventDispatcher(s.logger)
	s.recon = newReconnector(&s.cfg)
	return s
}

// OnOpen registers a handler for a transport opened by Connect, Reconnect or
// auto-reconnect. Silent resets do not fire it.
func (s *Session) OnOpen(h func()) { s.dispatcher.addOpen(h) }

// OnClose registers a handler for transport loss and session close.
func (s *Session) OnClose(h func(CloseEvent)) { s.dispatcher.addClose(h) }

// OnMessage registers a handler for every subscription delivery.
func (s *Session) OnMessage(h func(MessageEvent)) { s.dispatcher.addMessage(h) }

// OnRecovery registers a handler for credential recovery progress.
func (s *Session) OnRecovery(h func(RecoveryEvent)) { s.dispatcher.addRecovery(h) }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect opens the transport and replays registered subscriptions.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.recon.reset()
	s.mu.Unlock()

	err := s.dial(ctx)
	switch {
	case err == nil, errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, errHandshakeUnauthorized):
		if rerr := s.recoverAuth(); rerr != nil {
			s.setDisconnected()
			return rerr
		}
		if cerr := s.Err(); cerr != nil {
			return cerr
		}
		return nil
	case errors.Is(err, ErrMalformedFrame):
		s.fail(err)
		return err
	default:
		s.setDisconnected()
		return err
	}
}

// Reconnect tears the transport down, opens a new one and replays every
// active subscription.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.reset(ctx, false); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			s.fail(err)
		} else if !errors.Is(err, ErrClosed) {
			s.setDisconnected()
		}
		return err
	}
	return nil
}

// Close closes the session permanently. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.shutdown(CloseEvent{Reason: "client close"})
	return nil
}

// Subscribe registers op. If the session is connected the start frame is sent
// right away; otherwise it goes out on the next connect.
func (s *Session) Subscribe(ctx context.Context, op Operation, handler func(MessageEvent)) (*Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSub++
	sub := &Subscription{s: s, key: s.nextSub, op: op, handler: handler}
	s.subs[sub.key] = sub

	var conn Conn
	var data []byte
	var err error
	if s.state == StateConnected && s.conn != nil {
		sub.wireID = uuid.NewString()
		s.byWire[sub.wireID] = sub
		data, err = startFrame(sub.wireID, op, s.authorization())
		conn = s.conn
	}
	s.mu.Unlock()

	if err != nil {
		sub.Unsubscribe(ctx)
		return nil, err
	}
	if conn != nil {
		if werr := conn.Write(ctx, data); werr != nil {
			s.logger.Warn().Err(werr).Str("op", op.OperationName).Msg("start frame not sent; will replay")
		}
	}
	return sub, nil
}

// ID returns the current operation id. It changes on every replay.
func (sub *Subscription) ID() string {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	return sub.wireID
}

func (sub *Subscription) Operation() Operation { return sub.op }

// Unsubscribe stops the subscription and removes it from replay.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	s := sub.s
	s.mu.Lock()
	if _, ok := s.subs[sub.key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, sub.key)
	id := sub.wireID
	if id != "" {
		delete(s.byWire, id)
	}
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && conn != nil && id != "" {
		return conn.Write(ctx, stopFrame(id))
	}
	return nil
}

// ============================================================================
// Transport lifecycle
// ============================================================================

func (s *Session) authorization() authorization {
	return authorization{Host: s.cfg.Host, Authorization: s.creds.CurrentToken()}
}

// open dials a transport and completes the connection_init handshake.
func (s *Session) open(ctx context.Context) (Conn, time.Duration, error) {
	target, err := HandshakeURL(s.cfg.Endpoint, s.cfg.Host, s.creds.CurrentToken())
	if err != nil {
		return nil, 0, err
	}
	conn, err := s.dialer.Dial(ctx, target)
	if err != nil {
		return nil, 0, err
	}
	if err := conn.Write(ctx, connectionInit()); err != nil {
		conn.Close("handshake failed")
		return nil, 0, fmt.Errorf("send connection_init: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	for {
		data, err := conn.Read(actx)
		if err != nil {
			conn.Close("handshake failed")
			return nil, 0, fmt.Errorf("await connection_ack: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			conn.Close("malformed frame")
			return nil, 0, err
		}
		metrics.RealtimeFrames.WithLabelValues(f.Type).Inc()
		switch f.Type {
		case frameConnectionAck:
			timeout := s.cfg.ConnectionTimeout
			var ack ackPayload
			if len(f.Payload) > 0 && decodeInto(f.Payload, &ack) && ack.ConnectionTimeoutMs > 0 {
				timeout = time.Duration(ack.ConnectionTimeoutMs) * time.Millisecond
			}
			return conn, timeout, nil
		case frameConnectionError:
			conn.Close("connection error")
			errs := decodeErrors(f.Payload)
			if hasUnauthorized(errs) {
				return nil, 0, errHandshakeUnauthorized
			}
			return nil, 0, fmt.Errorf("connection_error: %v", errs)
		}
	}
}

// dial opens a transport and installs it.
func (s *Session) dial(ctx context.Context) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	return s.openAndActivate(ctx, false)
}

func (s *Session) openAndActivate(ctx context.Context, silent bool) error {
	conn, timeout, err := s.open(ctx)
	if err != nil {
		return err
	}
	return s.activate(conn, timeout, silent)
}

// activate installs conn as the live transport, replays subscriptions with
// fresh ids and starts reading. A silent activate ends the recovery in flight.
// Callers hold resetMu.
func (s *Session) activate(conn Conn, timeout time.Duration, silent bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close("session closed")
		return ErrClosed
	}
	stale := s.conn
	if stale == conn {
		stale = nil
	}
	s.conn = conn
	s.connSeq++
	seq := s.connSeq
	s.timeout = timeout
	s.state = StateConnected
	if silent {
		s.inFlight = false
	}
	attempt := s.attempts
	s.recon.markConnected()

	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].key < subs[j].key })
	hdr := s.authorization()
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		if sub.wireID != "" {
			delete(s.byWire, sub.wireID)
		}
		sub.wireID = uuid.NewString()
		s.byWire[sub.wireID] = sub
		data, err := startFrame(sub.wireID, sub.op, hdr)
		if err != nil {
			s.logger.Error().Err(err).Msg("cannot encode subscription")
			continue
		}
		frames = append(frames, data)
	}
	s.mu.Unlock()

	if stale != nil {
		stale.Close("replaced")
	}
	if silent {
		metrics.RealtimeRecoveries.WithLabelValues(string(RecoveryReset)).Inc()
		s.dispatcher.emit(RecoveryEvent{Kind: RecoveryReset, Attempt: attempt})
	} else {
		s.dispatcher.emit(openEvent{})
	}
	for _, data := range frames {
		if err := conn.Write(s.ctx, data); err != nil {
			s.logger.Warn().Err(err).Msg("replay write failed")
			break
		}
	}
	if len(subs) == 0 {
		s.markHealthy()
	}
	go s.readLoop(seq, conn)
	return nil
}

// reset swaps the transport for a new one. Frames of the old transport are no
// longer processed once it returns from the swap. Overlapping resets run one
// after the other.
func (s *Session) reset(ctx context.Context, silent bool) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.frameMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.frameMu.Unlock()
		return ErrClosed
	}
	old := s.conn
	s.conn = nil
	s.connSeq++
	s.mu.Unlock()
	s.frameMu.Unlock()

	if old != nil {
		old.Close("reset")
	}
	if silent {
		metrics.SilentResets.Inc()
	}
	return s.openAndActivate(ctx, silent)
}

func (s *Session) isCurrent(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && seq == s.connSeq
}

func (s *Session) readTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Session) readLoop(seq uint64, conn Conn) {
	for {
		rctx, cancel := context.WithTimeout(s.ctx, s.readTimeout())
		data, err := conn.Read(rctx)
		cancel()

		s.frameMu.Lock()
		if !s.isCurrent(seq) {
			s.frameMu.Unlock()
			return
		}
		if err != nil {
			s.frameMu.Unlock()
			s.handleDrop(seq, conn, err)
			return
		}
		act := s.handleFrame(data)
		s.frameMu.Unlock()

		switch {
		case act.fatal != nil:
			s.fail(act.fatal)
			return
		case act.drop != nil:
			s.handleDrop(seq, conn, act.drop)
			return
		case act.unauthorized:
			go s.runRecovery()
		}
	}
}

type frameAction struct {
	fatal        error
	drop         error
	unauthorized bool
}

func (s *Session) handleFrame(data []byte) frameAction {
	f, err := decodeFrame(data)
	if err != nil {
		return frameAction{fatal: err}
	}
	metrics.RealtimeFrames.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case frameKeepAlive, frameConnectionAck:
	case frameStartAck:
		s.markHealthy()
	case frameData:
		var p dataPayload
		decodeInto(f.Payload, &p)
		if hasUnauthorized(p.Errors) {
			return frameAction{unauthorized: true}
		}
		s.markHealthy()
		s.deliver(f.ID, MessageEvent{Data: p.Data, Errors: p.Errors})
	case frameError:
		errs := decodeErrors(f.Payload)
		if hasUnauthorized(errs) {
			return frameAction{unauthorized: true}
		}
		s.deliver(f.ID, MessageEvent{Errors: errs})
	case frameConnectionError:
		errs := decodeErrors(f.Payload)
		if hasUnauthorized(errs) {
			return frameAction{unauthorized: true}
		}
		return frameAction{drop: fmt.Errorf("connection_error: %v", errs)}
	case frameComplete:
		s.mu.Lock()
		sub := s.byWire[f.ID]
		if sub != nil {
			delete(s.byWire, f.ID)
			delete(s.subs, sub.key)
		}
		s.mu.Unlock()
		if sub != nil {
			s.dispatcher.emit(delivery{
				ev:      MessageEvent{SubscriptionID: f.ID, Operation: sub.op.OperationName, Complete: true},
				handler: sub.handler,
			})
		}
	default:
		s.logger.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
	return frameAction{}
}

func (s *Session) deliver(id string, ev MessageEvent) {
	s.mu.Lock()
	sub := s.byWire[id]
	s.mu.Unlock()
	if sub == nil {
		s.logger.Debug().Str("id", id).Msg("delivery for unknown subscription")
		return
	}
	ev.SubscriptionID = id
	ev.Operation = sub.op.OperationName
	s.dispatcher.emit(delivery{ev: ev, handler: sub.handler})
}

// handleDrop reacts to a transport that went away on its own.
func (s *Session) handleDrop(seq uint64, conn Conn, cause error) {
	s.mu.Lock()
	if s.closed || seq != s.connSeq {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connSeq++
	recovering := s.inFlight
	s.mu.Unlock()

	conn.Close("dropped")
	if recovering {
		// the recovery in progress opens the next transport
		return
	}
	s.lost(cause)
}

// lost marks the session disconnected and, if configured, reconnects.
func (s *Session) lost(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	auto := s.cfg.AutoReconnect
	s.mu.Unlock()

	s.logger.Warn().Err(cause).Msg("transport lost")
	s.dispatcher.emit(CloseEvent{Reason: cause.Error(), Err: cause})
	if auto {
		s.reconnectLoop()
	}
}

func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() {
			s.state = StateDisconnected
			s.mu.Unlock()
			s.logger.Error().Msg("giving up reconnecting")
			return
		}
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		s.state = StateReconnecting
		s.mu.Unlock()

		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.dial(s.ctx)
		switch {
		case err == nil, errors.Is(err, ErrClosed):
			return
		case errors.Is(err, errHandshakeUnauthorized):
			if s.recoverAuth() == nil {
				return
			}
		case errors.Is(err, ErrMalformedFrame):
			s.fail(err)
			return
		default:
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		}
	}
}

func (s *Session) setDisconnected() {
	s.mu.Lock()
	if !s.closed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
}

// fail closes the session because of a protocol error.
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("realtime session failed")
	s.shutdown(CloseEvent{Reason: err.Error(), Err: err, Fatal: true})
}

func (s *Session) shutdown(ev CloseEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.err = ev.Err
	conn := s.conn
	s.conn = nil
	s.connSeq++
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close(ev.Reason)
	}
	s.dispatcher.emit(ev)
	s.dispatcher.stop()
}
