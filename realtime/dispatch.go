package realtime

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// CloseEvent reports that the transport went away. Fatal means the session is
// closed for good.
type CloseEvent struct {
	Reason string
	Err    error
	Fatal  bool
}

// MessageEvent is one inbound delivery for a subscription.
type MessageEvent struct {
	SubscriptionID string
	Operation      string
	Data           json.RawMessage
	Errors         []GraphQLError
	Complete       bool
}

// RecoveryKind classifies a step of credential recovery.
type RecoveryKind string

const (
	RecoveryRefreshing    RecoveryKind = "refreshing"
	RecoveryReset         RecoveryKind = "reset"
	RecoveryRecovered     RecoveryKind = "recovered"
	RecoveryIgnored       RecoveryKind = "ignored"
	RecoveryRefreshFailed RecoveryKind = "refresh_failed"
	RecoveryEscalated     RecoveryKind = "escalated"
)

// RecoveryEvent reports progress of the credential recovery protocol.
type RecoveryEvent struct {
	Kind    RecoveryKind
	Attempt int
	Err     error
}

type openEvent struct{}

type delivery struct {
	ev      MessageEvent
	handler func(MessageEvent)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// eventDispatcher delivers events in emission order on a single goroutine so a
// slow handler never blocks the read loop.
type eventDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []any
	stopped bool
	done    chan struct{}
	logger  zerolog.Logger

	onOpen     []func()
	onClose    []func(CloseEvent)
	onMessage  []func(MessageEvent)
	onRecovery []func(RecoveryEvent)
}

func newEventDispatcher(logger zerolog.Logger) *eventDispatcher {
	d := &eventDispatcher{done: make(chan struct{}), logger: logger}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *eventDispatcher) emit(ev any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = append(d.pending, ev)
	d.cond.Signal()
}

// stop delivers what is already pending and then ends the delivery goroutine.
func (d *eventDispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *eventDispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		onOpen := d.onOpen
		onClose := d.onClose
		onMessage := d.onMessage
		onRecovery := d.onRecovery
		d.mu.Unlock()

		switch e := ev.(type) {
		case openEvent:
			for _, h := range onOpen {
				d.call(func() { h() })
			}
		case CloseEvent:
			for _, h := range onClose {
				d.call(func() { h(e) })
			}
		case delivery:
			if e.handler != nil {
				d.call(func() { e.handler(e.ev) })
			}
			for _, h := range onMessage {
				d.call(func() { h(e.ev) })
			}
		case RecoveryEvent:
			for _, h := range onRecovery {
				d.call(func() { h(e) })
			}
		}
	}
}

func (d *eventDispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) addOpen(h func()) {
	d.mu.Lock()
	d.onOpen = append(d.onOpen, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) addClose(h func(CloseEvent)) {
	d.mu.Lock()
	d.onClose = append(d.onClose, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) addMessage(h func(MessageEvent)) {
	d.mu.Lock()
	d.onMessage = append(d.onMessage, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) addRecovery(h func(RecoveryEvent)) {
	d.mu.Lock()
	d.onRecovery = append(d.onRecovery, h)
	d.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
