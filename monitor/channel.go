// Package monitor implements the live update channel: a reconnecting
// subscription to a single trace's server-push event stream, with bounded
// retry and heartbeat-based staleness detection.
//
// A Channel is an explicitly constructed, explicitly owned object. Callers
// that share one coordinate solely through UpdateOptions; there is no
// package-level instance.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
)

// Default reconnect and heartbeat tuning.
const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
)

// HeartbeatType tags the keepalive sentinel the stream interleaves with real
// updates. Heartbeats feed the staleness clock and are never forwarded.
const HeartbeatType = "heartbeat"

// Sentinel errors surfaced through OnError. Check with errors.Is.
var (
	// ErrReconnectExhausted is reported exactly once when the attempt budget
	// runs out; the channel then stays quiet until StartMonitoring is called
	// again.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHeartbeatTimeout is the advisory staleness signal. The transport is
	// left open; its own error event remains the authoritative close trigger.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrTransportConstruction marks dial failures that happen before the
	// network is touched. They are advisory and consume no reconnect attempt.
	ErrTransportConstruction = errors.New("transport construction failed")
)

// State is the connection state derived from transport readiness. It can
// transiently disagree with the higher-level connected flag reported through
// OnConnectionChange, for example during a heartbeat-timeout window.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "closed"
	}
}

// Event is one substantive update from the stream, its type and data
// forwarded verbatim.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wireEvent is the envelope every stream payload decodes into.
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventStream is a single server-push connection delivering raw event
// payloads in transport order. Next blocks until a payload arrives or the
// stream breaks; any error ends the stream.
type EventStream interface {
	Next() ([]byte, error)
	Close() error
}

// DialFunc opens an event stream for a trace. The context spans the
// subscription; cancelling it must unblock Next.
type DialFunc func(ctx context.Context, traceID string) (EventStream, error)

// Options carries the callback set and reconnect tuning. UpdateOptions is
// last-writer-wins per field: nil callbacks and zero tuning values leave the
// current setting in place.
type Options struct {
	// OnMessage receives every substantive (non-heartbeat) event.
	OnMessage func(Event)
	// OnError receives advisory failures: parse errors, heartbeat timeouts,
	// construction failures, and the terminal attempts-exhausted error.
	OnError func(error)
	// OnOpen fires when the transport reaches Open.
	OnOpen func()
	// OnClose fires when a subscription is deliberately stopped.
	OnClose func()
	// OnConnectionChange tracks the higher-level connected flag with a
	// human-readable detail string.
	OnConnectionChange func(connected bool, detail string)

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Config configures a Channel.
type Config struct {
	// BaseURL of the dashboard or orchestrator exposing
	// GET {base}/api/traces/{id}/events.
	BaseURL string

	// HTTPClient overrides the streaming client. The default carries no
	// global timeout; a timeout would sever long-lived streams.
	HTTPClient *http.Client

	// Dial overrides the transport constructor. Tests inject fakes here.
	Dial DialFunc

	Logger *zap.SugaredLogger

	Options Options
}

// Channel maintains at most one subscription at a time. All methods are safe
// for concurrent use; callbacks are invoked without holding internal locks.
type Channel struct {
	dial DialFunc
	log  *zap.SugaredLogger

	mu             sync.Mutex
	opts           Options
	traceID        string
	active         bool
	stopped        bool
	attempts       int
	reconnectTimer *time.Timer
	stream         EventStream
	ctx            context.Context
	cancel         context.CancelFunc
	gen            uint64

	state atomic.Int32

	lastMessage   atomic.Int64
	staleSignaled atomic.Bool
}

// NewChannel builds a channel. Zero-value tuning falls back to the defaults;
// a nil Dial uses the SSE transport against cfg.BaseURL.
func NewChannel(cfg Config) *Channel {
	opts := cfg.Options
	opts.applyDefaults()

	log := cfg.Logger
	if log == nil {
		log = logger.ComponentLogger("monitor.channel")
	}

	dial := cfg.Dial
	if dial == nil {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		baseURL := cfg.BaseURL
		dial = func(ctx context.Context, traceID string) (EventStream, error) {
			return dialSSE(ctx, httpClient, baseURL, traceID)
		}
	}

	return &Channel{
		dial: dial,
		log:  log,
		opts: opts,
	}
}

// StartMonitoring begins a subscription for traceID. An empty id fails
// synchronously with no side effects. When a subscription is already active,
// it is torn down synchronously before the new one opens; there are never
// two concurrent subscriptions. The attempt counter resets and the heartbeat
// watchdog restarts.
func (c *Channel) StartMonitoring(traceID string) error {
	if traceID == "" {
		return errors.NewInvalidRequestError("trace id must not be empty")
	}

	c.mu.Lock()
	var closeCbs []func()
	if c.active {
		closeCbs = c.teardownLocked("restarted")
	}
	c.gen++
	gen := c.gen
	c.traceID = traceID
	c.active = true
	c.stopped = false
	c.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancel = cancel
	heartbeat := c.opts.HeartbeatInterval
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	for _, cb := range closeCbs {
		cb()
	}

	c.lastMessage.Store(time.Now().UnixNano())
	c.staleSignaled.Store(false)
	go c.watchdog(ctx, gen, heartbeat)
	go c.connect(ctx, gen, traceID)

	c.log.Debugw("Monitoring started", "trace_id", traceID)
	return nil
}

// StopMonitoring tears down any active subscription: the pending reconnect
// timer is cancelled, the heartbeat watchdog stops, the transport closes,
// and no auto-reconnect follows. Safe to call from any state, repeatedly.
func (c *Channel) StopMonitoring() {
	c.mu.Lock()
	if !c.active {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	traceID := c.traceID
	cbs := c.teardownLocked("stopped")
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	c.log.Debugw("Monitoring stopped", "trace_id", traceID)
}

// teardownLocked invalidates the current subscription and returns the close
// callbacks to fire once the lock is released.
func (c *Channel) teardownLocked(detail string) []func() {
	c.gen++
	c.stopped = true
	c.active = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.ctx = nil
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.traceID = ""
	c.attempts = 0
	c.setStateLocked(StateClosed)

	onClose := c.opts.OnClose
	onChange := c.opts.OnConnectionChange
	var cbs []func()
	if onClose != nil {
		cbs = append(cbs, onClose)
	}
	if onChange != nil {
		cbs = append(cbs, func() { onChange(false, detail) })
	}
	return cbs
}

// UpdateOptions replaces callbacks and tuning without interrupting an active
// connection. Last writer wins for every field it sets.
func (c *Channel) UpdateOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.OnMessage != nil {
		c.opts.OnMessage = opts.OnMessage
	}
	if opts.OnError != nil {
		c.opts.OnError = opts.OnError
	}
	if opts.OnOpen != nil {
		c.opts.OnOpen = opts.OnOpen
	}
	if opts.OnClose != nil {
		c.opts.OnClose = opts.OnClose
	}
	if opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange = opts.OnConnectionChange
	}
	if opts.ReconnectInterval > 0 {
		c.opts.ReconnectInterval = opts.ReconnectInterval
	}
	if opts.MaxReconnectAttempts > 0 {
		c.opts.MaxReconnectAttempts = opts.MaxReconnectAttempts
	}
	if opts.HeartbeatInterval > 0 {
		c.opts.HeartbeatInterval = opts.HeartbeatInterval
	}
}

// ConnectionState reports transport readiness.
func (c *Channel) ConnectionState() State {
	return State(c.state.Load())
}

// TraceID returns the trace currently monitored, empty when idle.
func (c *Channel) TraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID
}

func (c *Channel) setStateLocked(s State) {
	c.state.Store(int32(s))
}

// connect dials the stream and, on success, runs the read loop on the
// calling goroutine. Construction failures are advisory and consume no
// attempt; connectivity failures feed the reconnect machine.
func (c *Channel) connect(ctx context.Context, gen uint64, traceID string) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	dial := c.dial
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	stream, err := dial(ctx, traceID)
	if err != nil {
		if errors.Is(err, ErrTransportConstruction) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			c.setStateLocked(StateError)
			onError := c.opts.OnError
			c.mu.Unlock()

			c.log.Errorw("Event stream construction failed", "trace_id", traceID, "error", err)
			if onError != nil {
				onError(err)
			}
			return
		}
		c.handleDisconnect(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.attempts = 0
	c.setStateLocked(StateOpen)
	onOpen := c.opts.OnOpen
	onChange := c.opts.OnConnectionChange
	c.mu.Unlock()

	c.lastMessage.Store(time.Now().UnixNano())
	c.staleSignaled.Store(false)

	c.log.Infow("Event stream open", "trace_id", traceID)
	if onOpen != nil {
		onOpen()
	}
	if onChange != nil {
		onChange(true, "connected")
	}

	c.readLoop(gen, stream)
}

func (c *Channel) readLoop(gen uint64, stream EventStream) {
	for {
		payload, err := stream.Next()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		c.handlePayload(gen, payload)
	}
}

// handlePayload feeds the staleness clock, decodes the envelope, discards
// heartbeats, and forwards everything else. Parse failures are advisory and
// never advance reconnect state.
func (c *Channel) handlePayload(gen uint64, payload []byte) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	onMessage := c.opts.OnMessage
	onError := c.opts.OnError
	c.mu.Unlock()

	c.lastMessage.Store(time.Now().UnixNano())
	c.staleSignaled.Store(false)

	var ev wireEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warnw("Discarding unparsable event payload", "error", err, "size", len(payload))
		if onError != nil {
			onError(errors.Wrap(err, "parsing event payload"))
		}
		return
	}

	if ev.Type == HeartbeatType {
		return
	}

	if onMessage != nil {
		onMessage(Event{Type: ev.Type, Data: ev.Data})
	}
}

// handleDisconnect runs the reconnect state machine: schedule a single-shot
// retry while attempts remain, otherwise report exhaustion exactly once.
func (c *Channel) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.setStateLocked(StateError)
	opts := c.opts
	traceID := c.traceID

	if c.attempts < opts.MaxReconnectAttempts {
		attempt := c.attempts + 1
		// Only one reconnect timer is ever pending.
		if c.reconnectTimer == nil {
			c.reconnectTimer = time.AfterFunc(opts.ReconnectInterval, func() {
				c.onReconnectTimer(gen)
			})
		}
		c.mu.Unlock()

		detail := fmt.Sprintf("reconnecting (attempt %d/%d)", attempt, opts.MaxReconnectAttempts)
		c.log.Warnw("Event stream lost, reconnect scheduled",
			"trace_id", traceID,
			"attempt", attempt,
			"max_attempts", opts.MaxReconnectAttempts,
			"error", cause)
		if opts.OnConnectionChange != nil {
			opts.OnConnectionChange(false, detail)
		}
		return
	}
	c.mu.Unlock()

	err := errors.Wrapf(ErrReconnectExhausted, "after %d attempts", opts.MaxReconnectAttempts)
	c.log.Errorw("Reconnect attempts exhausted",
		"trace_id", traceID,
		"max_attempts", opts.MaxReconnectAttempts,
		"error", cause)
	if opts.OnError != nil {
		opts.OnError(err)
	}
	if opts.OnConnectionChange != nil {
		opts.OnConnectionChange(false, "reconnect attempts exhausted")
	}
}

func (c *Channel) onReconnectTimer(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.attempts++
	traceID := c.traceID
	ctx := c.ctx
	c.mu.Unlock()

	c.connect(ctx, gen, traceID)
}

// watchdog checks for silent staleness. While the transport is open, a gap
// longer than twice the heartbeat interval raises exactly one advisory error
// per silence window; any inbound payload re-arms it. The transport itself
// is never closed here.
func (c *Channel) watchdog(ctx context.Context, gen uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStaleness(gen)
		}
	}
}

func (c *Channel) checkStaleness(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.stopped || State(c.state.Load()) != StateOpen {
		c.mu.Unlock()
		return
	}
	threshold := 2 * c.opts.HeartbeatInterval
	onError := c.opts.OnError
	onChange := c.opts.OnConnectionChange
	traceID := c.traceID
	c.mu.Unlock()

	silence := time.Since(time.Unix(0, c.lastMessage.Load()))
	if silence <= threshold {
		return
	}
	if !c.staleSignaled.CompareAndSwap(false, true) {
		return
	}

	c.log.Warnw("Heartbeat timeout", "trace_id", traceID, "silence", silence.Round(time.Millisecond))
	if onError != nil {
		onError(errors.Wrapf(ErrHeartbeatTimeout, "no messages for %s", silence.Round(time.Second)))
	}
	if onChange != nil {
		onChange(false, "heartbeat timeout")
	}
}
