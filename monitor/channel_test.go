package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ostrane/tracedeck/errors"
)

type fakeEvent struct {
	data []byte
	err  error
}

type fakeStream struct {
	events chan fakeEvent
	done   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan fakeEvent, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeStream) Next() ([]byte, error) {
	select {
	case ev := <-f.events:
		return ev.data, ev.err
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeStream) send(eventType, data string) {
	payload := fmt.Sprintf(`{"type":%q,"data":%s}`, eventType, data)
	f.events <- fakeEvent{data: []byte(payload)}
}

func (f *fakeStream) sendRaw(payload string) {
	f.events <- fakeEvent{data: []byte(payload)}
}

func (f *fakeStream) fail(err error) {
	f.events <- fakeEvent{err: err}
}

// fakeDialer scripts dial outcomes by attempt number (1-based) and records
// every dial it sees.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	traceIDs []string
	streams  []*fakeStream
	outcome  func(dial int) error
}

func (d *fakeDialer) dial(_ context.Context, traceID string) (EventStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.traceIDs = append(d.traceIDs, traceID)
	if d.outcome != nil {
		if err := d.outcome(d.dials); err != nil {
			return nil, err
		}
	}
	stream := newFakeStream()
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestStartMonitoringRejectsEmptyTraceID(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(Config{Dial: dialer.dial})

	err := ch.StartMonitoring("")
	require.Error(t, err)
	require.True(t, errors.IsInvalidRequestError(err))

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, dialer.count(), "empty id must not dial")
	require.Equal(t, StateClosed, ch.ConnectionState())
}

func TestChannelDeliversMessages(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 4)
	msgs := make(chan Event, 8)
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			OnOpen:    func() { opened <- struct{}{} },
			OnMessage: func(ev Event) { msgs <- ev },
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-100"))
	<-opened
	require.Equal(t, StateOpen, ch.ConnectionState())
	require.Equal(t, "tr-100", ch.TraceID())

	dialer.stream(0).send("trace_update", `{"trace_id":"tr-100"}`)
	ev := <-msgs
	require.Equal(t, "trace_update", ev.Type)
	require.JSONEq(t, `{"trace_id":"tr-100"}`, string(ev.Data))

	// Heartbeats are consumed, never forwarded.
	dialer.stream(0).send(HeartbeatType, `{}`)
	dialer.stream(0).send("trace_update", `{"seq":2}`)
	ev = <-msgs
	require.Equal(t, "trace_update", ev.Type)
	require.Empty(t, msgs)
}

func TestChannelParseFailureIsAdvisory(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 1)
	msgs := make(chan Event, 8)
	var parseErrs atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			OnOpen:    func() { opened <- struct{}{} },
			OnMessage: func(ev Event) { msgs <- ev },
			OnError:   func(error) { parseErrs.Add(1) },
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-101"))
	<-opened

	dialer.stream(0).sendRaw(`{not json`)
	waitFor(t, func() bool { return parseErrs.Load() == 1 }, "parse failure surfaces once")

	// The stream stays up and later events still arrive.
	require.Equal(t, StateOpen, ch.ConnectionState())
	dialer.stream(0).send("trace_update", `{"seq":1}`)
	ev := <-msgs
	require.Equal(t, "trace_update", ev.Type)
	require.Equal(t, 1, dialer.count(), "parse failure must not reconnect")
}

func TestChannelReconnectExhaustion(t *testing.T) {
	dialer := &fakeDialer{
		outcome: func(int) error { return errors.New("connection refused") },
	}
	var exhausted atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			ReconnectInterval:    10 * time.Millisecond,
			MaxReconnectAttempts: 2,
			OnError: func(err error) {
				if errors.Is(err, ErrReconnectExhausted) {
					exhausted.Add(1)
				}
			},
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-102"))
	waitFor(t, func() bool { return exhausted.Load() == 1 }, "exhaustion error fires")

	// Initial dial plus one per attempt, then the channel goes quiet.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, dialer.count())
	require.Equal(t, int32(1), exhausted.Load(), "exhaustion error fires exactly once")
	require.Equal(t, StateError, ch.ConnectionState())
}

func TestChannelReconnectRecovers(t *testing.T) {
	dialer := &fakeDialer{
		outcome: func(dial int) error {
			if dial <= 2 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	opened := make(chan struct{}, 1)
	var mu sync.Mutex
	var details []string
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			ReconnectInterval:    10 * time.Millisecond,
			MaxReconnectAttempts: 5,
			OnOpen:               func() { opened <- struct{}{} },
			OnConnectionChange: func(connected bool, detail string) {
				mu.Lock()
				details = append(details, fmt.Sprintf("%v:%s", connected, detail))
				mu.Unlock()
			},
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-103"))
	<-opened
	require.Equal(t, StateOpen, ch.ConnectionState())
	require.Equal(t, 3, dialer.count())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, details, "false:reconnecting (attempt 1/5)")
	require.Contains(t, details, "true:connected")
}

func TestStopMonitoringCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{
		outcome: func(int) error { return errors.New("connection refused") },
	}
	var closes atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			ReconnectInterval:    20 * time.Millisecond,
			MaxReconnectAttempts: 5,
			OnClose:              func() { closes.Add(1) },
		},
	})

	require.NoError(t, ch.StartMonitoring("tr-104"))
	waitFor(t, func() bool { return dialer.count() == 1 }, "initial dial happens")
	ch.StopMonitoring()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, dialer.count(), "pending reconnect timer must be cancelled")
	require.Equal(t, StateClosed, ch.ConnectionState())
	require.Equal(t, int32(1), closes.Load())
}

func TestStopMonitoringIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	var closes atomic.Int32
	ch := NewChannel(Config{
		Dial:    dialer.dial,
		Options: Options{OnClose: func() { closes.Add(1) }},
	})

	// Never started: nothing to tear down, no callbacks.
	ch.StopMonitoring()
	ch.StopMonitoring()
	require.Zero(t, closes.Load())

	opened := make(chan struct{}, 1)
	ch.UpdateOptions(Options{OnOpen: func() { opened <- struct{}{} }})
	require.NoError(t, ch.StartMonitoring("tr-105"))
	<-opened

	ch.StopMonitoring()
	ch.StopMonitoring()
	ch.StopMonitoring()
	require.Equal(t, int32(1), closes.Load(), "repeat stops fire callbacks once")
}

func TestConstructionFailureConsumesNoAttempt(t *testing.T) {
	var bad atomic.Bool
	bad.Store(true)
	dialer := &fakeDialer{
		outcome: func(int) error {
			if bad.Load() {
				return errors.Wrap(ErrTransportConstruction, "malformed base URL")
			}
			return nil
		},
	}
	var constructionErrs atomic.Int32
	opened := make(chan struct{}, 1)
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			ReconnectInterval: 10 * time.Millisecond,
			OnOpen:            func() { opened <- struct{}{} },
			OnError: func(err error) {
				if errors.Is(err, ErrTransportConstruction) {
					constructionErrs.Add(1)
				}
			},
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-106"))
	waitFor(t, func() bool { return constructionErrs.Load() == 1 }, "construction failure surfaces")

	// No reconnect is scheduled for a construction failure.
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, dialer.count())
	require.Equal(t, StateError, ch.ConnectionState())

	// An explicit restart recovers with a fresh attempt budget.
	bad.Store(false)
	require.NoError(t, ch.StartMonitoring("tr-106"))
	<-opened
	require.Equal(t, StateOpen, ch.ConnectionState())
}

func TestHeartbeatTimeoutOncePerSilenceWindow(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 1)
	var timeouts atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			HeartbeatInterval: 20 * time.Millisecond,
			OnOpen:            func() { opened <- struct{}{} },
			OnError: func(err error) {
				if errors.Is(err, ErrHeartbeatTimeout) {
					timeouts.Add(1)
				}
			},
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-107"))
	<-opened

	// Silence beyond twice the heartbeat interval raises exactly one
	// advisory error; the transport stays open.
	waitFor(t, func() bool { return timeouts.Load() == 1 }, "staleness advisory fires")
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, int32(1), timeouts.Load(), "one advisory per silence window")
	require.Equal(t, StateOpen, ch.ConnectionState())
	require.Equal(t, 1, dialer.count(), "staleness must not reconnect")

	// Any message, heartbeat included, opens a new window.
	dialer.stream(0).send(HeartbeatType, `{}`)
	waitFor(t, func() bool { return timeouts.Load() == 2 }, "next silence window fires again")
}

func TestUpdateOptionsRedirectsCallbacks(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 1)
	first := make(chan Event, 4)
	second := make(chan Event, 4)
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			OnOpen:    func() { opened <- struct{}{} },
			OnMessage: func(ev Event) { first <- ev },
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-108"))
	<-opened

	dialer.stream(0).send("trace_update", `{"seq":1}`)
	<-first

	// Swap the message handler mid-connection; the stream is undisturbed.
	ch.UpdateOptions(Options{OnMessage: func(ev Event) { second <- ev }})
	dialer.stream(0).send("trace_update", `{"seq":2}`)
	ev := <-second
	require.JSONEq(t, `{"seq":2}`, string(ev.Data))
	require.Empty(t, first, "replaced handler receives nothing further")

	// Tuning-only updates leave callbacks and the connection alone.
	ch.UpdateOptions(Options{ReconnectInterval: time.Minute})
	dialer.stream(0).send("trace_update", `{"seq":3}`)
	ev = <-second
	require.JSONEq(t, `{"seq":3}`, string(ev.Data))
	require.Equal(t, StateOpen, ch.ConnectionState())
	require.Equal(t, 1, dialer.count())
}

func TestStartMonitoringSwitchesTraces(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 2)
	var closes atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			OnOpen:  func() { opened <- struct{}{} },
			OnClose: func() { closes.Add(1) },
		},
	})
	defer ch.StopMonitoring()

	require.NoError(t, ch.StartMonitoring("tr-a"))
	<-opened

	require.NoError(t, ch.StartMonitoring("tr-b"))
	<-opened
	require.Equal(t, "tr-b", ch.TraceID())
	require.Equal(t, int32(1), closes.Load(), "prior subscription torn down")

	d := dialer
	d.mu.Lock()
	traceIDs := append([]string(nil), d.traceIDs...)
	d.mu.Unlock()
	require.Equal(t, []string{"tr-a", "tr-b"}, traceIDs)

	// The abandoned stream's EOF must not trigger a reconnect.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, dialer.count())
	require.Equal(t, StateOpen, ch.ConnectionState())
}

func TestStreamErrorAfterStopIsIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	opened := make(chan struct{}, 1)
	var errs atomic.Int32
	ch := NewChannel(Config{
		Dial: dialer.dial,
		Options: Options{
			ReconnectInterval: 5 * time.Millisecond,
			OnOpen:            func() { opened <- struct{}{} },
			OnError:           func(error) { errs.Add(1) },
		},
	})

	require.NoError(t, ch.StartMonitoring("tr-109"))
	<-opened
	ch.StopMonitoring()

	dialer.stream(0).fail(errors.New("late failure"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, dialer.count(), "stopped channel never redials")
	require.Zero(t, errs.Load())
	require.Equal(t, StateClosed, ch.ConnectionState())
}

func TestConnectionStateStrings(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "error", StateError.String())
}
