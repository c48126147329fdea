package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"

	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/monitor"
	"github.com/ostrane/tracedeck/trace"
)

// follower owns the single live monitor channel for one trace and turns
// its events into rate-limited refetches. All websocket subscriptions and
// SSE streams for the trace share one follower.
type follower struct {
	traceID string
	channel *monitor.Channel
	limiter *rate.Limiter

	// kick has capacity one, so any number of monitor events collapse
	// into a single pending refetch. A bursty trace costs one fetch per
	// limiter slot instead of one per event.
	kick chan struct{}
	done chan struct{}

	// sessions are the live subscriptions sharing this follower, keyed
	// by opaque session id. Guarded by the server's followMu.
	sessions map[string]bool
}

// newSessionID returns a short opaque id for one follower subscription.
func newSessionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	return base58.Encode(buf)
}

// refetchRate translates config into limiter parameters. A zero or
// negative rate disables throttling.
func refetchRate(cfg *config.Config) (rate.Limit, int) {
	perSecond := cfg.Server.RefetchPerSecond
	if perSecond <= 0 {
		return rate.Inf, 0
	}
	burst := cfg.Server.RefetchBurst
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(perSecond), burst
}

// Follow subscribes to live updates for a trace, starting a follower if
// the trace has none, and returns the session id the caller must present
// to Unfollow.
func (s *DashServer) Follow(traceID string) (string, error) {
	if traceID == "" {
		return "", errors.NewInvalidRequestError("trace id cannot be empty")
	}

	s.followMu.Lock()
	defer s.followMu.Unlock()

	f, ok := s.followers[traceID]
	if !ok {
		limit, burst := refetchRate(s.cfg)
		f = &follower{
			traceID:  traceID,
			limiter:  rate.NewLimiter(limit, burst),
			kick:     make(chan struct{}, 1),
			done:     make(chan struct{}),
			sessions: make(map[string]bool),
		}
		f.channel = monitor.NewChannel(monitor.Config{
			BaseURL: s.cfg.BackendURL(),
			Dial:    s.dial,
			Logger:  s.log,
			Options: monitor.Options{
				OnMessage: func(monitor.Event) { s.kickFollower(f) },
				OnError:   func(err error) { s.onMonitorError(f, err) },
				OnConnectionChange: func(connected bool, detail string) {
					s.onMonitorState(f, connected, detail)
				},
				ReconnectInterval:    s.cfg.Monitor.ReconnectInterval(),
				MaxReconnectAttempts: s.cfg.Monitor.MaxReconnectAttempts,
				HeartbeatInterval:    s.cfg.Monitor.HeartbeatInterval(),
			},
		})
		if err := f.channel.StartMonitoring(traceID); err != nil {
			return "", errors.Wrapf(err, "failed to start monitoring trace %s", traceID)
		}
		s.followers[traceID] = f
		s.metrics.SetFollowers(len(s.followers))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.followerLoop(f)
		}()

		// Prime the first snapshot without waiting for a monitor event.
		f.kick <- struct{}{}
		s.log.Infow("Started following trace", "trace_id", traceID)
	}

	sessionID := newSessionID()
	f.sessions[sessionID] = true
	return sessionID, nil
}

// Unfollow releases one follower session. The follower and its monitor
// channel stop when the last session goes.
func (s *DashServer) Unfollow(traceID, sessionID string) error {
	s.followMu.Lock()
	defer s.followMu.Unlock()

	f, ok := s.followers[traceID]
	if !ok {
		return errors.NewNotFoundError("no follower for trace %s", traceID)
	}
	if !f.sessions[sessionID] {
		return errors.NewNotFoundError("unknown follower session %s for trace %s", sessionID, traceID)
	}
	delete(f.sessions, sessionID)
	if len(f.sessions) > 0 {
		return nil
	}

	delete(s.followers, traceID)
	s.metrics.SetFollowers(len(s.followers))
	f.channel.StopMonitoring()
	close(f.done)
	s.log.Infow("Stopped following trace", "trace_id", traceID)
	return nil
}

// FollowerCount reports how many traces currently have a live follower.
func (s *DashServer) FollowerCount() int {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	return len(s.followers)
}

func (s *DashServer) stopAllFollowers() {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	for traceID, f := range s.followers {
		f.channel.StopMonitoring()
		close(f.done)
		delete(s.followers, traceID)
	}
	s.metrics.SetFollowers(0)
}

// followerLoop serializes refetches for one trace. The kick channel wakes
// it; the limiter spaces the actual backend calls.
func (s *DashServer) followerLoop(f *follower) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-f.done:
			return
		case <-f.kick:
			if err := f.limiter.Wait(s.ctx); err != nil {
				return
			}
			select {
			case <-f.done:
				return
			default:
			}
			s.refetch(f)
		}
	}
}

// refetch pulls the trace snapshot, refreshes the cache and publishes the
// rebuilt hierarchy.
func (s *DashServer) refetch(f *follower) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.BackendTimeout())
	t, err := s.backend.GetTrace(ctx, f.traceID)
	cancel()
	if err != nil {
		s.metrics.ObserveRefetch("error", time.Since(start))
		s.log.Warnw("Trace refetch failed", "trace_id", f.traceID, "error", err)
		return
	}
	s.metrics.ObserveRefetch("ok", time.Since(start))

	if s.cache != nil {
		if err := s.cache.SaveTrace(s.ctx, t, nil); err != nil {
			s.log.Warnw("Failed to cache refetched trace",
				"trace_id", f.traceID, "error", err)
		}
	}

	env, fingerprint, err := buildTraceUpdate(t)
	if err != nil {
		s.log.Warnw("Failed to encode trace update", "trace_id", f.traceID, "error", err)
		return
	}
	s.publish(update{traceID: f.traceID, envelope: env, fingerprint: fingerprint})
}

// buildTraceUpdate derives the pending stack, builds the hierarchy and
// marshals the wire envelope. The fingerprint covers only the payload, so
// refetches that change nothing can be suppressed downstream.
func buildTraceUpdate(t *trace.Trace) (envelope, fingerprint []byte, err error) {
	pending := trace.DerivePendingTasks(t)
	roots := trace.BuildTaskHierarchy(t.Executions, pending)
	data := TraceUpdate{
		TraceID:   t.ID,
		Summary:   t.Summary(),
		Hierarchy: roots,
		NodeCount: trace.CountNodes(roots),
	}
	fingerprint, err = json.Marshal(data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode trace update")
	}
	envelope, err = marshalEnvelope(EventTraceUpdate, json.RawMessage(fingerprint))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode trace update envelope")
	}
	return envelope, fingerprint, nil
}

// kickFollower schedules a refetch, folding into any already pending one.
func (s *DashServer) kickFollower(f *follower) {
	select {
	case f.kick <- struct{}{}:
	default:
		s.metrics.IncKicksCoalesced()
	}
}

func (s *DashServer) onMonitorError(f *follower, err error) {
	s.metrics.IncMonitorErrors()
	s.log.Warnw("Monitor channel error", "trace_id", f.traceID, "error", err)

	env, mErr := marshalEnvelope(EventMonitorStatus, MonitorStatus{
		TraceID:   f.traceID,
		Connected: f.channel.ConnectionState() == monitor.StateOpen,
		Error:     err.Error(),
	})
	if mErr != nil {
		return
	}
	s.publish(update{traceID: f.traceID, envelope: env})
}

func (s *DashServer) onMonitorState(f *follower, connected bool, detail string) {
	env, err := marshalEnvelope(EventMonitorStatus, MonitorStatus{
		TraceID:   f.traceID,
		Connected: connected,
		Detail:    detail,
	})
	if err != nil {
		return
	}
	s.publish(update{traceID: f.traceID, envelope: env})

	if connected {
		// A reconnect may have missed events; refresh once the link is up.
		s.kickFollower(f)
	}
}
