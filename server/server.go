// Package server hosts the TraceDeck dashboard: an HTTP and websocket
// surface that proxies the orchestrator's job API, serves cached and live
// trace hierarchies, and streams trace updates to browsers.
//
// One follower per trace holds the single upstream monitor channel; any
// number of websocket subscriptions and SSE streams share it. Monitor
// events never carry state themselves, they only schedule a rate-limited
// refetch whose result is rebuilt into a hierarchy and fanned out.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ostrane/tracedeck/client"
	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
	"github.com/ostrane/tracedeck/monitor"
	"github.com/ostrane/tracedeck/sop"
	"github.com/ostrane/tracedeck/store"
)

// Deps carries the server's collaborators. Backend is defaulted from the
// config when nil; Cache and SOPs are optional and disable their features
// when absent.
type Deps struct {
	Backend *client.Client
	Cache   *store.Store
	SOPs    *sop.Store
	Logger  *zap.SugaredLogger

	// MonitorDial overrides the follower transport. Tests inject scripted
	// streams here; nil keeps the default SSE dialer.
	MonitorDial monitor.DialFunc
}

// DashServer is the dashboard process: HTTP API, websocket hub and the
// follower pool.
type DashServer struct {
	cfg     *config.Config
	backend *client.Client
	cache   *store.Store
	sops    *sop.Store
	dial    monitor.DialFunc
	log     *zap.SugaredLogger

	registry *prometheus.Registry
	metrics  *Metrics
	handler  http.Handler

	// Hub state, owned by the run loop.
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan update

	// clientsMu guards the clients map for readers outside the hub loop
	// (health handler, fan-out snapshot, shutdown).
	clientsMu sync.RWMutex

	followMu  sync.Mutex
	followers map[string]*follower

	sseMu        sync.Mutex
	sseListeners map[string]map[chan []byte]bool

	// lastSent fingerprints the most recent trace_update per trace so
	// refetches that change nothing stay silent. Hub-loop owned.
	lastSent map[string][]byte

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a DashServer from cfg and deps. The server is inert until
// Start or Run.
func New(cfg *config.Config, deps Deps) *DashServer {
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := deps.Logger
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	backend := deps.Backend
	if backend == nil {
		backend = client.New(client.Config{
			BaseURL: cfg.BackendURL(),
			Timeout: cfg.BackendTimeout(),
		})
	}

	registry := prometheus.NewRegistry()
	s := &DashServer{
		cfg:          cfg,
		backend:      backend,
		cache:        deps.Cache,
		sops:         deps.SOPs,
		dial:         deps.MonitorDial,
		log:          log,
		registry:     registry,
		metrics:      MustNewMetrics(registry),
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan update, broadcastBufferSize),
		followers:    make(map[string]*follower),
		sseListeners: make(map[string]map[chan []byte]bool),
		lastSent:     make(map[string][]byte),
	}
	// A usable context even before Start, so handler-only tests can hit
	// follow endpoints without the hub. Start replaces both.
	s.ctx = context.Background()
	s.cancel = func() {}

	s.handler = s.corsMiddleware(s.metricsMiddleware(s.routes()))
	return s
}

// Handler exposes the routed HTTP surface so tests can mount it on
// httptest servers.
func (s *DashServer) Handler() http.Handler {
	return s.handler
}

// Start launches the hub without binding a listener. Callers that serve
// the handler themselves pair it with Stop.
func (s *DashServer) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHub()
	}()
}

// Run starts the hub and the HTTP listener and blocks until ctx is
// cancelled or the listener fails. Shutdown is graceful: followers stop,
// websocket clients are closed, then the listener drains.
func (s *DashServer) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.ServerPort()),
		Handler: s.handler,
		// No WriteTimeout: SSE and websocket responses are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Infow("Dashboard server listening",
		"port", s.cfg.ServerPort(),
		"backend", s.cfg.BackendURL())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Stop()
			return errors.Wrap(err, "dashboard server failed")
		}
	case <-ctx.Done():
	}
	return s.Stop()
}

// Stop tears the server down in dependency order: followers first so no
// new updates are produced, then websocket clients, then the listener.
// Safe to call more than once.
func (s *DashServer) Stop() error {
	s.log.Infow("Initiating dashboard server shutdown")

	s.stopAllFollowers()

	s.clientsMu.RLock()
	open := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		open = append(open, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range open {
		c.close()
	}

	if s.cancel != nil {
		s.cancel()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout())
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.log.Warnw("HTTP drain incomplete", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Infow("Dashboard server stopped")
	case <-time.After(s.cfg.DrainTimeout()):
		s.log.Warnw("Timed out waiting for server goroutines")
	}
	return nil
}

// ApplyTunables pushes reloaded settings into live components: follower
// channels pick up new reconnect and heartbeat options, limiters pick up
// new refetch rates. Structural settings (port, database path) still need
// a restart.
func (s *DashServer) ApplyTunables(cfg *config.Config) {
	if cfg == nil {
		return
	}
	opts := monitor.Options{
		ReconnectInterval:    cfg.Monitor.ReconnectInterval(),
		MaxReconnectAttempts: cfg.Monitor.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Monitor.HeartbeatInterval(),
	}
	limit, burst := refetchRate(cfg)

	s.followMu.Lock()
	n := 0
	for _, f := range s.followers {
		f.channel.UpdateOptions(opts)
		f.limiter.SetLimit(limit)
		f.limiter.SetBurst(burst)
		n++
	}
	s.followMu.Unlock()

	s.log.Infow("Applied reloaded tunables",
		"followers", n,
		"reconnect_interval", opts.ReconnectInterval,
		"max_reconnect_attempts", opts.MaxReconnectAttempts,
		"heartbeat_interval", opts.HeartbeatInterval,
		"refetch_per_second", float64(limit),
		"refetch_burst", burst)
}

// runHub is the single goroutine that owns client registration and update
// fan-out.
func (s *DashServer) runHub() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.register:
			s.addClient(c)
		case c := <-s.unregister:
			s.removeClient(c)
		case u := <-s.broadcast:
			s.fanOut(u)
		}
	}
}

func (s *DashServer) addClient(c *Client) {
	s.clientsMu.Lock()
	if len(s.clients) >= MaxClients {
		s.clientsMu.Unlock()
		s.log.Warnw("Rejecting websocket client, server full",
			"client_id", c.id, "max_clients", MaxClients)
		c.close()
		return
	}
	s.clients[c] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.metrics.SetWSClients(count)
	s.log.Infow("Websocket client connected", "client_id", c.id, "clients", count)
	c.sendEnvelope(s.helloEnvelope())
}

func (s *DashServer) removeClient(c *Client) {
	s.clientsMu.Lock()
	if !s.clients[c] {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()

	for traceID, sessionID := range c.takeSubscriptions() {
		if err := s.Unfollow(traceID, sessionID); err != nil {
			s.log.Warnw("Failed to release follower session",
				"trace_id", traceID, "error", err)
		}
	}
	c.close()

	s.metrics.SetWSClients(count)
	s.log.Infow("Websocket client disconnected", "client_id", c.id, "clients", count)
}

// fanOut delivers one update to every websocket subscriber and SSE
// listener of its trace, or to everyone for global updates. Slow consumers
// lose the update rather than stalling the hub.
func (s *DashServer) fanOut(u update) {
	if u.fingerprint != nil {
		if prev, ok := s.lastSent[u.traceID]; ok && bytes.Equal(prev, u.fingerprint) {
			return
		}
		s.lastSent[u.traceID] = u.fingerprint
	}

	s.clientsMu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if u.global || c.subscribedTo(u.traceID) {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if !c.sendEnvelope(u.envelope) {
			s.metrics.IncBroadcastDrops()
		}
	}

	s.sseMu.Lock()
	if u.global {
		for _, listeners := range s.sseListeners {
			for ch := range listeners {
				select {
				case ch <- u.envelope:
				default:
					s.metrics.IncBroadcastDrops()
				}
			}
		}
	} else {
		for ch := range s.sseListeners[u.traceID] {
			select {
			case ch <- u.envelope:
			default:
				s.metrics.IncBroadcastDrops()
			}
		}
	}
	s.sseMu.Unlock()

	s.metrics.IncBroadcasts()
}

// publish hands an update to the hub without blocking the caller. A full
// hub queue drops the update; the next refetch supersedes it anyway.
func (s *DashServer) publish(u update) {
	select {
	case s.broadcast <- u:
	default:
		s.metrics.IncBroadcastDrops()
		s.log.Warnw("Broadcast queue full, dropping update", "trace_id", u.traceID)
	}
}

// BroadcastSOPUpdated tells every connected client the SOP library changed.
// The serve command's library watcher calls this after each debounced burst
// of filesystem events.
func (s *DashServer) BroadcastSOPUpdated() {
	env, err := marshalEnvelope(EventSOPUpdated, map[string]string{
		"changed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	s.publish(update{envelope: env, global: true})
	s.log.Debugw("Broadcast sop library change")
}

func (s *DashServer) helloEnvelope() []byte {
	env, err := marshalEnvelope(EventHello, HelloData{
		Version:    versionString(),
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return []byte(`{"type":"hello"}`)
	}
	return env
}

func (s *DashServer) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// addSSEListener registers a per-connection channel for a trace's updates.
func (s *DashServer) addSSEListener(traceID string, ch chan []byte) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	listeners := s.sseListeners[traceID]
	if listeners == nil {
		listeners = make(map[chan []byte]bool)
		s.sseListeners[traceID] = listeners
	}
	listeners[ch] = true
	s.metrics.AddSSEListeners(1)
}

func (s *DashServer) removeSSEListener(traceID string, ch chan []byte) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	listeners := s.sseListeners[traceID]
	if listeners == nil || !listeners[ch] {
		return
	}
	delete(listeners, ch)
	if len(listeners) == 0 {
		delete(s.sseListeners, traceID)
	}
	s.metrics.AddSSEListeners(-1)
}
