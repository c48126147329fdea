package server

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ostrane/tracedeck/errors"
)

// routes builds the dashboard's HTTP surface on an instance mux, so
// parallel servers in one process never fight over global patterns.
func (s *DashServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /api/traces/{id}/hierarchy", s.handleTraceHierarchy)
	mux.HandleFunc("GET /api/traces/{id}/events", s.handleTraceEvents)
	mux.HandleFunc("POST /api/traces/{id}/follow", s.handleFollowTrace)
	mux.HandleFunc("DELETE /api/traces/{id}/follow", s.handleUnfollowTrace)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.handleJobLogs)
	mux.HandleFunc("GET /api/jobs/{id}/context", s.handleJobContext)

	mux.HandleFunc("GET /api/sop/tree", s.handleSOPTree)
	mux.HandleFunc("GET /api/sop/content", s.handleSOPContent)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// originAllowed prefix-matches the request origin against the configured
// allow list. Absent origins (same-origin requests, curl) pass.
func (s *DashServer) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins() {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// corsMiddleware wraps the whole mux so preflights are answered before
// method routing can 405 them.
func (s *DashServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request metrics while
// still exposing flushing and hijacking to streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// metricsMiddleware counts requests by matched route pattern, keeping
// trace and job ids out of the label space.
func (s *DashServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.IncHTTPRequest(r.Method, path, strconv.Itoa(rec.status))
	})
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *DashServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn)
	select {
	case s.register <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
