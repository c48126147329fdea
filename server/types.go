package server

import (
	"encoding/json"
	"time"

	"github.com/ostrane/tracedeck/trace"
)

const (
	// MaxClients caps concurrent websocket connections.
	MaxClients = 100

	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read side
	// gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings land in time.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound client messages. Clients only send
	// small subscribe/unsubscribe frames.
	maxMessageSize = 4096

	// sendBufferSize is the per-client outbound queue. A client that
	// falls this far behind starts losing updates.
	sendBufferSize = 256

	// broadcastBufferSize absorbs refetch bursts between hub ticks.
	broadcastBufferSize = 64

	// sseBufferSize is the per-listener queue for event-stream responses.
	sseBufferSize = 32

	// backendProbeTimeout bounds the health handler's reachability check
	// so a dead orchestrator cannot stall /health.
	backendProbeTimeout = 2 * time.Second
)

// Outbound event types. These travel in the same {"type","data"} envelope
// the monitor channel decodes, so websocket and SSE consumers share one
// wire contract.
const (
	EventHello         = "hello"
	EventTraceUpdate   = "trace_update"
	EventMonitorStatus = "monitor_status"
	EventSOPUpdated    = "sop_updated"
	EventError         = "error"
)

// Inbound websocket message types.
const (
	msgSubscribeTrace   = "subscribe_trace"
	msgUnsubscribeTrace = "unsubscribe_trace"
	msgPing             = "ping"
)

// wireMessage is the envelope for every pushed event.
type wireMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientMessage is what websocket clients send us.
type clientMessage struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
}

// HelloData greets a freshly connected websocket client.
type HelloData struct {
	Version    string `json:"version"`
	ServerTime string `json:"server_time"`
}

// TraceUpdate carries a freshly rebuilt task hierarchy for a followed
// trace.
type TraceUpdate struct {
	TraceID   string             `json:"trace_id"`
	Summary   trace.TraceSummary `json:"summary"`
	Hierarchy []*trace.TaskNode  `json:"hierarchy"`
	NodeCount int                `json:"node_count"`
}

// MonitorStatus reports the live channel's connection health for a trace.
type MonitorStatus struct {
	TraceID   string `json:"trace_id"`
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// update is one hub broadcast: a pre-marshaled envelope for every
// subscriber of a trace, plus a fingerprint for change suppression.
type update struct {
	traceID  string
	envelope []byte

	// fingerprint, when non-nil, dedupes consecutive identical payloads
	// for the trace. Status events leave it nil so edges always fire.
	fingerprint []byte

	// global sends the envelope to every connected client and listener
	// regardless of trace subscription, for events like sop_updated.
	global bool
}

// marshalEnvelope wraps data in a wireMessage and marshals it once, so the
// hub fan-out writes bytes instead of re-encoding per client.
func marshalEnvelope(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(wireMessage{Type: eventType, Data: data})
}
