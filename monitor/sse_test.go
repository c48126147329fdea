package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrane/tracedeck/errors"
)

func TestSSEStreamFraming(t *testing.T) {
	raw := strings.Join([]string{
		": stream ready",
		"event: message",
		`data: {"type":"trace_update","data":{"seq":1}}`,
		"",
		"data: first",
		"data: second",
		"",
		`data: {"type":"heartbeat"}`,
		"",
	}, "\n")

	stream := newSSEStream(io.NopCloser(strings.NewReader(raw)))
	defer stream.Close()

	payload, err := stream.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"trace_update","data":{"seq":1}}`, string(payload))

	payload, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(payload))

	payload, err = stream.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(payload))

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestSSEStreamUnterminatedFinalFrame(t *testing.T) {
	stream := newSSEStream(io.NopCloser(strings.NewReader("data: tail")))
	defer stream.Close()

	payload, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(payload))
}

func TestEventURL(t *testing.T) {
	url, err := eventURL("http://localhost:8335/", "tr-42")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8335/api/traces/tr-42/events", url)

	url, err = eventURL("http://localhost:8335", "tr 42/x")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8335/api/traces/tr%2042%2Fx/events", url)

	_, err = eventURL("not a url", "tr-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportConstruction))

	_, err = eventURL("", "tr-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportConstruction))
}

func TestDialSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/traces/tr-55/events" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {\"type\":\"trace_update\",\"data\":{\"seq\":9}}\n\n")
	}))
	defer srv.Close()

	stream, err := dialSSE(context.Background(), srv.Client(), srv.URL, "tr-55")
	require.NoError(t, err)
	defer stream.Close()

	payload, err := stream.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"trace_update","data":{"seq":9}}`, string(payload))
}

func TestDialSSERejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such trace", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := dialSSE(context.Background(), srv.Client(), srv.URL, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	// A refused status is a connectivity error, not a construction one.
	assert.False(t, errors.Is(err, ErrTransportConstruction))
}
