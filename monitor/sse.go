package monitor

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ostrane/tracedeck/errors"
)

// sseScanBuffer bounds a single SSE line; trace updates with embedded
// execution records can run large.
const sseScanBuffer = 1 << 20

// dialSSE opens GET {base}/api/traces/{id}/events as a text/event-stream.
// URL assembly failures are construction errors; everything past the dial is
// a connectivity error for the reconnect machine.
func dialSSE(ctx context.Context, httpClient *http.Client, baseURL, traceID string) (EventStream, error) {
	endpoint, err := eventURL(baseURL, traceID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(ErrTransportConstruction, err.Error())
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "connecting event stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Newf("event stream returned status %d", resp.StatusCode)
	}
	return newSSEStream(resp.Body), nil
}

func eventURL(baseURL, traceID string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(ErrTransportConstruction, err.Error())
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.Wrapf(ErrTransportConstruction, "base URL %q lacks scheme or host", baseURL)
	}
	return strings.TrimRight(baseURL, "/") + "/api/traces/" + url.PathEscape(traceID) + "/events", nil
}

// sseStream reads server-sent-event framing off an HTTP response body and
// yields one data payload per frame.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	once    sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseScanBuffer)
	return &sseStream{body: body, scanner: scanner}
}

// Next returns the data payload of the next frame. Comment lines and the
// event/id/retry fields are consumed as framing; multiple data lines in one
// frame are joined with newlines.
func (s *sseStream) Next() ([]byte, error) {
	var data []byte
	sawData := false
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if sawData {
				return data, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if sawData {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			sawData = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if sawData {
		return data, nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}
