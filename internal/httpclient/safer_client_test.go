package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewSaferClientDefaults(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	if client == nil {
		t.Fatal("NewSaferClient returned nil")
	}
	if client.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", client.Timeout)
	}
	if client.maxRedirects != 10 {
		t.Errorf("Expected maxRedirects 10, got %d", client.maxRedirects)
	}
	if !client.blockPrivateIP {
		t.Error("Expected blockPrivateIP to be true")
	}
	if !client.allowLoopback {
		t.Error("Expected allowLoopback to be true by default")
	}
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	tests := []struct {
		name        string
		url         string
		shouldErr   bool
		errContains string
	}{
		{name: "valid https URL", url: "https://example.com/path"},
		{name: "valid http URL", url: "http://example.com"},
		{name: "loopback allowed for local backends", url: "http://localhost:8335/api/traces"},
		{name: "loopback IP allowed", url: "http://127.0.0.1:8335/health"},
		{
			name:        "file scheme blocked",
			url:         "file:///etc/passwd",
			shouldErr:   true,
			errContains: "scheme",
		},
		{
			name:        "gopher scheme blocked",
			url:         "gopher://example.com",
			shouldErr:   true,
			errContains: "scheme",
		},
		{
			name:        "private IP blocked",
			url:         "http://10.0.0.5/admin",
			shouldErr:   true,
			errContains: "blocked",
		},
		{
			name:        "link-local metadata endpoint blocked",
			url:         "http://169.254.169.254/latest/meta-data/",
			shouldErr:   true,
			errContains: "blocked",
		},
		{
			name:        "credentials in URL blocked",
			url:         "http://evil.com@example.com/",
			shouldErr:   true,
			errContains: "credentials",
		},
		{
			name:      "missing hostname",
			url:       "http://",
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error for %s", tt.url)
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %s: %v", tt.url, err)
			}
		})
	}
}

func TestValidateURLLoopbackBlocked(t *testing.T) {
	off := false
	client := NewSaferClientWithOptions(30*time.Second, Options{AllowLoopback: &off})

	for _, url := range []string{
		"http://localhost/admin",
		"http://127.0.0.1/",
		"http://service.localhost/",
	} {
		if _, err := client.ValidateURL(url); err == nil {
			t.Errorf("expected %s to be blocked when loopback is disallowed", url)
		}
	}
}

func TestBlockedIP(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	blocked := []string{"10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.169.254", "224.0.0.1", "0.0.0.0", "fe80::1", "fc00::1"}
	for _, s := range blocked {
		if !client.blockedIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be blocked", s)
		}
	}

	open := []string{"8.8.8.8", "1.1.1.1", "127.0.0.1", "::1", "2607:f8b0::1"}
	for _, s := range open {
		if client.blockedIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be allowed", s)
		}
	}
}

func TestDoAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// Default profile permits loopback, so httptest servers work directly.
	client := NewSaferClient(5 * time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request to local server failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

func TestWrapClient(t *testing.T) {
	wrapped := WrapClient(&http.Client{})
	if wrapped.blockPrivateIP {
		t.Error("WrapClient must not block private IPs")
	}
	if _, err := wrapped.ValidateURL("http://192.168.1.1/"); err != nil {
		t.Errorf("wrapped client should allow private addresses: %v", err)
	}
}
