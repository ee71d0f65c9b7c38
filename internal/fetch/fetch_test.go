package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + " " + r.Header.Get("X-Token") + " " + string(body)))
	}))
	defer srv.Close()

	c := New(Config{AllowPrivateNetworks: true}, testLogger())
	resp, err := c.Do(context.Background(), Request{
		Method:  "post",
		URL:     srv.URL + "/items",
		Headers: map[string]string{"X-Token": "secret"},
		Body:    `{"a":1}`,
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.Status)
	}
	if resp.Body != `POST secret {"a":1}` {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestClient_ErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{AllowPrivateNetworks: true}, testLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Status)
	}
}

func TestClient_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := New(Config{AllowPrivateNetworks: true, MaxResponseBytes: 10}, testLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if len(resp.Body) != 10 || !resp.Truncated {
		t.Errorf("body len = %d truncated = %v, want 10 true", len(resp.Body), resp.Truncated)
	}
}

func TestClient_BlocksPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach a loopback server")
	}))
	defer srv.Close()

	c := New(Config{}, testLogger())
	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("error = %v, want ErrBlocked", err)
	}
}

func TestClient_BlocksRedirectToDisallowedDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.example/steal", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Config{AllowPrivateNetworks: true, AllowedDomains: []string{"127.0.0.1"}}, testLogger())
	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("error = %v, want ErrBlocked", err)
	}
}

func TestClient_RejectsBadURLs(t *testing.T) {
	c := New(Config{}, testLogger())
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.com", "http://", "::"} {
		if _, err := c.Do(context.Background(), Request{URL: raw}); err == nil {
			t.Errorf("Do(%q) succeeded, want error", raw)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := IsPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestIsDomainAllowed(t *testing.T) {
	allow := []string{"example.com"}
	if !IsDomainAllowed("api.Example.com", allow) {
		t.Error("subdomain should be allowed")
	}
	if IsDomainAllowed("badexample.com", allow) {
		t.Error("suffix match without a dot should be rejected")
	}
}
