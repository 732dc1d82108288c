package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func originRequest(origin, host string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/terminal", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	req.Host = host
	return req
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "agent.internal:8090", true},
		{"localhost", "http://localhost:3000", "agent.internal:8090", true},
		{"loopback", "http://127.0.0.1:3000", "agent.internal:8090", true},
		{"https localhost", "https://localhost", "agent.internal:8090", true},
		{"same host", "https://agent.internal", "agent.internal:8090", true},
		{"same host no port", "https://agent.internal", "agent.internal", true},
		{"foreign host", "https://evil.example.com", "agent.internal:8090", false},
		{"unparsable origin", "://bad", "agent.internal:8090", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkOrigin(originRequest(tt.origin, tt.host)); got != tt.want {
				t.Errorf("checkOrigin(%q, host %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
			}
		})
	}
}
