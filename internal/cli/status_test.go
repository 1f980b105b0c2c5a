package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/logdeck/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	out, err := runCLI(t, "status", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "health report")
}

func TestHealthzURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "ws://127.0.0.1:7420/ws", "http://127.0.0.1:7420/healthz", false},
		{"tls", "wss://logs.example.com/ws", "https://logs.example.com/healthz", false},
		{"prefixed", "ws://host:1/deck/ws", "http://host:1/deck/healthz", false},
		{"http scheme", "http://host/ws", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := healthzURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchHealth(t *testing.T) {
	connected := time.Now().Add(-time.Minute)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"methods": 12,
			"connections": []engine.ConnectionInfo{{
				ID:            "c1",
				Authenticated: true,
				ConnectedAt:   connected,
				RemoteAddr:    "127.0.0.1:5000",
				Sessions:      2,
			}},
		})
	}))
	defer hs.Close()

	report, err := fetchHealth(context.Background(), hs.URL+"/healthz")
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 12, report.Methods)
	require.Len(t, report.Connections, 1)
	assert.Equal(t, 2, report.Connections[0].Sessions)

	out := &bytes.Buffer{}
	printHealth(out, hs.URL+"/healthz", report)
	assert.Contains(t, out.String(), "Connections: 1")
	assert.Contains(t, out.String(), "127.0.0.1:5000")
	assert.Contains(t, out.String(), "sessions: 2")
}

func TestFetchHealth_BadStatus(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer hs.Close()

	_, err := fetchHealth(context.Background(), hs.URL)
	assert.ErrorContains(t, err, "unexpected status")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
