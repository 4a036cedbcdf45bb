package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8089", "http://127.0.0.1:8089"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"10.0.0.5:8089", "http://10.0.0.5:8089"},
		{"http://daemon.local:8089/", "http://daemon.local:8089"},
	}
	for _, tc := range tests {
		addr = tc.addr
		got, err := daemonURL()
		require.NoError(t, err, tc.addr)
		assert.Equal(t, tc.want, got)
	}

	addr = "no-port"
	_, err := daemonURL()
	assert.Error(t, err)
	addr = ""
}

func TestCallDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/report" {
			_, _ = w.Write([]byte("tasks: 3\n"))
			return
		}
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	addr = srv.URL
	defer func() { addr = "" }()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	body, err := callDaemon(ctx, http.MethodGet, "/v1/report")
	require.NoError(t, err)
	assert.Equal(t, "tasks: 3\n", string(body))

	_, err = callDaemon(ctx, http.MethodDelete, "/v1/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
