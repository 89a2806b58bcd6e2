package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/realtime"
)

func TestHealthz(t *testing.T) {
	var closed atomic.Bool
	srv := httptest.NewServer(newRouter(zerolog.Nop(), func() health {
		if closed.Load() {
			return health{State: realtime.StateClosed}
		}
		return health{State: realtime.StateConnected, Storage: true, Queue: 2}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, health{State: realtime.StateConnected, Storage: true, Queue: 2}, got)

	closed.Store(true)
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newRouter(zerolog.Nop(), func() health { return health{} }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbGci...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9.wxyz"))
}
