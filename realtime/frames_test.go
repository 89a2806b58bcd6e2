package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeURL(t *testing.T) {
	raw, err := HandshakeURL("wss://rt.example.com/graphql/realtime", "api.example.com", "tok-9")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "rt.example.com", u.Host)
	assert.Equal(t, "/graphql/realtime", u.Path)

	header, err := base64.StdEncoding.DecodeString(u.Query().Get("header"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"api.example.com","Authorization":"tok-9"}`, string(header))

	payload, err := base64.StdEncoding.DecodeString(u.Query().Get("payload"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(payload))
}

func TestHandshakeURLDefaultsHost(t *testing.T) {
	raw, err := HandshakeURL("wss://rt.example.com/graphql/realtime", "", "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", tokenFromURL(raw))

	u, _ := url.Parse(raw)
	header, _ := base64.StdEncoding.DecodeString(u.Query().Get("header"))
	var a authorization
	require.NoError(t, json.Unmarshal(header, &a))
	assert.Equal(t, "rt.example.com", a.Host)
}

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`{"id":"1","type":"data","payload":{"data":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", f.ID)
	assert.Equal(t, frameData, f.Type)

	_, err = decodeFrame([]byte(`<html>`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestUnauthorizedDetection(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    bool
	}{
		{"error type", `{"errors":[{"errorType":"UnauthorizedException"}]}`, true},
		{"error code", `{"errors":[{"errorCode":401,"message":"expired"}]}`, true},
		{"other error", `{"errors":[{"errorType":"LimitExceeded","errorCode":429}]}`, false},
		{"empty", ``, false},
		{"garbage", `[1,2]`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hasUnauthorized(decodeErrors(json.RawMessage(tc.payload))))
		})
	}
}

func TestStopFrame(t *testing.T) {
	assert.JSONEq(t, `{"id":"abc","type":"stop"}`, string(stopFrame("abc")))
}
