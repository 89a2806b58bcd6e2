package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ============================================================================
// Wire frames
// ============================================================================

// Frame types of the graphql-ws subprotocol as spoken by the backend.
const (
	frameConnectionInit  = "connection_init"
	frameConnectionAck   = "connection_ack"
	frameConnectionError = "connection_error"
	frameKeepAlive       = "ka"
	frameStart           = "start"
	frameStartAck        = "start_ack"
	frameData            = "data"
	frameError           = "error"
	frameComplete        = "complete"
	frameStop            = "stop"
)

// ErrMalformedFrame is returned when an inbound frame is not valid JSON.
var ErrMalformedFrame = errors.New("realtime: malformed frame")

type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GraphQLError is one entry of an error payload.
type GraphQLError struct {
	ErrorType string `json:"errorType,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e GraphQLError) unauthorized() bool {
	return e.ErrorType == "UnauthorizedException" || e.ErrorCode == 401
}

type errorPayload struct {
	Errors []GraphQLError `json:"errors"`
}

type ackPayload struct {
	ConnectionTimeoutMs int64 `json:"connectionTimeoutMs"`
}

type dataPayload struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func decodeErrors(payload json.RawMessage) []GraphQLError {
	if len(payload) == 0 {
		return nil
	}
	var p errorPayload
	if json.Unmarshal(payload, &p) != nil {
		return nil
	}
	return p.Errors
}

func hasUnauthorized(errs []GraphQLError) bool {
	for _, e := range errs {
		if e.unauthorized() {
			return true
		}
	}
	return false
}

// connectionInit never carries connection parameters; credentials travel in the
// handshake URL.
func connectionInit() []byte {
	return []byte(`{"type":"connection_init","payload":{}}`)
}

type authorization struct {
	Host          string `json:"host"`
	Authorization string `json:"Authorization"`
}

type startPayload struct {
	Data       string `json:"data"`
	Extensions struct {
		Authorization authorization `json:"authorization"`
	} `json:"extensions"`
}

func startFrame(id string, op Operation, auth authorization) ([]byte, error) {
	query, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	var p startPayload
	p.Data = string(query)
	p.Extensions.Authorization = auth
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{ID: id, Type: frameStart, Payload: payload})
}

func stopFrame(id string) []byte {
	b, _ := json.Marshal(frame{ID: id, Type: frameStop})
	return b
}

// HandshakeURL builds the realtime URL: the endpoint plus a base64 JSON header
// carrying host and token, and an empty base64 payload.
func HandshakeURL(endpoint, host, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	if host == "" {
		host = u.Host
	}
	header, err := json.Marshal(authorization{Host: host, Authorization: token})
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("header", base64.StdEncoding.EncodeToString(header))
	q.Set("payload", base64.StdEncoding.EncodeToString([]byte("{}")))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeInto(payload json.RawMessage, v any) bool {
	return json.Unmarshal(payload, v) == nil
}
