// Package api implements the daemon's client protocol: JSON request
// envelopes dispatched to per-concern services, responses and event
// pushes marshalled back to the wire.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/mercury/internal/remote"
)

// Response is the frame sent back for every request. Data is omitted on
// error; Error is an explicit null on success.
type Response struct {
	Type  string  `json:"type"`
	ID    *string `json:"id"`
	Error *string `json:"error"`
	Data  any     `json:"data,omitempty"`
}

// EventFrame is an unsolicited push to a connected client.
type EventFrame struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ClientError is a fault in the request itself. Its message reaches the
// client verbatim behind the "client error: " prefix.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

func clientErrorf(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// parseEnvelope validates a raw request frame. The id is returned as soon
// as it is known so that even a rejected request can be answered under the
// caller's correlation id.
func parseEnvelope(raw []byte) (id *string, mtype string, data map[string]any, err error) {
	var m map[string]any
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil || m == nil {
		return nil, "", nil, clientErrorf("message not a map")
	}
	mid, ok := m["id"].(string)
	if !ok {
		return nil, "", nil, clientErrorf("message ID missing or not a string")
	}
	id = &mid
	mtype, ok = m["type"].(string)
	if !ok {
		return id, "", nil, clientErrorf("message type missing or not a string")
	}
	data, ok = m["data"].(map[string]any)
	if !ok {
		return id, mtype, nil, clientErrorf("message data missing or not a map")
	}
	return id, mtype, data, nil
}

// translateError renders an operation failure as the wire-level error
// string. Request faults keep their message, expired sessions collapse to
// a fixed marker the clients key on, and everything else is opaque.
func translateError(err error) string {
	var clientErr *ClientError
	switch {
	case errors.Is(err, remote.ErrLoginRequired):
		return "login required"
	case errors.As(err, &clientErr):
		return "client error: " + clientErr.Message
	case errors.Is(err, remote.ErrInvalidCredentials):
		return "client error: " + err.Error()
	default:
		return "unexpected error: " + err.Error()
	}
}
