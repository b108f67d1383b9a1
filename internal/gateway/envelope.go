package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadEnvelope = errors.New("gateway: bad envelope")

// Envelope kinds
const (
	KindHeartbeatRequest  = "heartbeat_request"
	KindHeartbeatResponse = "heartbeat_response"
)

// Envelope is the typed frame exchanged on the client socket. Exactly one
// body matching Kind is set. Push notifications are written bare and do not
// use it.
type Envelope struct {
	Kind              string             `json:"kind"`
	HeartbeatRequest  *HeartbeatRequest  `json:"heartbeatRequest,omitempty"`
	HeartbeatResponse *HeartbeatResponse `json:"heartbeatResponse,omitempty"`
}

// HeartbeatRequest carries the client's own user id label, echoed back
// unchanged. Routing identity comes from the handshake token, not this field.
type HeartbeatRequest struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // client ms
}

type HeartbeatResponse struct {
	UserID          string `json:"userId"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"` // server ms
}

// DecodeEnvelope parses a client frame
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}

	switch env.Kind {
	case KindHeartbeatRequest:
		if env.HeartbeatRequest == nil {
			return nil, fmt.Errorf("%w: %s without body", ErrBadEnvelope, env.Kind)
		}
	case KindHeartbeatResponse:
		if env.HeartbeatResponse == nil {
			return nil, fmt.Errorf("%w: %s without body", ErrBadEnvelope, env.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, env.Kind)
	}
	return &env, nil
}

func encodeHeartbeatResponse(resp HeartbeatResponse) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindHeartbeatResponse, HeartbeatResponse: &resp})
}
