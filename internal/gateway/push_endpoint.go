package gateway

import (
	"errors"
	"io"

	"github.com/adred-codev/pushline/internal/payload"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/rs/zerolog"
)

// PushEndpoint receives push streams from dispatchers and writes each frame
// to the matching local session
type PushEndpoint struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewPushEndpoint(registry *Registry, logger zerolog.Logger) *PushEndpoint {
	return &PushEndpoint{
		registry: registry,
		logger:   logger.With().Str("component", "push_endpoint").Logger(),
	}
}

// Push implements rpc.PushServer. Frames for devices not connected here are
// skipped silently; write failures are logged and do not fail the stream.
func (e *PushEndpoint) Push(stream rpc.PushStream) error {
	ack := &rpc.PushAck{}

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		ack.Received++

		if e.deliver(frame) {
			ack.Delivered++
		}
	}
}

func (e *PushEndpoint) deliver(frame *rpc.PushFrame) bool {
	sess, ok := e.registry.Lookup(types.ConnectionKey{UserID: frame.UserID, DeviceID: frame.DeviceID})
	if !ok {
		monitoring.RecordGatewayPushFrame(monitoring.PushOutcomeOffline)
		return false
	}

	data, err := payload.EncodeNotification(frame.MessageType, frame.Payload)
	if err == nil {
		err = sess.WriteBinary(data)
	}
	if err != nil {
		monitoring.RecordGatewayPushFrame(monitoring.PushOutcomeWriteError)
		e.logger.Warn().
			Err(err).
			Int64("user_id", frame.UserID).
			Str("device_id", frame.DeviceID).
			Int64("session_id", sess.ID()).
			Msg("Failed to write push frame")
		return false
	}

	monitoring.RecordGatewayPushFrame(monitoring.PushOutcomeDelivered)
	return true
}
