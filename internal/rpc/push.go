package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/adred-codev/pushline/internal/shared/types"
	"google.golang.org/grpc"
)

const (
	pushServiceName = "pushline.gateway.v1.GatewayPush"
	pushMethod      = "/" + pushServiceName + "/Push"
)

// PushFrame asks a gateway to deliver one message to one device
type PushFrame struct {
	UserID      int64           `json:"userId"`
	DeviceID    string          `json:"deviceId"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

// PushAck closes a push stream. Delivered counts frames that found a live
// session and were written without error.
type PushAck struct {
	Received  int `json:"received"`
	Delivered int `json:"delivered"`
}

// PushServer is implemented by the gateway
type PushServer interface {
	Push(stream PushStream) error
}

// PushStream is the server side of one client-streaming push call
type PushStream interface {
	Context() context.Context
	Recv() (*PushFrame, error)
	SendAndClose(*PushAck) error
}

type pushStream struct {
	grpc.ServerStream
}

func (s *pushStream) Recv() (*PushFrame, error) {
	frame := new(PushFrame)
	if err := s.ServerStream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *pushStream) SendAndClose(ack *PushAck) error {
	return s.ServerStream.SendMsg(ack)
}

func pushHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PushServer).Push(&pushStream{stream})
}

var pushServiceDesc = grpc.ServiceDesc{
	ServiceName: pushServiceName,
	HandlerType: (*PushServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Push",
			Handler:       pushHandler,
			ClientStreams: true,
		},
	},
}

// RegisterPushServer registers the gateway push endpoint on s
func RegisterPushServer(s grpc.ServiceRegistrar, srv PushServer) {
	s.RegisterService(&pushServiceDesc, srv)
}

// GatewayClient is the pooled client for one gateway address
type GatewayClient struct {
	address types.GatewayAddress
	conn    *grpc.ClientConn
}

// NewGatewayClient creates a client for address. No connection is made
// until the first push.
func NewGatewayClient(address types.GatewayAddress, opts ...grpc.DialOption) (*GatewayClient, error) {
	conn, err := Dial(address.String(), opts...)
	if err != nil {
		return nil, err
	}
	return &GatewayClient{address: address, conn: conn}, nil
}

// Push streams frames over one call, half-closes and waits for the ack
func (c *GatewayClient) Push(ctx context.Context, frames []PushFrame) (*PushAck, error) {
	stream, err := c.conn.NewStream(ctx, &pushServiceDesc.Streams[0], pushMethod)
	if err != nil {
		return nil, fmt.Errorf("rpc: open push stream to %s: %w", c.address, err)
	}

	for i := range frames {
		if err := stream.SendMsg(&frames[i]); err != nil {
			if errors.Is(err, io.EOF) {
				// The server ended the stream early; its status is surfaced by RecvMsg
				break
			}
			return nil, fmt.Errorf("rpc: send push frame to %s: %w", c.address, err)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("rpc: half-close push stream to %s: %w", c.address, err)
	}

	ack := new(PushAck)
	if err := stream.RecvMsg(ack); err != nil {
		return nil, fmt.Errorf("rpc: push ack from %s: %w", c.address, err)
	}
	return ack, nil
}

// Close tears down the connection. In-flight calls fail.
func (c *GatewayClient) Close() error {
	return c.conn.Close()
}
