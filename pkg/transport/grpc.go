package transport

import (
	"context"
	"encoding/json"

	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// The control-plane session is a single gRPC bidirectional stream
// carrying JSON-encoded protocol messages.
var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	ClientStreams: true,
	ServerStreams: true,
}

const sessionMethod = "/flotilla.ControlPlane/Session"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

type grpcDialer struct {
	uri  string
	opts *utils.GRPCOptions
}

// Create a dialer opening control-plane sessions over gRPC.
// The URI is of the form tcp://host:port.
func NewGrpcDialer(uri string, opts *utils.GRPCOptions) Dialer {
	return &grpcDialer{
		uri:  uri,
		opts: opts,
	}
}

func (d *grpcDialer) Dial(ctx context.Context, token string) (Conn, error) {
	target, err := utils.ParseGrpcUrl(d.uri)
	if err != nil {
		return nil, err
	}

	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if d.opts != nil {
		dialOptions = append(dialOptions, d.opts.ToDialOptions()...)
	}

	conn, err := grpc.Dial(target, dialOptions...)
	if err != nil {
		return nil, err
	}

	streamCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	stream, err := conn.NewStream(streamCtx, &sessionStreamDesc, sessionMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &grpcConn{
		conn:   conn,
		stream: stream,
	}, nil
}

type grpcConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func (c *grpcConn) Send(msg *protocol.WorkerMessage) error {
	return c.stream.SendMsg(msg)
}

func (c *grpcConn) Recv() (*protocol.ServerMessage, error) {
	msg := &protocol.ServerMessage{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *grpcConn) Close() error {
	c.stream.CloseSend()
	return c.conn.Close()
}
