package streaming

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName     = "pendant.v1.EventStream"
	SubscribeMethod = "/" + serviceName + "/Subscribe"
	SnapshotMethod  = "/" + serviceName + "/Snapshot"
)

// EventStreamServer is the service contract. Requests and responses are
// well-known protobuf types so no generated code is needed.
type EventStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	Snapshot(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

var EventStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "pendant/v1/events.proto",
}

func RegisterEventStreamServer(s grpc.ServiceRegistrar, srv EventStreamServer) {
	s.RegisterService(&EventStreamServiceDesc, srv)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventStreamServer).Subscribe(req, stream)
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventStreamServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventStreamServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SnapshotFunc returns the current system view as JSON-compatible values.
type SnapshotFunc func(ctx context.Context) map[string]interface{}

type EventStreamService struct {
	streamer *EventStreamer
	snapshot SnapshotFunc
	logger   *zap.Logger
}

var _ EventStreamServer = (*EventStreamService)(nil)

func NewEventStreamService(streamer *EventStreamer, snapshot SnapshotFunc, logger *zap.Logger) *EventStreamService {
	return &EventStreamService{
		streamer: streamer,
		snapshot: snapshot,
		logger:   logger,
	}
}

func (s *EventStreamService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	topic := TopicAll
	if v, ok := req.GetFields()["topic"]; ok {
		topic = Topic(v.GetStringValue())
	}
	switch topic {
	case TopicAll, TopicSafety, TopicRecipe:
	default:
		return status.Errorf(codes.InvalidArgument, "unknown topic %q", topic)
	}

	eventCh := s.streamer.Subscribe(topic)
	defer s.streamer.Unsubscribe(topic, eventCh)

	s.logger.Debug("Event stream subscribed", zap.String("topic", string(topic)))

	for {
		select {
		case msg, ok := <-eventCh:
			if !ok {
				return nil
			}

			out, err := encodeMessage(msg)
			if err != nil {
				s.logger.Warn("Dropping unencodable event", zap.String("type", msg.Type), zap.Error(err))
				continue
			}

			if err := stream.SendMsg(out); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *EventStreamService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshot not available")
	}
	out, err := structpb.NewStruct(s.snapshot(ctx))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}
	return out, nil
}

func encodeMessage(msg *Message) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"topic":     string(msg.Topic),
		"type":      msg.Type,
		"timestamp": msg.Timestamp.UnixMilli(),
		"payload":   msg.Payload,
	})
}

// EventStreamClient is the client side of the service.
type EventStreamClient struct {
	cc grpc.ClientConnInterface
}

func NewEventStreamClient(cc grpc.ClientConnInterface) *EventStreamClient {
	return &EventStreamClient{cc: cc}
}

// SubscribeStream yields encoded messages until the stream ends.
type SubscribeStream struct {
	grpc.ClientStream
}

func (s *SubscribeStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *EventStreamClient) Subscribe(ctx context.Context, topic Topic, opts ...grpc.CallOption) (*SubscribeStream, error) {
	stream, err := c.cc.NewStream(ctx, &EventStreamServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]interface{}{"topic": string(topic)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SubscribeStream{ClientStream: stream}, nil
}

func (c *EventStreamClient) Snapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SnapshotMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
