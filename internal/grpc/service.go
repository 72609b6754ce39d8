package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "arrival.tracking.v1.TrackingService"

// Method names
const (
	MethodStartTracking   = "StartTracking"
	MethodStopTracking    = "StopTracking"
	MethodSetAlertRadius  = "SetAlertRadius"
	MethodResetTrigger    = "ResetTrigger"
	MethodAdvanceStop     = "AdvanceStop"
	MethodReportPosition  = "ReportPosition"
	MethodRefreshPosition = "RefreshPosition"
	MethodGetSession      = "GetSession"
	MethodListSessions    = "ListSessions"
	MethodStopAlerts      = "StopAlerts"
	MethodGetTripJob      = "GetTripJob"
	MethodListTripJobs    = "ListTripJobs"
	MethodListTrips       = "ListTrips"
	MethodGetStatistics   = "GetStatistics"
	MethodListDevices     = "ListDevices"
	MethodGetSettings     = "GetSettings"
	MethodUpdateSettings  = "UpdateSettings"
	MethodTestAlert       = "TestAlert"
)

// FullMethod returns the path of a method, e.g. "/arrival.tracking.v1.TrackingService/GetSession"
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// TrackingServiceServer is the server API. Every message is a google.protobuf.Struct.
type TrackingServiceServer interface {
	StartTracking(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	StopTracking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAlertRadius(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetTrigger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceStop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTripJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTripJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTrips(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateSettings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TestAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TrackingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TrackingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TrackingServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func startTrackingHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrackingServiceServer).StartTracking(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the TrackingService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStopTracking, TrackingServiceServer.StopTracking),
		unary(MethodSetAlertRadius, TrackingServiceServer.SetAlertRadius),
		unary(MethodResetTrigger, TrackingServiceServer.ResetTrigger),
		unary(MethodAdvanceStop, TrackingServiceServer.AdvanceStop),
		unary(MethodReportPosition, TrackingServiceServer.ReportPosition),
		unary(MethodRefreshPosition, TrackingServiceServer.RefreshPosition),
		unary(MethodGetSession, TrackingServiceServer.GetSession),
		unary(MethodListSessions, TrackingServiceServer.ListSessions),
		unary(MethodStopAlerts, TrackingServiceServer.StopAlerts),
		unary(MethodGetTripJob, TrackingServiceServer.GetTripJob),
		unary(MethodListTripJobs, TrackingServiceServer.ListTripJobs),
		unary(MethodListTrips, TrackingServiceServer.ListTrips),
		unary(MethodGetStatistics, TrackingServiceServer.GetStatistics),
		unary(MethodListDevices, TrackingServiceServer.ListDevices),
		unary(MethodGetSettings, TrackingServiceServer.GetSettings),
		unary(MethodUpdateSettings, TrackingServiceServer.UpdateSettings),
		unary(MethodTestAlert, TrackingServiceServer.TestAlert),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodStartTracking,
			Handler:       startTrackingHandler,
			ServerStreams: true,
		},
	},
	Metadata: "arrival/tracking/v1/tracking.proto",
}

// RegisterTrackingServiceServer registers srv on s
func RegisterTrackingServiceServer(s grpc.ServiceRegistrar, srv TrackingServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the TrackingService
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a unary method
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartTracking opens the event stream of a new session
func (c *Client) StartTracking(ctx context.Context, req map[string]any, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodStartTracking), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
