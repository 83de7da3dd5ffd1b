package grpcsync

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service carries protobuf wrapper messages only, so no protoc step is
// needed. Every BytesValue on Session is one encoded sync event; Download
// and Upload carry an encoded transfer header followed by payload chunks.
//
//	service Sync {
//	  rpc Session(stream BytesValue) returns (stream BytesValue);
//	  rpc Download(BytesValue) returns (stream BytesValue);
//	  rpc Upload(stream BytesValue) returns (BytesValue);
//	}
const (
	serviceName    = "dittoshare.sync.v1.Sync"
	sessionMethod  = "/" + serviceName + "/Session"
	downloadMethod = "/" + serviceName + "/Download"
	uploadMethod   = "/" + serviceName + "/Upload"
)

// Metadata keys.
const (
	sessionKey = "dittoshare-session"
	modeKey    = "dittoshare-mode"
)

// SyncServer is the server API of the sync service.
type SyncServer interface {
	Session(stream grpc.ServerStream) error
	Download(in *wrapperspb.BytesValue, stream grpc.ServerStream) error
	Upload(stream grpc.ServerStream) error
}

// UnimplementedSyncServer can be embedded for forward compatibility.
type UnimplementedSyncServer struct{}

func (UnimplementedSyncServer) Session(grpc.ServerStream) error {
	return status.Error(codes.Unimplemented, "method Session not implemented")
}
func (UnimplementedSyncServer) Download(*wrapperspb.BytesValue, grpc.ServerStream) error {
	return status.Error(codes.Unimplemented, "method Download not implemented")
}
func (UnimplementedSyncServer) Upload(grpc.ServerStream) error {
	return status.Error(codes.Unimplemented, "method Upload not implemented")
}

// RegisterSyncServer registers the sync service on a gRPC server.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&Sync_ServiceDesc, srv)
}

func _Sync_Session_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncServer).Session(stream)
}

func _Sync_Download_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Download(in, stream)
}

func _Sync_Upload_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncServer).Upload(stream)
}

// Sync_ServiceDesc is the grpc.ServiceDesc for the sync service.
var Sync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SyncServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Session", Handler: _Sync_Session_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Download", Handler: _Sync_Download_Handler, ServerStreams: true},
		{StreamName: "Upload", Handler: _Sync_Upload_Handler, ClientStreams: true},
	},
	Metadata: "sync.proto",
}

func openSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &Sync_ServiceDesc.Streams[0], sessionMethod, opts...)
}

func openDownload(ctx context.Context, cc grpc.ClientConnInterface, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	stream, err := cc.NewStream(ctx, &Sync_ServiceDesc.Streams[1], downloadMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func openUpload(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &Sync_ServiceDesc.Streams[2], uploadMethod, opts...)
}
