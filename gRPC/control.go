package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"TrafficDetServer/logger"
	"TrafficDetServer/monitor"
	"TrafficDetServer/processor"
	"TrafficDetServer/server"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "traffic.v1.ControlService"

// Controller is the session API the control service drives.
type Controller interface {
	Status() processor.Snapshot
	ResetCumulative() error
	StartSession(sourcePath, filename string, threshold float32) (string, error)
}

type ControlServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResetCounters(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StartSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

type Server struct {
	ctl               Controller
	uploadDir         string
	defaultConfidence float32

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(ctl Controller, uploadDir string, defaultConfidence float32) *Server {
	return &Server{
		ctl:               ctl,
		uploadDir:         uploadDir,
		defaultConfidence: defaultConfidence,
		CloseChannel:      make(chan struct{}),
	}
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	return SnapshotToStruct(s.ctl.Status())
}

func (s *Server) ResetCounters(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	if err := s.ctl.ResetCumulative(); err != nil {
		return nil, status.Error(codes.FailedPrecondition, "Detector not initialized")
	}
	return structpb.NewStruct(map[string]any{"success": true, "message": "Counters reset successfully"})
}

// StartSession processes a video already in the upload directory. The request
// carries "path" and an optional "confidence"; only the base name of path is
// used.
func (s *Server) StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	fields := req.GetFields()
	name := filepath.Base(filepath.Clean("/" + fields["path"].GetStringValue()))
	if name == "/" || name == "." || name == ".." {
		return nil, status.Error(codes.InvalidArgument, "path cannot be empty")
	}
	path := filepath.Join(s.uploadDir, name)
	confidence := s.defaultConfidence
	if v, ok := fields["confidence"]; ok {
		c := v.GetNumberValue()
		if c < 0 || c > 1 {
			return nil, status.Errorf(codes.InvalidArgument, "confidence must be between 0.0 and 1.0, got %f", c)
		}
		confidence = float32(c)
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return nil, status.Errorf(codes.NotFound, "video %s not found in uploads", name)
	}
	filename := server.SecureFilename(name)
	if filename == "" {
		return nil, status.Error(codes.InvalidArgument, "unusable file name")
	}

	id, err := s.ctl.StartSession(path, filename, confidence)
	switch {
	case errors.Is(err, server.ErrSessionActive):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, server.ErrServerClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	logger.Log().Info("Session started over gRPC", zap.String("session", id), zap.String("path", path))
	return structpb.NewStruct(map[string]any{"session_id": id, "filename": filename})
}

// Shutdown asks the process to stop; the main goroutine waits on CloseChannel.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	s.closeOnce.Do(func() {
		logger.Log().Warn("Shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

// SnapshotToStruct converts a snapshot through its JSON form.
func SnapshotToStruct(snap processor.Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return structpb.NewStruct(m)
}

func unaryHandler[Req any, Resp any, PReq interface {
	*Req
}](method string, call func(ControlServiceServer, context.Context, PReq) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unaryHandler[emptypb.Empty, structpb.Struct]("GetStatus", ControlServiceServer.GetStatus)},
		{MethodName: "ResetCounters", Handler: unaryHandler[emptypb.Empty, structpb.Struct]("ResetCounters", ControlServiceServer.ResetCounters)},
		{MethodName: "StartSession", Handler: unaryHandler[structpb.Struct, structpb.Struct]("StartSession", ControlServiceServer.StartSession)},
		{MethodName: "Shutdown", Handler: unaryHandler[emptypb.Empty, emptypb.Empty]("Shutdown", ControlServiceServer.Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "traffic/v1/control.proto",
}

func RegisterControlServiceServer(s grpc.ServiceRegistrar, srv ControlServiceServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

type ControlServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewControlServiceClient(cc grpc.ClientConnInterface) *ControlServiceClient {
	return &ControlServiceClient{cc: cc}
}

func (c *ControlServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *ControlServiceClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out, opts...)
}

func (c *ControlServiceClient) ResetCounters(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "ResetCounters", &emptypb.Empty{}, out, opts...)
}

func (c *ControlServiceClient) StartSession(ctx context.Context, path string, confidence float32, opts ...grpc.CallOption) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"path": path, "confidence": float64(confidence)})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "StartSession", req, out, opts...); err != nil {
		return "", err
	}
	return out.GetFields()["session_id"].GetStringValue(), nil
}

func (c *ControlServiceClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Shutdown", &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

func NewGRPCServer(srv *Server) *grpc.Server {
	s := grpc.NewServer()
	RegisterControlServiceServer(s, srv)
	return s
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := NewGRPCServer(srv)
	go func() {
		logger.Log().Info("gRPC control service listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
