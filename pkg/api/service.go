// Package api exposes the emulator's management operations over gRPC.
// Messages are protobuf well-known types so no generated code is needed.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"sriov-emu/pkg"
	"sriov-emu/pkg/device"
	"sriov-emu/pkg/emulator"
	"sriov-emu/pkg/sriov"
	"sriov-emu/pkg/types"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "sriovemu.v1.FunctionManager"

// Backend is the set of operations the service serves
type Backend interface {
	Enable(name string, n int) error
	Disable(name string) error
	Query(name string, i int) (*types.FunctionInfo, error)
	ResetPF(name string) error
	ResetVF(name string, i int) error
	Snapshot() *types.Inventory
	Variants() []string
}

// Server implements the FunctionManager service
type Server struct {
	backend Backend
	logger  *logrus.Entry
}

// NewServer creates a service backed by b
func NewServer(b Backend) *Server {
	return &Server{backend: b, logger: pkg.Component("api")}
}

// Register adds the service to a gRPC server
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Enable creates VFs. Request fields: device, num_vfs.
func (s *Server) Enable(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	name, err := stringField(req, "device")
	if err != nil {
		return nil, err
	}
	n, err := intField(req, "num_vfs")
	if err != nil {
		return nil, err
	}
	if err := s.backend.Enable(name, n); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Disable destroys every VF of a device
func (s *Server) Disable(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "device is required")
	}
	if err := s.backend.Disable(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Query describes one VF. Request fields: device, vf.
func (s *Server) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(req, "device")
	if err != nil {
		return nil, err
	}
	i, err := intField(req, "vf")
	if err != nil {
		return nil, err
	}
	info, err := s.backend.Query(name, i)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(info)
}

// Reset resets the PF, or VF "vf" when that field is present
func (s *Server) Reset(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	name, err := stringField(req, "device")
	if err != nil {
		return nil, err
	}
	if _, ok := req.GetFields()["vf"]; ok {
		var i int
		if i, err = intField(req, "vf"); err != nil {
			return nil, err
		}
		err = s.backend.ResetVF(name, i)
	} else {
		err = s.backend.ResetPF(name)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Dump returns the whole inventory
func (s *Server) Dump(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.backend.Snapshot())
}

// Variants lists the registered variant tags
func (s *Server) Variants(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := s.backend.Variants()
	values := make([]interface{}, len(names))
	for i, n := range names {
		values[i] = n
	}
	l, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return l, nil
}

// toStatus maps domain errors onto gRPC codes
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, emulator.ErrDeviceNotFound),
		errors.Is(err, sriov.ErrNotFound),
		errors.Is(err, device.ErrUnknownVariant):
		code = codes.NotFound
	case errors.Is(err, sriov.ErrFunctionLimitExceeded):
		code = codes.InvalidArgument
	case errors.Is(err, sriov.ErrAlreadyEnabled),
		errors.Is(err, device.ErrNoSRIOV),
		errors.Is(err, device.ErrRemoved):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

func stringField(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

func intField(req *structpb.Struct, key string) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != float64(int(n.NumberValue)) || n.NumberValue < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
	}
	return int(n.NumberValue), nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// logInterceptor logs every call with its outcome
func (s *Server) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	entry := s.logger.WithField("method", info.FullMethod)
	if err != nil {
		entry.WithError(err).Warn("request failed")
	} else {
		entry.Debug("request served")
	}
	return resp, err
}

// UnaryInterceptor returns the server's logging interceptor
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return s.logInterceptor
}

func unary(method string, newReq func() interface{}, call func(s *Server, ctx context.Context, req interface{}) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req)
			})
		},
	}
}

func newStruct() interface{} { return new(structpb.Struct) }
func newEmpty() interface{}  { return new(emptypb.Empty) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("Enable", newStruct, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Enable(ctx, req.(*structpb.Struct))
		}),
		unary("Disable", func() interface{} { return new(wrapperspb.StringValue) }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Disable(ctx, req.(*wrapperspb.StringValue))
		}),
		unary("Query", newStruct, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Query(ctx, req.(*structpb.Struct))
		}),
		unary("Reset", newStruct, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Reset(ctx, req.(*structpb.Struct))
		}),
		unary("Dump", newEmpty, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Dump(ctx, req.(*emptypb.Empty))
		}),
		unary("Variants", newEmpty, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.Variants(ctx, req.(*emptypb.Empty))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sriovemu/v1/function_manager.proto",
}
