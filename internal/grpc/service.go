package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec encodes gRPC messages as JSON. The ops service mirrors its
// messages as plain structs, so no protobuf descriptors exist.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	// Register for content-subtype negotiation so clients can dial with
	// grpc.CallContentSubtype("json").
	encoding.RegisterCodec(jsonCodec{})
}

// OpsServer is the control-plane service contract.
type OpsServer interface {
	GetCounts(context.Context, *GetCountsRequest) (*GetCountsResponse, error)
	ExpireHolds(context.Context, *ExpireHoldsRequest) (*ExpireHoldsResponse, error)
	PurgeOld(context.Context, *PurgeOldRequest) (*PurgeOldResponse, error)
}

const opsServiceName = "tokend.Ops"

func _Ops_GetCounts_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetCountsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OpsServer).GetCounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + opsServiceName + "/GetCounts",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OpsServer).GetCounts(ctx, req.(*GetCountsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ops_ExpireHolds_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExpireHoldsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OpsServer).ExpireHolds(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + opsServiceName + "/ExpireHolds",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OpsServer).ExpireHolds(ctx, req.(*ExpireHoldsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ops_PurgeOld_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PurgeOldRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OpsServer).PurgeOld(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + opsServiceName + "/PurgeOld",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OpsServer).PurgeOld(ctx, req.(*PurgeOldRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// opsServiceDesc is the hand-written service descriptor. There is no
// .proto source; the JSON codec carries the mirrored structs.
var opsServiceDesc = grpc.ServiceDesc{
	ServiceName: opsServiceName,
	HandlerType: (*OpsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCounts", Handler: _Ops_GetCounts_Handler},
		{MethodName: "ExpireHolds", Handler: _Ops_ExpireHolds_Handler},
		{MethodName: "PurgeOld", Handler: _Ops_PurgeOld_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokend/ops",
}

var _ OpsServer = (*Server)(nil)
