package api

import (
	"context"

	"github.com/aschepis/backscratcher/cortex/contexts"
	"github.com/aschepis/backscratcher/cortex/conversations"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/spaces"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cortex.v1.Cortex"

// Method names.
const (
	MethodEnsureMemorySpace  = "EnsureMemorySpace"
	MethodRemember           = "Remember"
	MethodRecall             = "Recall"
	MethodStorePreference    = "StorePreference"
	MethodGetFactHistory     = "GetFactHistory"
	MethodCreateContext      = "CreateContext"
	MethodUpdateContext      = "UpdateContext"
	MethodGrantContextAccess = "GrantContextAccess"
	MethodShareConversation  = "ShareConversation"
	MethodRevokeShare        = "RevokeShare"
	MethodAccessShare        = "AccessShare"
	MethodStatus             = "Status"
)

// CortexServer is the server API for the Cortex service. Every message travels as a
// google.protobuf.Struct holding the JSON form of the Go type.
type CortexServer interface {
	EnsureMemorySpace(context.Context, EnsureSpaceRequest) (spaces.MemorySpace, error)
	Remember(context.Context, cortex.RememberInput) (cortex.RememberResult, error)
	Recall(context.Context, cortex.RecallInput) (cortex.RecallResult, error)
	StorePreference(context.Context, cortex.PreferenceInput) (cortex.PreferenceResult, error)
	GetFactHistory(context.Context, FactHistoryRequest) (facts.History, error)
	CreateContext(context.Context, CreateContextRequest) (contexts.Context, error)
	UpdateContext(context.Context, UpdateContextRequest) (contexts.Context, error)
	GrantContextAccess(context.Context, GrantAccessRequest) (contexts.Grant, error)
	ShareConversation(context.Context, ShareRequest) (conversations.Share, error)
	RevokeShare(context.Context, RevokeShareRequest) (Ack, error)
	AccessShare(context.Context, AccessShareRequest) (conversations.SharedView, error)
	Status(context.Context, StatusRequest) (StatusResponse, error)
}

// CortexServiceDesc is the grpc.ServiceDesc for the Cortex service.
var CortexServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CortexServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodEnsureMemorySpace, CortexServer.EnsureMemorySpace),
		unary(MethodRemember, CortexServer.Remember),
		unary(MethodRecall, CortexServer.Recall),
		unary(MethodStorePreference, CortexServer.StorePreference),
		unary(MethodGetFactHistory, CortexServer.GetFactHistory),
		unary(MethodCreateContext, CortexServer.CreateContext),
		unary(MethodUpdateContext, CortexServer.UpdateContext),
		unary(MethodGrantContextAccess, CortexServer.GrantContextAccess),
		unary(MethodShareConversation, CortexServer.ShareConversation),
		unary(MethodRevokeShare, CortexServer.RevokeShare),
		unary(MethodAccessShare, CortexServer.AccessShare),
		unary(MethodStatus, CortexServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cortex/v1/cortex.proto",
}

// RegisterCortexServer registers srv on s.
func RegisterCortexServer(s grpc.ServiceRegistrar, srv CortexServer) {
	s.RegisterService(&CortexServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(CortexServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := FromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(CortexServer), ctx, r)
				if err != nil {
					return nil, ToStatus(err)
				}
				return ToStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CortexClient is the client API for the Cortex service.
type CortexClient struct {
	cc grpc.ClientConnInterface
}

// NewCortexClient wraps a connection.
func NewCortexClient(cc grpc.ClientConnInterface) *CortexClient {
	return &CortexClient{cc: cc}
}

// Invoke calls method with req and decodes the reply into out. Status errors are
// converted back to typed Cortex errors.
func (c *CortexClient) Invoke(ctx context.Context, method string, req, out any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply, opts...); err != nil {
		return FromStatus(err)
	}
	return FromStruct(reply, out)
}

func invoke[Resp any](ctx context.Context, c *CortexClient, method string, req any, opts []grpc.CallOption) (Resp, error) {
	var out Resp
	err := c.Invoke(ctx, method, req, &out, opts...)
	return out, err
}

func (c *CortexClient) EnsureMemorySpace(ctx context.Context, in EnsureSpaceRequest, opts ...grpc.CallOption) (spaces.MemorySpace, error) {
	return invoke[spaces.MemorySpace](ctx, c, MethodEnsureMemorySpace, in, opts)
}

func (c *CortexClient) Remember(ctx context.Context, in cortex.RememberInput, opts ...grpc.CallOption) (cortex.RememberResult, error) {
	return invoke[cortex.RememberResult](ctx, c, MethodRemember, in, opts)
}

func (c *CortexClient) Recall(ctx context.Context, in cortex.RecallInput, opts ...grpc.CallOption) (cortex.RecallResult, error) {
	return invoke[cortex.RecallResult](ctx, c, MethodRecall, in, opts)
}

func (c *CortexClient) StorePreference(ctx context.Context, in cortex.PreferenceInput, opts ...grpc.CallOption) (cortex.PreferenceResult, error) {
	return invoke[cortex.PreferenceResult](ctx, c, MethodStorePreference, in, opts)
}

func (c *CortexClient) GetFactHistory(ctx context.Context, in FactHistoryRequest, opts ...grpc.CallOption) (facts.History, error) {
	return invoke[facts.History](ctx, c, MethodGetFactHistory, in, opts)
}

func (c *CortexClient) CreateContext(ctx context.Context, in CreateContextRequest, opts ...grpc.CallOption) (contexts.Context, error) {
	return invoke[contexts.Context](ctx, c, MethodCreateContext, in, opts)
}

func (c *CortexClient) UpdateContext(ctx context.Context, in UpdateContextRequest, opts ...grpc.CallOption) (contexts.Context, error) {
	return invoke[contexts.Context](ctx, c, MethodUpdateContext, in, opts)
}

func (c *CortexClient) GrantContextAccess(ctx context.Context, in GrantAccessRequest, opts ...grpc.CallOption) (contexts.Grant, error) {
	return invoke[contexts.Grant](ctx, c, MethodGrantContextAccess, in, opts)
}

func (c *CortexClient) ShareConversation(ctx context.Context, in ShareRequest, opts ...grpc.CallOption) (conversations.Share, error) {
	return invoke[conversations.Share](ctx, c, MethodShareConversation, in, opts)
}

func (c *CortexClient) RevokeShare(ctx context.Context, in RevokeShareRequest, opts ...grpc.CallOption) (Ack, error) {
	return invoke[Ack](ctx, c, MethodRevokeShare, in, opts)
}

func (c *CortexClient) AccessShare(ctx context.Context, in AccessShareRequest, opts ...grpc.CallOption) (conversations.SharedView, error) {
	return invoke[conversations.SharedView](ctx, c, MethodAccessShare, in, opts)
}

func (c *CortexClient) Status(ctx context.Context, opts ...grpc.CallOption) (StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, MethodStatus, StatusRequest{}, opts)
}
