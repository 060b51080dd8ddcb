package backbone

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/emobench/internal/dataset"
)

// #region server
type serverAPI interface {
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tokenize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Forward(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type server struct {
	b      Backbone
	serves map[string]bool
}

// RegisterServer exposes b on s under the same service the sidecar implements. Describe
// accepts b's own name plus any alias, so a stand-in can answer for real model ids.
func RegisterServer(s *grpc.Server, b Backbone, aliases ...string) {
	serves := map[string]bool{b.Name(): true}
	for _, a := range aliases {
		serves[a] = true
	}
	s.RegisterService(&serviceDesc, &server{b: b, serves: serves})
}

func (s *server) Describe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if m := req.GetFields()[fieldModel].GetStringValue(); m != "" && !s.serves[m] {
		return nil, status.Errorf(codes.NotFound, "model %q not served (serving %q)", m, s.b.Name())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldModel:  structpb.NewStringValue(s.b.Name()),
		fieldLabels: stringsValue(s.b.Labels()),
	}}, nil
}

func (s *server) Tokenize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	texts, err := decodeStrings(req, fieldTexts)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	maxLen := int(req.GetFields()[fieldMaxSeqLen].GetNumberValue())
	enc, err := s.b.Tokenize(ctx, texts, maxLen)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldInputIDs:      int64RowsValue(enc.InputIDs),
		fieldAttentionMask: int64RowsValue(enc.AttentionMask),
	}}, nil
}

func (s *server) Forward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ids, err := decodeInt64Rows(req, fieldInputIDs)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	mask, err := decodeInt64Rows(req, fieldAttentionMask)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	batch := dataset.Batch{InputIDs: ids, AttentionMask: mask}
	if _, ok := req.GetFields()[fieldTexts]; ok {
		if batch.Texts, err = decodeStrings(req, fieldTexts); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	logits, err := s.b.Forward(ctx, batch)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldLogits: denseValue(logits),
	}}, nil
}

// #endregion server

// #region service-desc
func unary(name string, call func(serverAPI, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(serverAPI), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(serverAPI), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*serverAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary("Describe", serverAPI.Describe),
		unary("Tokenize", serverAPI.Tokenize),
		unary("Forward", serverAPI.Forward),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "emobench/backbone/v1/backbone.proto",
}

// #endregion service-desc
