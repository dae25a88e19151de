package mockserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/odvcencio/stagehand/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StagehandServiceServer is the handler type registered for the service.
// Requests and responses travel as raw protobuf bytes.
type StagehandServiceServer interface {
	Calls() []Call
}

// RegisterService registers the mock service on a gRPC server that uses
// wire.RawCodec.
func RegisterService(server *grpc.Server, srv *Server) {
	server.RegisterService(&serviceDesc, srv)
}

func streamHandler(kind wire.OpKind) grpc.StreamHandler {
	return func(srv any, ss grpc.ServerStream) error {
		s := srv.(*Server)
		var raw []byte
		if err := ss.RecvMsg(&raw); err != nil {
			return err
		}
		req, sessionID, err := wire.DecodeRPCRequest(kind, raw)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		ctx := ss.Context()
		reply := s.record(Call{
			Kind:      kind,
			Transport: "rpc",
			SessionID: sessionID,
			Request:   req,
			Headers:   incomingHeaders(ctx),
		})
		if reply.Status != 0 {
			return status.Error(grpcCode(reply.Status), reply.Message)
		}
		for _, env := range reply.Envelopes {
			if err := sleepCtx(ctx, reply.Delay); err != nil {
				return err
			}
			msg, err := wire.EncodeRPCResponse(kind, env)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := ss.SendMsg(msg); err != nil {
				return err
			}
		}
		if reply.Hang {
			<-ctx.Done()
			return ctx.Err()
		}
		if reply.Drop {
			return status.Error(codes.Unavailable, "connection dropped")
		}
		return nil
	}
}

func closeHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var raw []byte
	if err := dec(&raw); err != nil {
		return nil, err
	}
	req, sessionID, err := wire.DecodeRPCRequest(wire.OpEnd, raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reply := s.record(Call{
		Kind:      wire.OpEnd,
		Transport: "rpc",
		SessionID: sessionID,
		Request:   req,
		Headers:   incomingHeaders(ctx),
	})
	if reply.Status != 0 {
		return nil, status.Error(grpcCode(reply.Status), reply.Message)
	}
	if err := sleepCtx(ctx, reply.Delay); err != nil {
		return nil, err
	}
	if reply.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, env := range reply.Envelopes {
		if env.Kind == wire.KindFailed {
			fail := wire.DecodeFailure(env.Payload)
			return nil, status.Error(codes.FailedPrecondition, fail.Message)
		}
	}
	return []byte{}, nil
}

func incomingHeaders(ctx context.Context) map[string]string {
	md, _ := metadata.FromIncomingContext(ctx)
	out := make(map[string]string, len(md))
	for k, v := range md {
		if len(v) > 0 && strings.HasPrefix(k, "x-") {
			out[k] = v[0]
		}
	}
	return out
}

// grpcCode maps a scripted HTTP status to the gRPC code a real server would
// return for it.
func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	if httpStatus >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}

func streamDesc(kind wire.OpKind) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    wire.RPCMethodName(kind),
		Handler:       streamHandler(kind),
		ServerStreams: true,
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.RPCService,
	HandlerType: (*StagehandServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: wire.RPCMethodName(wire.OpEnd),
			Handler:    closeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		streamDesc(wire.OpStart),
		streamDesc(wire.OpAct),
		streamDesc(wire.OpExtract),
		streamDesc(wire.OpObserve),
		streamDesc(wire.OpExecute),
		streamDesc(wire.OpNavigate),
	},
	Metadata: "stagehand/v1/stagehand.proto",
}
