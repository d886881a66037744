package idem

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ceyewan/idemgate/xerrors"
)

// grpcContentType 缓存的 gRPC 响应的 ContentType 标记
const grpcContentType = "application/grpc+anypb"

// UnaryServerInterceptor 实现 Idempotency 接口
func (i *idem) UnaryServerInterceptor(opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	opt := interceptorOptions{
		metadataKey: "x-idempotency-key",
	}
	for _, o := range opts {
		o(&opt)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rawKey := metadataValue(ctx, opt.metadataKey)
		if rawKey == "" {
			// 无幂等键的调用直接放行，不做幂等保证
			return handler(ctx, req)
		}

		out, err := i.interceptUnary(ctx, req, info, handler, rawKey)
		i.metrics.recordGRPC(ctx, info.FullMethod, status.Code(err))
		return out, err
	}
}

// interceptUnary 对携带幂等键的一元调用执行 Do 协议
func (i *idem) interceptUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, rawKey string) (interface{}, error) {
	// 请求消息序列化后作为指纹载荷
	var payload []byte
	if msg, ok := req.(proto.Message); ok {
		payload, _ = proto.Marshal(msg)
	}

	var handlerResp interface{}
	executed := false
	resp, err := i.Do(ctx, info.FullMethod, "POST", rawKey, payload,
		func(ctx context.Context) (*Response, error) {
			executed = true
			out, herr := handler(ctx, req)
			if herr != nil {
				return nil, herr
			}
			handlerResp = out

			msg, ok := out.(proto.Message)
			if !ok {
				// 非 proto 响应无法缓存，释放占位后原样返回
				return nil, errUncacheable
			}
			wrapped, werr := anypb.New(msg)
			if werr != nil {
				return nil, errUncacheable
			}
			body, werr := proto.Marshal(wrapped)
			if werr != nil {
				return nil, errUncacheable
			}
			return &Response{
				StatusCode:  200,
				Body:        body,
				ContentType: grpcContentType,
			}, nil
		})

	if err != nil {
		if executed {
			if xerrors.Is(err, errUncacheable) {
				return handlerResp, nil
			}
			// handler 自身的错误原样透传
			return nil, err
		}
		return nil, grpcError(err)
	}

	if executed {
		return handlerResp, nil
	}

	// 缓存命中，还原 anypb 封装的响应消息
	wrapped := &anypb.Any{}
	if uerr := proto.Unmarshal(resp.Body, wrapped); uerr != nil {
		return nil, status.Errorf(codes.Internal, "idem: corrupted cached response: %v", uerr)
	}
	msg, uerr := wrapped.UnmarshalNew()
	if uerr != nil {
		return nil, status.Errorf(codes.Internal, "idem: failed to decode cached response: %v", uerr)
	}
	return msg, nil
}

// metadataValue 从 gRPC metadata 中取出首个指定键的值
func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// grpcError 把引擎错误映射为 gRPC 状态码
func grpcError(err error) error {
	switch {
	case xerrors.Is(err, ErrKeyMissing), xerrors.Is(err, ErrKeyInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case xerrors.Is(err, ErrConcurrentRequest):
		return status.Error(codes.Aborted, "request with the same idempotency key is in progress")
	case xerrors.Is(err, ErrFingerprintMismatch):
		return status.Error(codes.FailedPrecondition, "idempotency key reused with a different request payload")
	case xerrors.Is(err, ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "idempotency store is unavailable")
	default:
		return err
	}
}
