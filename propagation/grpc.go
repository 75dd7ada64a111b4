package propagation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/BlackcatLL/tyloo/api"
)

// gRPC 传播适配器
// 事务上下文以 33 字节定长编码的 base64 形式放入 metadata 头部随调用传递，
// 要求跨传输位级一致还原；业务载荷不受影响
// 1. 调用方: UnaryClientInterceptor 把 ctx 中的出站事务上下文写入 metadata
// 2. 提供方: UnaryServerInterceptor 从 metadata 取出上下文装载进 ctx，供可补偿拦截器识别 PROVIDER 角色

// transactionContextHeader 事务上下文对应的 metadata key
const transactionContextHeader = "tyloo-transaction-context"

// Inject 将事务上下文写入出站 metadata
func Inject(ctx context.Context, tc api.TransactionContext) (context.Context, error) {
	encoded, err := tc.EncodeToString()
	if err != nil {
		return nil, err
	}

	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	md.Set(transactionContextHeader, encoded)
	return metadata.NewOutgoingContext(ctx, md), nil
}

// Extract 从入站 metadata 中解析事务上下文，未携带时返回 ok == false
func Extract(ctx context.Context) (api.TransactionContext, bool, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return api.TransactionContext{}, false, nil
	}
	values := md.Get(transactionContextHeader)
	if len(values) == 0 {
		return api.TransactionContext{}, false, nil
	}

	tc, err := api.DecodeString(values[0])
	if err != nil {
		return api.TransactionContext{}, false, err
	}
	return tc, true, nil
}

// UnaryClientInterceptor 出站拦截器: ctx 携带事务上下文时随调用注入 metadata
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if tc, ok := api.TransactionContextFrom(ctx); ok {
			injected, err := Inject(ctx, tc)
			if err != nil {
				return err
			}
			ctx = injected
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor 入站拦截器: metadata 携带事务上下文时装载进 ctx 再执行 handler
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{},
		info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		tc, ok, err := Extract(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			ctx = api.WithTransactionContext(ctx, tc)
		}
		return handler(ctx, req)
	}
}
