package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

// ExecuteProcedure is the connect procedure GraphQL operations are served on.
const ExecuteProcedure = "/gateway.v1.GraphService/Execute"

// NewServiceHandler returns the procedure path and its http.Handler, ready to
// be mounted on the HTTP router.
func NewServiceHandler(service gateway.Service) (string, http.Handler) {
	h := NewHandler(service)
	return ExecuteProcedure, connect.NewUnaryHandler(
		ExecuteProcedure,
		h.Execute,
		connect.WithInterceptors(
			recoveryInterceptor(),
			loggingInterceptor(),
		),
	)
}

// NewClient calls the Execute procedure of a gateway at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *connect.Client[structpb.Struct, structpb.Struct] {
	return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+ExecuteProcedure, opts...)
}

func recoveryInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "panic recovered", slog.Any("panic", r))
					err = connect.NewError(connect.CodeInternal, fmt.Errorf("internal error"))
				}
			}()
			return next(ctx, req)
		}
	}
}

// loggingInterceptor logs one line per call with the gateway request id.
// Server-side failures are logged as errors, caller mistakes as warnings.
func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			attrs := []slog.Attr{
				slog.String("procedure", req.Spec().Procedure),
				slog.String("peer", req.Peer().Addr),
				slog.Duration("duration", time.Since(start)),
			}

			if err == nil {
				if id := resp.Header().Get(requestIDKey); id != "" {
					attrs = append(attrs, slog.String("request_id", id))
				}
				logger.InfoContext(ctx, "rpc completed", attrs...)
				return resp, nil
			}

			code := connect.CodeOf(err)
			attrs = append(attrs, slog.String("code", code.String()), logger.Err(err))
			var cerr *connect.Error
			if errors.As(err, &cerr) {
				if id := cerr.Meta().Get(requestIDKey); id != "" {
					attrs = append(attrs, slog.String("request_id", id))
				}
			}
			switch code {
			case connect.CodeInternal, connect.CodeUnknown, connect.CodeDataLoss:
				logger.ErrorContext(ctx, "rpc failed", attrs...)
			default:
				logger.WarnContext(ctx, "rpc failed", attrs...)
			}
			return resp, err
		}
	}
}
