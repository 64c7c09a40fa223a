package grpc

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

const requestIDKey = "x-request-id"

// Handler serves GraphQL operations as a unary connect procedure. Requests and
// responses are structpb messages shaped like the JSON GraphQL envelope.
type Handler struct {
	service gateway.Service
}

func NewHandler(service gateway.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Execute(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	ctx, span := tracer.Start(ctx, "transport.grpc.Execute")
	defer span.End()

	fields := req.Msg.GetFields()
	query := fields["query"].GetStringValue()
	if query == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	var variables map[string]any
	if v, ok := fields["variables"]; ok {
		vars := v.GetStructValue()
		if vars == nil {
			if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
				return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("variables must be an object"))
			}
		}
		variables = vars.AsMap()
	}

	result, err := h.service.Serve(ctx, gateway.Request{
		Header:        req.Header(),
		Query:         query,
		OperationName: fields["operationName"].GetStringValue(),
		Variables:     variables,
	})
	if err != nil {
		span.RecordError(err)
		return failureResponse(result, err)
	}

	span.SetAttributes(attribute.String("request.id", result.RequestID))
	return response(result.RequestID, result.Data)
}

func response(requestID string, data map[string]any) (*connect.Response[structpb.Struct], error) {
	var dataValue any
	if data != nil {
		dataValue = data
	}
	msg, err := structpb.NewStruct(map[string]any{"data": dataValue})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to encode result: %w", err))
	}

	resp := connect.NewResponse(msg)
	resp.Header().Set(requestIDKey, requestID)
	return resp, nil
}

// failureResponse maps a gateway failure onto a connect error. A read that
// found nothing succeeds with null data.
func failureResponse(result *gateway.Result, err error) (*connect.Response[structpb.Struct], error) {
	f := gateway.Describe(err)

	if f.Category == gateway.CategoryNotFound && result != nil && !result.Mutation {
		return response(result.RequestID, nil)
	}

	var code connect.Code
	switch f.Category {
	case gateway.CategoryUnauthenticated:
		code = connect.CodeUnauthenticated
	case gateway.CategoryUnavailable:
		code = connect.CodeUnavailable
	case gateway.CategoryInvalid:
		code = connect.CodeInvalidArgument
	case gateway.CategoryForbidden:
		code = connect.CodePermissionDenied
	case gateway.CategoryNotFound:
		code = connect.CodeNotFound
	case gateway.CategoryCanceled:
		code = connect.CodeCanceled
	default:
		code = connect.CodeInternal
	}

	cerr := connect.NewError(code, errors.New(f.Message))
	if detail, derr := failureDetail(f); derr == nil {
		cerr.AddDetail(detail)
	}
	if result != nil {
		cerr.Meta().Set(requestIDKey, result.RequestID)
	}
	return nil, cerr
}

func failureDetail(f gateway.Failure) (*connect.ErrorDetail, error) {
	messages := make([]any, 0, len(f.Errors))
	for _, e := range f.Errors {
		messages = append(messages, e.Message)
	}
	msg, err := structpb.NewStruct(map[string]any{
		"code":   f.Code,
		"errors": messages,
	})
	if err != nil {
		return nil, err
	}
	return connect.NewErrorDetail(msg)
}
