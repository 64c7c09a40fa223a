package http

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/pkg/logger"
	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

const requestIDHeader = "X-Request-Id"

type Handler struct {
	service gateway.Service
	realm   string
}

func NewHandler(service gateway.Service) *Handler {
	return &Handler{service: service, realm: serviceName}
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// GraphQL serves POST with a JSON body and GET with query parameters. GET
// requests may not run mutations.
func (h *Handler) GraphQL(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "transport.http.GraphQL")
	defer span.End()

	var req graphQLRequest
	if c.Request.Method == http.MethodGet {
		req.Query = c.Query("query")
		req.OperationName = c.Query("operationName")
		if raw := c.Query("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				badRequest(c, "variables must be a JSON object")
				return
			}
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be a GraphQL JSON object")
		return
	}
	if req.Query == "" {
		badRequest(c, "query is required")
		return
	}

	result, err := h.service.Serve(ctx, gateway.Request{
		Header:        c.Request.Header,
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		ReadOnly:      c.Request.Method == http.MethodGet,
	})
	if err != nil {
		span.RecordError(err)
		h.writeFailure(c, result, err)
		return
	}

	span.SetAttributes(attribute.String("request.id", result.RequestID))
	c.Header(requestIDHeader, result.RequestID)
	c.JSON(http.StatusOK, gin.H{"data": result.Data})
}

// Revoke adds the presented bearer token to the revocation list.
func (h *Handler) Revoke(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "transport.http.Revoke")
	defer span.End()

	if err := h.service.Revoke(ctx, c.Request.Header); err != nil {
		span.RecordError(err)
		h.writeFailure(c, nil, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeFailure(c *gin.Context, result *gateway.Result, err error) {
	f := gateway.Describe(err)

	body := gin.H{"errors": failureErrors(f)}
	if result != nil {
		c.Header(requestIDHeader, result.RequestID)
		body["data"] = nil
	}

	var status int
	switch f.Category {
	case gateway.CategoryUnauthenticated:
		status = http.StatusUnauthorized
		challenge := `Bearer realm="` + h.realm + `"`
		if !f.MissingCredential {
			challenge += `, error="invalid_token"`
		}
		c.Header("WWW-Authenticate", challenge)
	case gateway.CategoryUnavailable:
		status = http.StatusServiceUnavailable
		if f.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
		}
	case gateway.CategoryInvalid:
		status = http.StatusBadRequest
	case gateway.CategoryForbidden:
		status = http.StatusForbidden
	case gateway.CategoryNotFound:
		status = http.StatusNotFound
		if result != nil && !result.Mutation {
			status = http.StatusOK
		}
	case gateway.CategoryCanceled:
		status = StatusClientClosedRequest
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(c.Request.Context(), "graphql request failed",
			slog.String("code", f.Code),
			logger.Err(err),
		)
	}
	c.JSON(status, body)
}

func failureErrors(f gateway.Failure) gqlerror.List {
	if len(f.Errors) > 0 {
		out := make(gqlerror.List, len(f.Errors))
		for i, e := range f.Errors {
			cp := *e
			cp.Extensions = map[string]any{"code": f.Code}
			out[i] = &cp
		}
		return out
	}
	return gqlerror.List{{Message: f.Message, Extensions: map[string]any{"code": f.Code}}}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"errors": gqlerror.List{{Message: message, Extensions: map[string]any{"code": "BadRequest"}}},
	})
}
