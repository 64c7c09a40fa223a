// Package neo4j implements the store backend over the Neo4j HTTP Query API.
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
	httpclient "github.com/astro-web3/graph-gateway/pkg/http"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

type Config struct {
	Endpoint string
	Database string
}

type queryRequest struct {
	Statement        string         `json:"statement"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	ImpersonatedUser string         `json:"impersonatedUser,omitempty"`
}

type queryResponse struct {
	Data struct {
		Fields []string `json:"fields"`
		Values [][]any  `json:"values"`
	} `json:"data"`
	Errors []Error `json:"errors"`
}

// session holds the credentials requests are authenticated with. The Query
// API is stateless, so a session is only a verified identity.
type session struct {
	principal store.Principal
}

func (s *session) Principal() string {
	return s.principal.Name
}

type backend struct {
	client *httpclient.Client
	path   string
}

var _ store.Backend = (*backend)(nil)

func New(cfg Config, client *httpclient.Client) (store.Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("neo4j endpoint is required")
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{BaseURL: strings.TrimSuffix(cfg.Endpoint, "/")})
	}
	return &backend{
		client: client,
		path:   strings.TrimSuffix(cfg.Endpoint, "/") + "/db/" + url.PathEscape(cfg.Database) + "/query/v2",
	}, nil
}

// OpenSession verifies the principal's credentials with a trivial query.
func (b *backend) OpenSession(ctx context.Context, principal store.Principal) (store.Session, error) {
	s := &session{principal: principal}
	if _, err := b.run(ctx, s, queryRequest{Statement: "RETURN 1"}); err != nil {
		return nil, err
	}
	logger.DebugContext(ctx, "neo4j session opened", slog.String("principal", principal.Name))
	return s, nil
}

func (b *backend) CloseSession(context.Context, store.Session) error {
	return nil
}

func (b *backend) RunQuery(ctx context.Context, s store.Session, q store.Query) ([]store.Row, error) {
	sess, ok := s.(*session)
	if !ok {
		return nil, fmt.Errorf("session of type %T does not belong to neo4j", s)
	}

	st, err := compile(q.Plan)
	if err != nil {
		return nil, err
	}

	req := queryRequest{Statement: st.Cypher, Parameters: st.Parameters}
	if q.RunAs != "" && q.RunAs != sess.principal.Name {
		req.ImpersonatedUser = q.RunAs
	}

	resp, err := b.run(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	return rows(resp)
}

func (b *backend) run(ctx context.Context, s *session, req queryRequest) (*queryResponse, error) {
	resp, err := b.client.Post(ctx, b.path,
		httpclient.WithBasicAuth(s.principal.Name, s.principal.Secret),
		httpclient.WithBody(req),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	var body queryResponse
	if len(resp.Body()) > 0 {
		dec := json.NewDecoder(bytes.NewReader(resp.Body()))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil && resp.IsSuccess() {
			return nil, fmt.Errorf("failed to decode neo4j response: %w", err)
		}
	}

	if len(body.Errors) > 0 {
		return nil, &body.Errors[0]
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, &Error{Code: "Neo.ClientError.Security.Unauthorized", Message: "authentication failed"}
	case resp.StatusCode() == http.StatusForbidden:
		return nil, &Error{Code: "Neo.ClientError.Security.Forbidden", Message: "access denied"}
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: neo4j returned status %d", store.ErrUnavailable, resp.StatusCode())
	case !resp.IsSuccess():
		return nil, fmt.Errorf("neo4j returned status %d", resp.StatusCode())
	}

	return &body, nil
}

// rows turns the single-column result into rows. Map columns become the row;
// scalar columns are keyed by their field name.
func rows(resp *queryResponse) ([]store.Row, error) {
	out := make([]store.Row, 0, len(resp.Data.Values))
	for _, values := range resp.Data.Values {
		if len(values) != 1 || len(resp.Data.Fields) != 1 {
			return nil, fmt.Errorf("expected a single column, got %d", len(values))
		}
		if m, ok := values[0].(map[string]any); ok {
			out = append(out, store.Row(m))
			continue
		}
		out = append(out, store.Row{resp.Data.Fields[0]: values[0]})
	}
	return out, nil
}
