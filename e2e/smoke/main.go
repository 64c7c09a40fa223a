package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	grpctransport "github.com/astro-web3/graph-gateway/internal/transport/grpc"
	httpclient "github.com/astro-web3/graph-gateway/pkg/http"
)

const defaultServerAddr = "http://localhost:8080"

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: %s <bearer-token> [server-addr]", os.Args[0])
	}

	token := os.Args[1]
	serverAddr := defaultServerAddr
	if len(os.Args) > 2 {
		serverAddr = os.Args[2]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := httpclient.New(httpclient.Options{BaseURL: serverAddr, Timeout: 10 * time.Second})

	fmt.Println("Starting gateway smoke test")

	if err := testQuery(ctx, client, token); err != nil {
		log.Fatalf("Query test failed: %v", err)
	}
	fmt.Println("Query test passed")

	if err := testUnauthenticated(ctx, client); err != nil {
		log.Fatalf("Unauthenticated test failed: %v", err)
	}
	fmt.Println("Unauthenticated test passed")

	if err := testConnect(ctx, serverAddr, token); err != nil {
		log.Fatalf("Connect test failed: %v", err)
	}
	fmt.Println("Connect test passed")
}

func testQuery(ctx context.Context, client *httpclient.Client, token string) error {
	var out graphQLResponse
	resp, err := client.Post(ctx, "/graphql",
		httpclient.WithHeader("Authorization", "Bearer "+token),
		httpclient.WithBody(graphQLRequest{
			Query:     "query Movies($limit: Int) { movies(limit: $limit) { title released } }",
			Variables: map[string]any{"limit": 5},
		}),
		httpclient.WithResult(&out),
	)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("response carries errors: %s", out.Errors[0].Message)
	}

	movies, _ := out.Data["movies"].([]any)
	fmt.Printf("   Request ID: %s\n", resp.Header().Get("X-Request-Id"))
	fmt.Printf("   Movies returned: %d\n", len(movies))
	return nil
}

func testUnauthenticated(ctx context.Context, client *httpclient.Client) error {
	resp, err := client.Post(ctx, "/graphql",
		httpclient.WithBody(graphQLRequest{Query: "{ movies { title } }"}),
	)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), resp.String())
	}
	fmt.Printf("   WWW-Authenticate: %s\n", resp.Header().Get("WWW-Authenticate"))
	return nil
}

func testConnect(ctx context.Context, serverAddr, token string) error {
	client := grpctransport.NewClient(http.DefaultClient, serverAddr, connect.WithProtoJSON())

	msg, err := structpb.NewStruct(map[string]any{
		"query": "{ movies(limit: 1) { title } }",
	})
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req := connect.NewRequest(msg)
	req.Header().Set("Authorization", "Bearer "+token)

	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	fmt.Printf("   Request ID: %s\n", resp.Header().Get("x-request-id"))
	fmt.Printf("   Data: %v\n", resp.Msg.GetFields()["data"].AsInterface())
	return nil
}
