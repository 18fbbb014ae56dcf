// Package remote is a client for the access service used by collaborating services and the
// smoke test.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"tourguide.org/internal/auth"
)

// APIError is a non-2xx answer from the HTTP API.
type APIError struct {
	Status    int
	Code      string `json:"code"`
	Message   string `json:"error"`
	RequestID string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
}

// Identity mirrors the identity document returned by the API.
type Identity struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// Login is the result of a successful login.
type Login struct {
	Identity  Identity  `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Me is the caller's identity with its effective permissions.
type Me struct {
	Identity    Identity `json:"identity"`
	Permissions []string `json:"permissions"`
}

// Client talks to the HTTP API and, when dialled, the gRPC endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	conn    *grpc.ClientConn
}

// New returns an HTTP-only client for baseURL.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// DialGRPC connects the client to the gRPC endpoint at target (insecure transport by default).
func (c *Client) DialGRPC(target string, opts ...grpc.DialOption) error {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Close closes the gRPC connection, if any.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*Login, error) {
	var out Login
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the identity and permissions behind token.
func (c *Client) Me(ctx context.Context, token string) (*Me, error) {
	var out Me
	if err := c.do(ctx, http.MethodGet, "/v1/auth/me", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the session bound to token.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", token, nil, nil)
}

// Health runs the gRPC health check with token attached, when non-empty.
func (c *Client) Health(ctx context.Context, token string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if c.conn == nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc not dialled")
	}
	resp, err := healthpb.NewHealthClient(c.conn).Check(OutgoingWithToken(ctx, token), &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// OutgoingWithToken attaches token as bearer `authorization` metadata. Without an explicit
// token it forwards the one stored by the HTTP middleware, if any.
func OutgoingWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		token, _ = auth.TokenFromContext(ctx)
	}
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
