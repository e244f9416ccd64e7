package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// apiError is the decoded error body of a non-2xx response.
type apiError struct {
	Status       int      `json:"-"`
	Error        string   `json:"error"`
	Code         string   `json:"code"`
	Reason       string   `json:"reason"`
	Permission   string   `json:"permission"`
	MissingDates []string `json:"missing_dates"`
	RequestID    string   `json:"request_id"`
}

func (e *apiError) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", e.Reason)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}

// client talks to a running ecofleet API as a single actor.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// as returns a copy of c authenticated with token.
func (c *client) as(token string) *client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *client) login(ctx context.Context, handle, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	req := map[string]string{"handle": handle, "password": password}
	if apiErr, err := c.do(ctx, http.MethodPost, "/v1/auth/token", req, &out); err != nil {
		return "", err
	} else if apiErr != nil {
		return "", fmt.Errorf("login %s: %s", handle, apiErr)
	}
	return out.Token, nil
}

// do sends body as JSON and decodes a 2xx response into out. A non-2xx
// response is returned as an apiError with a nil error.
func (c *client) do(ctx context.Context, method, path string, body, out any) (*apiError, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) (*apiError, error) {
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode error body (status %d): %w", resp.StatusCode, err)
		}
		return apiErr, nil
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return nil, nil
}

// expectOK is do for steps that must succeed.
func (c *client) expectOK(ctx context.Context, step, method, path string, body, out any) error {
	apiErr, err := c.do(ctx, method, path, body, out)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if apiErr != nil {
		return fmt.Errorf("%s: %s", step, apiErr)
	}
	return nil
}

// checkHealth asks the gRPC health service for the overall serving status.
func checkHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
