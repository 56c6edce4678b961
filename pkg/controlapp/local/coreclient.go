package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/iorate/infrastructure/httputil"
	"github.com/R3E-Network/iorate/infrastructure/resilience"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
	"github.com/R3E-Network/iorate/pkg/status"
)

// registrationRetryConfig governs RegisterLocal and ConnectStageToGlobal:
// the core may still be coming up when a local controller or stage starts
// (spec.md §4.1 step 1, §4.3 step 2), so a handful of short retries absorb
// a core that isn't accepting connections yet without blocking startup
// indefinitely.
var registrationRetryConfig = resilience.RetryConfig{
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// HTTPCoreClient is the outbound half of the local controller's northbound
// RPC surface (spec.md §4.3 step 2, §6): it registers this local
// controller and its stages against the core's connection-manager RPCs
// over HTTP, the transport the rest of this control plane uses for its
// northbound/southbound RPC surface.
type HTTPCoreClient struct {
	coreAddress string
	client      *http.Client
}

// NewHTTPCoreClient constructs a CoreClient that dials coreAddress (a base
// URL such as "http://core:8080"), normalizing it the way every northbound
// RPC peer address in this control plane is normalized and enforcing a
// TLS 1.2+ floor when the address is https.
func NewHTTPCoreClient(coreAddress string) (*HTTPCoreClient, error) {
	client, normalized, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL: coreAddress,
		HTTPClient: &http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
		},
	}, httputil.ClientDefaults{
		Timeout:          10 * time.Second,
		NormalizeBaseURL: true,
		RequireHTTPS:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	return &HTTPCoreClient{
		coreAddress: normalized,
		client:      client,
	}, nil
}

// RegisterLocal announces this local controller's address to the core
// (spec.md §4.1 step 1, "connect_local_to_global"). It is called once at
// local-controller startup, ahead of any stage connecting in, and retries
// through registrationRetryConfig since the core process may not have
// finished coming up yet.
func (c *HTTPCoreClient) RegisterLocal(ctx context.Context, localAddress string) status.Status {
	var ack rpcdto.AckResponse
	req := rpcdto.ConnectLocalRequest{LocalAddress: localAddress}
	err := resilience.Retry(ctx, registrationRetryConfig, func() error {
		return c.post(ctx, "/rpc/connect-local", req, &ack)
	})
	if err != nil {
		return status.Error(err)
	}
	if !ack.OK {
		return status.Errorf("local: core rejected local registration: %s", ack.Error)
	}
	return status.OK()
}

// ConnectStageToGlobal implements local.CoreClient: it announces a
// freshly handshaken stage to the core (spec.md §4.3 step 2), retrying
// through registrationRetryConfig for the same reason RegisterLocal does.
func (c *HTTPCoreClient) ConnectStageToGlobal(ctx context.Context, localAddress, stageName string, env int32, user string) status.Status {
	var ack rpcdto.AckResponse
	req := rpcdto.ConnectStageRequest{
		LocalAddress: localAddress,
		StageName:    stageName,
		Env:          env,
		User:         user,
	}
	err := resilience.Retry(ctx, registrationRetryConfig, func() error {
		return c.post(ctx, "/rpc/connect-stage", req, &ack)
	})
	if err != nil {
		return status.Error(err)
	}
	if !ack.OK {
		return status.Errorf("local: core rejected stage registration: %s", ack.Error)
	}
	return status.OK()
}

func (c *HTTPCoreClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("local: marshal request to %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.coreAddress+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("local: build request to %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("local: core %s unreachable: %w", c.coreAddress, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("local: core %s returned status %d", c.coreAddress, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("local: decode response from %s: %w", c.coreAddress, err)
	}
	return nil
}
