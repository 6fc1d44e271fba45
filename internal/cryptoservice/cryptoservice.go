// Package cryptoservice is the HTTP client for the external CryptoService
// that performs every cryptographic operation in the pipeline. The
// orchestrator treats every payload and response as opaque:
// it serialises what the caller gives it and returns what the service
// sends back, unparsed beyond the envelope.
package cryptoservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RPC names, used for routing, metrics, and tracing attributes.
const (
	RPCCreateEncryptedTally         = "createEncryptedTally"
	RPCCreatePartialDecryption      = "createPartialDecryption"
	RPCCreateCompensatedDecryption  = "createCompensatedDecryption"
	RPCCombineDecryptionShares      = "combineDecryptionShares"
)

// Timeout classes: tally/partial/compensated are heavy,
// compute-bound RPCs; combine is comparatively light.
const (
	HeavyRPCTimeout = 10 * time.Minute
	LightRPCTimeout = 30 * time.Second
)

var tracer = otel.Tracer("cryptoservice")

func timeoutFor(rpc string) time.Duration {
	if rpc == RPCCombineDecryptionShares {
		return LightRPCTimeout
	}
	return HeavyRPCTimeout
}

// Client is the CryptoService contract: one method per RPC, each a pure
// function of its input payload up to cryptographic randomness that does
// not affect result validity.
type Client interface {
	CreateEncryptedTally(ctx context.Context, payload any) (json.RawMessage, error)
	CreatePartialDecryption(ctx context.Context, payload any) (json.RawMessage, error)
	CreateCompensatedDecryption(ctx context.Context, payload any) (json.RawMessage, error)
	CombineDecryptionShares(ctx context.Context, payload any) (json.RawMessage, error)
}

// httpClient implements Client over a bare HTTP transport. Every payload
// is sent as a JSON body and every response is read as JSON, whatever its
// size; no binary or length-prefixed encoding is applied, here or by the
// callers in this module -- this client's own job is transport, not
// payload shaping.
type httpClient struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures the CryptoService client.
type Config struct {
	BaseURL string
}

// New constructs a CryptoService client. Each call applies its own
// deadline via context.WithTimeout internally, so the underlying
// http.Client carries no blanket Timeout that could clip a legitimately
// long heavy RPC.
func New(cfg Config) (Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cryptoservice: base URL is required")
	}
	return &httpClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{},
	}, nil
}

func (c *httpClient) CreateEncryptedTally(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.call(ctx, RPCCreateEncryptedTally, payload)
}

func (c *httpClient) CreatePartialDecryption(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.call(ctx, RPCCreatePartialDecryption, payload)
}

func (c *httpClient) CreateCompensatedDecryption(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.call(ctx, RPCCreateCompensatedDecryption, payload)
}

func (c *httpClient) CombineDecryptionShares(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.call(ctx, RPCCombineDecryptionShares, payload)
}

func (c *httpClient) call(ctx context.Context, rpc string, payload any) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "cryptoservice."+rpc, trace.WithAttributes(
		attribute.String("cryptoservice.rpc", rpc),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(rpc))
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cryptoservice: marshal %s payload: %w", rpc, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+rpc, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cryptoservice: build request %s: %w", rpc, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cryptoservice: %s: %w", rpc, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("cryptoservice: read %s response: %w", rpc, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := &RPCError{RPC: rpc, StatusCode: resp.StatusCode, Body: string(respBody)}
		span.RecordError(err)
		return nil, err
	}

	return json.RawMessage(respBody), nil
}

// RPCError is an explicit error response from CryptoService, as opposed
// to a transport-level failure; both are retriable by design, but
// callers may want to distinguish them for logging.
type RPCError struct {
	RPC        string
	StatusCode int
	Body       string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("cryptoservice: %s returned status %d: %s", e.RPC, e.StatusCode, e.Body)
}
