// Package transport implements the HTTP clients for the inverter
// gateway and the cloud backend (§6.1, §6.2), and the acquisition
// Transport adapter that turns Modbus frames into gateway HTTP calls.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ecowatt/agent/internal/acquisition"
)

// GatewayClient talks to the HTTP shim in front of the inverter (§6.1).
type GatewayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewGatewayClient(baseURL, apiKey string, httpClient *http.Client, limiter *rate.Limiter) *GatewayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &GatewayClient{baseURL: baseURL, apiKey: apiKey, http: httpClient, limiter: limiter}
}

type frameBody struct {
	Frame string `json:"frame"`
}

type responseFrameBody struct {
	ResponseFrame string `json:"response_frame"`
}

func (g *GatewayClient) post(ctx context.Context, path string, frame []byte) ([]byte, *acquisition.TransportError) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &acquisition.TransportError{TimedOut: true, Err: err}
		}
	}

	body, err := json.Marshal(frameBody{Frame: hex.EncodeToString(frame)})
	if err != nil {
		return nil, &acquisition.TransportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &acquisition.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", g.apiKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, &acquisition.TransportError{TimedOut: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &acquisition.TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &acquisition.TransportError{Err: fmt.Errorf("gateway %s: status %d", path, resp.StatusCode)}
	}

	var rb responseFrameBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, &acquisition.TransportError{Err: err}
	}
	respFrame, err := hex.DecodeString(rb.ResponseFrame)
	if err != nil {
		return nil, &acquisition.TransportError{Err: err}
	}
	return respFrame, nil
}

// Read implements acquisition.Transport for a Modbus read request.
func (g *GatewayClient) Read(ctx context.Context, frame []byte) ([]byte, *acquisition.TransportError) {
	return g.post(ctx, "/inverter/read", frame)
}

// Write implements acquisition.Transport for a Modbus write request.
func (g *GatewayClient) Write(ctx context.Context, frame []byte) ([]byte, *acquisition.TransportError) {
	return g.post(ctx, "/inverter/write", frame)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
