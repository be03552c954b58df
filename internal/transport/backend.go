package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/ecowatt/agent/internal/security"
)

// BackendClient talks to the cloud backend (§6.2): aggregated data
// upload, command polling/result, config check, and OTA manifest/chunk
// fetch. Command ids are deduped through a small LRU so a retried poll
// response is never actioned twice.
type BackendClient struct {
	baseURL string
	deviceID string
	http    *http.Client
	limiter *rate.Limiter
	seenCmd *lru.Cache
}

const commandDedupSize = 64

func NewBackendClient(baseURL, deviceID string, httpClient *http.Client, limiter *rate.Limiter) (*BackendClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := lru.New(commandDedupSize)
	if err != nil {
		return nil, err
	}
	return &BackendClient{baseURL: baseURL, deviceID: deviceID, http: httpClient, limiter: limiter, seenCmd: cache}, nil
}

func (b *BackendClient) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// UploadAggregated POSTs a secured envelope to /aggregated/<device_id>
// (§6.2). The caller is responsible for building env via
// internal/security.
func (b *BackendClient) UploadAggregated(ctx context.Context, env *security.Envelope) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/aggregated/%s", b.baseURL, b.deviceID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return security.ErrMacMismatch
	default:
		return fmt.Errorf("backend upload: status %d", resp.StatusCode)
	}
}

// Command is one pending command returned by `/commands/<id>/poll`.
type Command struct {
	CommandID string          `json:"command_id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
}

// PollCommand fetches the next pending command, if any, and reports
// whether it has already been seen (and thus must not be re-actioned).
func (b *BackendClient) PollCommand(ctx context.Context) (cmd Command, present bool, duplicate bool, err error) {
	if err = b.wait(ctx); err != nil {
		return
	}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/commands/%s/poll", b.baseURL, b.deviceID), nil)
	if reqErr != nil {
		err = reqErr
		return
	}
	resp, doErr := b.http.Do(req)
	if doErr != nil {
		err = doErr
		return
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		err = readErr
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}
	if unmarshalErr := json.Unmarshal(raw, &cmd); unmarshalErr != nil {
		err = unmarshalErr
		return
	}
	if cmd.CommandID == "" {
		return
	}
	present = true
	if b.seenCmd.Contains(cmd.CommandID) {
		duplicate = true
		return
	}
	b.seenCmd.Add(cmd.CommandID, struct{}{})
	return
}

// ReportCommandResult POSTs the outcome of a command to
// `/commands/<device_id>/result`.
func (b *BackendClient) ReportCommandResult(ctx context.Context, commandID string, success bool, output string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	body := map[string]interface{}{
		"command_id": commandID,
		"success":    success,
		"output":     output,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/commands/%s/result", b.baseURL, b.deviceID), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report command result: status %d", resp.StatusCode)
	}
	return nil
}

// ConfigCheckResponse is the `GET /config/<device_id>/check` shape
// (§6.2).
type ConfigCheckResponse struct {
	ConfigChanged bool `json:"config_changed"`
	NewConfig     *struct {
		PollPeriodMicros   int64   `json:"poll_period_micros"`
		UploadPeriodMicros int64   `json:"upload_period_micros"`
		ActiveRegisters    []int   `json:"active_registers"`
	} `json:"new_config,omitempty"`
}

func (b *BackendClient) CheckConfig(ctx context.Context) (ConfigCheckResponse, error) {
	var out ConfigCheckResponse
	if err := b.wait(ctx); err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/config/%s/check", b.baseURL, b.deviceID), nil)
	if err != nil {
		return out, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("check config: status %d", resp.StatusCode)
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
