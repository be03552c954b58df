package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ecowatt/agent/internal/ota"
)

// otaManifestPayload is the `update_info` shape returned by
// `GET /ota/check/<device_id>?version=<v>` (§6.2).
type otaManifestPayload struct {
	Version           string   `json:"version"`
	TotalSize         uint64   `json:"total_size"`
	ChunkSize         uint32   `json:"chunk_size"`
	TotalChunks       int      `json:"total_chunks"`
	SHA256OfPlaintext string   `json:"sha256_of_plaintext"`
	RSASignature      string   `json:"rsa_signature"`
	AESIV             string   `json:"aes_iv"`
	PerChunkHMACs     []string `json:"per_chunk_hmacs,omitempty"`
}

type otaCheckResponse struct {
	UpdateAvailable bool                `json:"update_available"`
	UpdateInfo      *otaManifestPayload `json:"update_info,omitempty"`
}

// CheckUpdate implements ota.ManifestClient against the backend's
// `/ota/check` endpoint.
func (b *BackendClient) CheckUpdate(ctx context.Context, currentVersion string) (*ota.Manifest, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/ota/check/%s?version=%s", b.baseURL, b.deviceID, currentVersion), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("ota check: status %d", resp.StatusCode)
	}

	var out otaCheckResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	if !out.UpdateAvailable || out.UpdateInfo == nil {
		return nil, false, nil
	}

	m, err := decodeManifest(out.UpdateInfo)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func decodeManifest(p *otaManifestPayload) (*ota.Manifest, error) {
	m := &ota.Manifest{
		Version:     p.Version,
		TotalSize:   p.TotalSize,
		ChunkSize:   p.ChunkSize,
		TotalChunks: p.TotalChunks,
	}
	if err := decodeFixed(p.SHA256OfPlaintext, m.SHA256OfPlaintext[:]); err != nil {
		return nil, fmt.Errorf("sha256_of_plaintext: %w", err)
	}
	if err := decodeFixed(p.AESIV, m.AESIV[:]); err != nil {
		return nil, fmt.Errorf("aes_iv: %w", err)
	}
	sig, err := hex.DecodeString(p.RSASignature)
	if err != nil {
		return nil, fmt.Errorf("rsa_signature: %w", err)
	}
	m.RSASignature = sig

	if len(p.PerChunkHMACs) > 0 {
		m.PerChunkHMACs = make([][32]byte, len(p.PerChunkHMACs))
		for i, h := range p.PerChunkHMACs {
			if err := decodeFixed(h, m.PerChunkHMACs[i][:]); err != nil {
				return nil, fmt.Errorf("per_chunk_hmacs[%d]: %w", i, err)
			}
		}
	}
	return m, nil
}

func decodeFixed(s string, out []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("want %d bytes, got %d", len(out), len(raw))
	}
	copy(out, raw)
	return nil
}

// FetchChunk implements ota.ChunkClient against
// `GET /ota/download/<device_id>/<chunk_index>`, which returns raw
// encrypted chunk bytes (§6.2).
func (b *BackendClient) FetchChunk(ctx context.Context, version string, index int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/ota/download/%s/%d", b.baseURL, b.deviceID, index), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ota chunk %d: status %d", index, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
