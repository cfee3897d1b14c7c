package worldid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Proof is the opaque identity-proof bundle submitted by the client.
type Proof struct {
	Proof         string `json:"proof"`
	MerkleRoot    string `json:"merkle_root"`
	NullifierHash string `json:"nullifier_hash"`
}

// Verification is the verifier's verdict. A network failure is reported as an
// invalid verification with a reason, never as a transport error to upstream
// callers.
type Verification struct {
	Valid  bool
	Reason string
}

// Verifier checks an identity proof. The cryptography is entirely the remote
// service's concern.
type Verifier interface {
	Verify(ctx context.Context, p Proof) (Verification, error)
}

type Config struct {
	BaseURL string
	AppID   string
	Action  string
	Timeout time.Duration
}

// Client calls the hosted verification API.
type Client struct {
	c Config
	h *http.Client
}

func NewClient(c Config) *Client {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}

	return &Client{
		c: c,
		h: &http.Client{Timeout: c.Timeout},
	}
}

func (c *Client) Verify(ctx context.Context, p Proof) (Verification, error) {
	body, err := json.Marshal(struct {
		Proof         string `json:"proof"`
		MerkleRoot    string `json:"merkle_root"`
		NullifierHash string `json:"nullifier_hash"`
		Action        string `json:"action"`
	}{p.Proof, p.MerkleRoot, p.NullifierHash, c.c.Action})
	if err != nil {
		return Verification{}, fmt.Errorf("worldid: marshal proof: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/verify/%s", c.c.BaseURL, c.c.AppID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Verification{}, fmt.Errorf("worldid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		// Network failure means unverified, not a crash.
		return Verification{Valid: false, Reason: "verifier unreachable"}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return Verification{Valid: true}, nil
	}

	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil || detail.Detail == "" {
		detail.Detail = fmt.Sprintf("verification failed with status %d", resp.StatusCode)
	}

	return Verification{Valid: false, Reason: detail.Detail}, nil
}
