package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"reel/internal/models"
)

const (
	HeaderTimestamp          = "X-Reel-Timestamp"
	HeaderSignature          = "X-Reel-Signature"
	HeaderSignatureSecondary = "X-Reel-Signature-Secondary"
	HeaderJobID              = "X-Reel-Job-ID"
)

// Payload is the body posted to a job's webhook.
type Payload struct {
	JobID        string            `json:"job_id"`
	State        models.State      `json:"state"`
	AttemptCount int               `json:"attempt_count"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Result       *models.Result    `json:"result,omitempty"`
	Error        *models.ErrorInfo `json:"error,omitempty"`
}

func NewPayload(j *models.Job) Payload {
	return Payload{
		JobID:        j.ID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		UpdatedAt:    j.UpdatedAt,
		Result:       j.Result,
		Error:        j.Error,
	}
}

// Signer holds the signing secrets. Secondary is set only while rotating.
type Signer struct {
	Secret          string
	SecondarySecret string
}

// Sign returns the signature header value for body sent at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts p to url and treats any non-2xx status as a failure. The
// response body is discarded.
func Send(ctx context.Context, client *http.Client, url string, s Signer, p Payload, now time.Time) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reel-webhook/1")
	req.Header.Set(HeaderJobID, p.JobID)

	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(s.Secret, ts, body))
	if s.SecondarySecret != "" {
		req.Header.Set(HeaderSignatureSecondary, Sign(s.SecondarySecret, ts, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close()
	// Drain up to 4 KiB so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
